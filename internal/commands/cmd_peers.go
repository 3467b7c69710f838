package commands

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"github.com/hay-kot/dmchat/internal/dmchat"
	"github.com/hay-kot/dmchat/internal/printer"
)

type PeersCmd struct {
	flags *Flags

	following bool
	followers bool
	recent    bool
	limit     int
}

// NewPeersCmd creates a new peers command.
func NewPeersCmd(flags *Flags) *PeersCmd {
	return &PeersCmd{flags: flags}
}

// Register adds the peers command to the application.
func (cmd *PeersCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:      "peers",
		Usage:     "List people you can chat with",
		UsageText: "dmchat peers [--following | --followers | --recent]",
		Description: `Lists chat candidates. By default shows mutual followers, the people the
chat picker offers. Use a flag to show a single backend list or the peers you
selected recently on this machine.`,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "following",
				Usage:       "users you follow",
				Destination: &cmd.following,
			},
			&cli.BoolFlag{
				Name:        "followers",
				Usage:       "users following you",
				Destination: &cmd.followers,
			},
			&cli.BoolFlag{
				Name:        "recent",
				Usage:       "peers selected recently, newest first",
				Destination: &cmd.recent,
			},
			&cli.IntFlag{
				Name:        "limit",
				Aliases:     []string{"n"},
				Usage:       "maximum number of recent peers (0 = all)",
				Destination: &cmd.limit,
			},
		},
		Action: cmd.run,
	})

	return app
}

func (cmd *PeersCmd) run(ctx context.Context, c *cli.Command) error {
	p := printer.Ctx(ctx)
	out := c.Root().Writer

	if cmd.recent {
		candidates, err := cmd.flags.Service.Candidates(ctx, cmd.limit)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "USERNAME\tNAME\tRECENT")
		rows := 0
		for _, cand := range candidates {
			if !cand.Recent {
				continue
			}
			rows++
			_, _ = fmt.Fprintf(w, "%s\t%s\tyes\n", cand.Username, cand.Label)
		}
		if rows == 0 {
			p.Infof("No recent peers")
			return nil
		}
		return w.Flush()
	}

	filter := dmchat.PeersMutuals
	switch {
	case cmd.following && cmd.followers:
		return fmt.Errorf("--following and --followers are mutually exclusive")
	case cmd.following:
		filter = dmchat.PeersFollowing
	case cmd.followers:
		filter = dmchat.PeersFollowers
	}

	peers, err := cmd.flags.Service.Peers(ctx, filter)
	if err != nil {
		return fmt.Errorf("list %s: %w", filter, err)
	}

	if len(peers) == 0 {
		p.Infof("No %s found", filter)
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "USERNAME\tNAME\tID")
	for _, peer := range peers {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", peer.Username, peer.Label(), peer.ID)
	}
	return w.Flush()
}
