package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"github.com/hay-kot/dmchat/internal/core/conversation"
	"github.com/hay-kot/dmchat/internal/core/directory"
)

type WhoisCmd struct {
	flags *Flags
	json  bool
}

// NewWhoisCmd creates a new whois command.
func NewWhoisCmd(flags *Flags) *WhoisCmd {
	return &WhoisCmd{flags: flags}
}

// Register adds the whois command to the application.
func (cmd *WhoisCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:        "whois",
		Usage:       "Resolve usernames to user ids",
		UsageText:   "dmchat whois [--json] <username>...",
		Description: "Looks up each username in the backend directory and prints its id and the conversation topic shared with you.",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "json",
				Usage:       "output as JSON lines",
				Destination: &cmd.json,
			},
		},
		Action: cmd.run,
	})

	return app
}

type whoisResult struct {
	directory.Participant
	Topic string `json:"topic,omitempty"`
}

func (cmd *WhoisCmd) run(ctx context.Context, c *cli.Command) error {
	if c.NArg() == 0 {
		return fmt.Errorf("at least one username is required")
	}

	svc := cmd.flags.Service

	// The local user is optional here; without it no topic is shown.
	local, localErr := svc.LocalUser(ctx)

	results := make([]whoisResult, 0, c.NArg())
	for _, username := range c.Args().Slice() {
		p, err := svc.Whois(ctx, username)
		if err != nil {
			return fmt.Errorf("whois %s: %w", username, err)
		}

		r := whoisResult{Participant: p}
		if localErr == nil {
			if key, err := conversation.DeriveTopic(local.ID.String(), p.ID.String()); err == nil {
				r.Topic = key.String()
			}
		}
		results = append(results, r)
	}

	out := c.Root().Writer
	if cmd.json {
		enc := json.NewEncoder(out)
		for _, r := range results {
			if err := enc.Encode(r); err != nil {
				return err
			}
		}
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "USERNAME\tID\tTOPIC")
	for _, r := range results {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", r.Username, r.ID, r.Topic)
	}
	return w.Flush()
}
