package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/hay-kot/dmchat/internal/core/messaging"
	"github.com/hay-kot/dmchat/internal/printer"
)

type ActivityCmd struct {
	flags *Flags

	topic string
	since time.Duration
	limit int
	json  bool
}

// NewActivityCmd creates a new activity command.
func NewActivityCmd(flags *Flags) *ActivityCmd {
	return &ActivityCmd{flags: flags}
}

// Register adds the activity command to the application.
func (cmd *ActivityCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:      "activity",
		Usage:     "Show the local connection and subscription journal",
		UsageText: "dmchat activity [--topic <glob>] [--since 1h] [--limit N] [--json]",
		Description: `Lists recorded session events (connects, subscriptions, publishes,
received and discarded frames, connection loss), newest first. Message bodies
are never recorded.

Topic patterns use glob syntax:
  dmchat activity --topic '/topic/conversations/10-*'
  dmchat activity --topic '**/10-42' --since 30m`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "topic",
				Aliases:     []string{"t"},
				Usage:       "glob pattern matched against the topic",
				Destination: &cmd.topic,
			},
			&cli.DurationFlag{
				Name:        "since",
				Usage:       "only events newer than this duration",
				Destination: &cmd.since,
			},
			&cli.IntFlag{
				Name:        "limit",
				Aliases:     []string{"n"},
				Usage:       "maximum number of events",
				Value:       50,
				Destination: &cmd.limit,
			},
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

func (cmd *ActivityCmd) run(ctx context.Context, c *cli.Command) error {
	filter := messaging.ActivityFilter{
		Topic: cmd.topic,
		Limit: cmd.limit,
	}
	if cmd.since > 0 {
		filter.Since = time.Now().Add(-cmd.since)
	}

	activities, err := cmd.flags.Service.Activity(filter)
	if err != nil {
		return fmt.Errorf("list activity: %w", err)
	}

	out := c.Root().Writer
	if cmd.json {
		enc := json.NewEncoder(out)
		for _, a := range activities {
			if err := enc.Encode(a); err != nil {
				return err
			}
		}
		return nil
	}

	if len(activities) == 0 {
		printer.Ctx(ctx).Infof("No activity recorded")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "TIME\tTYPE\tTOPIC\tPEER\tDETAIL")
	for _, a := range activities {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			a.Timestamp.Local().Format(time.DateTime), a.Type, a.Topic, a.Peer, a.Detail)
	}
	return w.Flush()
}
