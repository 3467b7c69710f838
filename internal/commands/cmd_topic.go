package commands

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/hay-kot/dmchat/internal/core/conversation"
)

type TopicCmd struct {
	flags       *Flags
	destination bool
}

// NewTopicCmd creates a new topic command.
func NewTopicCmd(flags *Flags) *TopicCmd {
	return &TopicCmd{flags: flags}
}

// Register adds the topic command to the application.
func (cmd *TopicCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:      "topic",
		Usage:     "Print the conversation key for two user ids",
		UsageText: "dmchat topic [--destination] <id> <id>",
		Description: `Derives the conversation key shared by two participants. The key does not
depend on argument order.

Examples:
  dmchat topic 42 10                 # 10-42
  dmchat topic --destination 42 10   # /topic/conversations/10-42`,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "destination",
				Aliases:     []string{"d"},
				Usage:       "print the full subscription destination",
				Destination: &cmd.destination,
			},
		},
		Action: cmd.run,
	})

	return app
}

func (cmd *TopicCmd) run(_ context.Context, c *cli.Command) error {
	if c.NArg() != 2 {
		return fmt.Errorf("expected exactly two user ids, got %d", c.NArg())
	}

	key, err := conversation.DeriveTopic(c.Args().Get(0), c.Args().Get(1))
	if err != nil {
		return err
	}

	out := key.String()
	if cmd.destination {
		prefix := ""
		if cmd.flags.Config != nil {
			prefix = cmd.flags.Config.Transport.TopicPrefix
		}
		out = conversation.Destination(prefix, key)
	}

	_, err = fmt.Fprintln(c.Root().Writer, out)
	return err
}
