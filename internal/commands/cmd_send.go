package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/hay-kot/dmchat/internal/core/messaging"
	"github.com/hay-kot/dmchat/internal/printer"
)

type SendCmd struct {
	flags *Flags

	file    string
	wait    bool
	timeout time.Duration
	json    bool
}

// NewSendCmd creates a new send command.
func NewSendCmd(flags *Flags) *SendCmd {
	return &SendCmd{flags: flags}
}

// Register adds the send command to the application.
func (cmd *SendCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:      "send",
		Usage:     "Send a single direct message",
		UsageText: "dmchat send [options] <username> [message]",
		Description: `Sends one message to the given user and exits.

The message can be provided as:
- A command-line argument
- From a file with -f/--file
- From stdin if no argument is provided

With --wait the command blocks until the backend echoes the message back on
the conversation topic, which confirms it was broadcast to the peer.

Examples:
  dmchat send bob "are you around?"
  echo "deploy finished" | dmchat send bob
  dmchat send --wait --timeout 5s bob "ping"`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "file",
				Aliases:     []string{"f"},
				Usage:       "read message from file",
				Destination: &cmd.file,
			},
			&cli.BoolFlag{
				Name:        "wait",
				Aliases:     []string{"w"},
				Usage:       "wait for the backend to echo the message",
				Destination: &cmd.wait,
			},
			&cli.DurationFlag{
				Name:        "timeout",
				Usage:       "how long --wait blocks before giving up",
				Value:       10 * time.Second,
				Destination: &cmd.timeout,
			},
			&cli.BoolFlag{
				Name:        "json",
				Usage:       "print the sent message as JSON",
				Destination: &cmd.json,
			},
		},
		Action: cmd.run,
	})

	return app
}

func (cmd *SendCmd) run(ctx context.Context, c *cli.Command) error {
	if c.NArg() < 1 {
		return fmt.Errorf("username is required")
	}
	username := c.Args().Get(0)

	body, err := cmd.readBody(c)
	if err != nil {
		return err
	}

	m, err := cmd.flags.Service.OpenSession(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = m.Close(context.Background()) }()

	if err := m.SelectPeer(ctx, username); err != nil {
		return fmt.Errorf("select %s: %w", username, err)
	}

	echoed := make(chan messaging.Message, 1)
	unregister := m.OnMessage(func(msg messaging.Message) {
		if msg.IsFrom(m.LocalID()) && msg.Body == body {
			select {
			case echoed <- msg:
			default:
			}
		}
	})
	defer unregister()

	sent, err := m.SendMessage(ctx, body)
	if err != nil {
		return err
	}

	if cmd.wait {
		select {
		case sent = <-echoed:
		case <-time.After(cmd.timeout):
			return fmt.Errorf("timeout waiting for echo from backend after %s", cmd.timeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if cmd.json {
		return json.NewEncoder(c.Root().Writer).Encode(sent)
	}

	printer.Ctx(ctx).Successf("Sent to %s", username)
	return nil
}

func (cmd *SendCmd) readBody(c *cli.Command) (string, error) {
	switch {
	case c.NArg() >= 2:
		return strings.Join(c.Args().Slice()[1:], " "), nil
	case cmd.file != "":
		data, err := os.ReadFile(cmd.file)
		if err != nil {
			return "", fmt.Errorf("read file: %w", err)
		}
		return strings.TrimRight(string(data), "\n"), nil
	default:
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return strings.TrimRight(string(data), "\n"), nil
	}
}
