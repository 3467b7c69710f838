package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/hay-kot/dmchat/internal/core/messaging"
	"github.com/hay-kot/dmchat/internal/printer"
)

type ListenCmd struct {
	flags *Flags

	count   int
	timeout time.Duration
}

// NewListenCmd creates a new listen command.
func NewListenCmd(flags *Flags) *ListenCmd {
	return &ListenCmd{flags: flags}
}

// Register adds the listen command to the application.
func (cmd *ListenCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:      "listen",
		Usage:     "Print incoming messages of a conversation as JSON lines",
		UsageText: "dmchat listen [options] <username>",
		Description: `Subscribes to the conversation with the given user and prints every
message as one JSON object per line, including messages sent by you from other
clients.

Runs until interrupted unless --count or --timeout is set.

Examples:
  dmchat listen bob
  dmchat listen --count 1 --timeout 1m bob   # wait for the next message`,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:        "count",
				Aliases:     []string{"n"},
				Usage:       "exit after N messages (0 = unlimited)",
				Destination: &cmd.count,
			},
			&cli.DurationFlag{
				Name:        "timeout",
				Usage:       "exit after this duration (0 = never)",
				Destination: &cmd.timeout,
			},
		},
		Action: cmd.run,
	})

	return app
}

func (cmd *ListenCmd) run(ctx context.Context, c *cli.Command) error {
	if c.NArg() < 1 {
		return fmt.Errorf("username is required")
	}
	username := c.Args().Get(0)

	m, err := cmd.flags.Service.OpenSession(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = m.Close(context.Background()) }()

	if cmd.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cmd.timeout)
		defer cancel()
	}

	incoming := make(chan messaging.Message, 64)
	unregister := m.OnMessage(func(msg messaging.Message) {
		select {
		case incoming <- msg:
		default:
			// Slow stdout; the log still has it.
		}
	})
	defer unregister()

	lost := make(chan error, 1)
	m.OnConnectionLost(func(err error) {
		select {
		case lost <- err:
		default:
		}
	})

	if err := m.SelectPeer(ctx, username); err != nil {
		return fmt.Errorf("select %s: %w", username, err)
	}

	printer.Ctx(ctx).Infof("Listening on %s", m.Status().Destination)

	enc := json.NewEncoder(c.Root().Writer)
	received := 0
	for {
		select {
		case msg := <-incoming:
			if err := enc.Encode(msg); err != nil {
				return err
			}
			received++
			if cmd.count > 0 && received >= cmd.count {
				return nil
			}
		case err := <-lost:
			if cmd.flags.Config.Reconnect.Enabled {
				printer.Ctx(ctx).Warnf("Connection lost, reconnecting")
				continue
			}
			return fmt.Errorf("connection lost: %w", err)
		case <-ctx.Done():
			// A deadline is a normal exit; interrupts propagate.
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil
			}
			return ctx.Err()
		}
	}
}
