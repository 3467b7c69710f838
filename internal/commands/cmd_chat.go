package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/hay-kot/dmchat/internal/core/messaging"
	"github.com/hay-kot/dmchat/internal/core/session"
	"github.com/hay-kot/dmchat/internal/printer"
	"github.com/hay-kot/dmchat/internal/tui"
)

// candidateLimit bounds the recent peers offered by the picker.
const candidateLimit = 20

type ChatCmd struct {
	flags *Flags

	lineMode bool
	markdown bool
}

// NewChatCmd creates a new chat command.
func NewChatCmd(flags *Flags) *ChatCmd {
	return &ChatCmd{flags: flags}
}

// Flags returns the chat flags for registration on the root command.
func (cmd *ChatCmd) Flags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:        "line",
			Usage:       "use plain line mode even on a terminal",
			Destination: &cmd.lineMode,
		},
		&cli.BoolFlag{
			Name:        "markdown",
			Usage:       "render message bodies as markdown (overrides chat.markdown)",
			Destination: &cmd.markdown,
		},
	}
}

// Register adds the chat command to the application.
func (cmd *ChatCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:      "chat",
		Usage:     "Open a direct message conversation",
		UsageText: "dmchat chat [options] [username]",
		Description: `Opens the conversation with the given user. Without a username a picker
offers recent peers and mutual followers.

On a terminal the conversation opens in a full screen view. Otherwise, or with
--line, each stdin line is sent as a message and incoming messages are printed
as "name: body".

Type /peer <username> to switch conversations and /quit to leave.`,
		Flags:  cmd.Flags(),
		Action: cmd.run,
	})

	return app
}

// Run executes the chat. Exported for use as default command.
func (cmd *ChatCmd) Run(ctx context.Context, c *cli.Command) error {
	return cmd.run(ctx, c)
}

func (cmd *ChatCmd) run(ctx context.Context, c *cli.Command) error {
	interactive := !cmd.lineMode && isTerminal()

	username := c.Args().First()
	if username == "" {
		if !interactive {
			return fmt.Errorf("username is required when stdin is not a terminal")
		}

		picked, err := cmd.pickPeer(ctx)
		if err != nil {
			if errors.Is(err, huh.ErrUserAborted) {
				return nil
			}
			return err
		}
		username = picked
	}

	m, err := cmd.flags.Service.OpenSession(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = m.Close(context.Background()) }()

	if err := m.SelectPeer(ctx, username); err != nil {
		return fmt.Errorf("open chat with %s: %w", username, err)
	}

	if interactive {
		return cmd.runTUI(m)
	}
	return cmd.runLines(ctx, m, os.Stdin, c.Root().Writer)
}

func (cmd *ChatCmd) pickPeer(ctx context.Context) (string, error) {
	candidates, err := cmd.flags.Service.Candidates(ctx, candidateLimit)
	if err != nil {
		return "", err
	}
	return tui.NewPeerPicker(candidates).Run()
}

func (cmd *ChatCmd) runTUI(m *session.Manager) error {
	cfg := cmd.flags.Config

	bridge := tui.NewBridge(64)
	unregister := m.OnMessage(bridge.OnMessage)
	defer unregister()
	m.OnConnectionLost(bridge.OnConnectionLost)

	model := tui.NewChat(m, tui.Options{
		ClearOnSend: cfg.Chat.ClearOnSend,
		Markdown:    cfg.Chat.Markdown || cmd.markdown,
		Bridge:      bridge,
	})

	p := tea.NewProgram(model, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("run chat: %w", err)
	}
	return nil
}

// lineSession is the part of session.Manager used by line mode.
type lineSession interface {
	LocalID() messaging.UserID
	SelectPeer(ctx context.Context, username string) error
	SendMessage(ctx context.Context, body string) (messaging.Message, error)
	OnMessage(fn func(messaging.Message)) func()
	Status() session.Session
}

// runLines sends each input line and prints incoming messages until in is
// exhausted or /quit is read.
func (cmd *ChatCmd) runLines(ctx context.Context, m lineSession, in io.Reader, out io.Writer) error {
	p := printer.Ctx(ctx)

	var mu sync.Mutex
	unregister := m.OnMessage(func(msg messaging.Message) {
		author := "them"
		if msg.IsFrom(m.LocalID()) {
			author = "you"
		} else if peer := m.Status().Peer; peer != nil {
			author = peer.Username
		}

		mu.Lock()
		defer mu.Unlock()
		_, _ = fmt.Fprintf(out, "%s: %s\n", author, msg.Body)
	})
	defer unregister()

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}

		fields := strings.Fields(line)
		switch {
		case fields[0] == "/quit":
			return nil
		case fields[0] == "/peer" && len(fields) == 2:
			if err := m.SelectPeer(ctx, fields[1]); err != nil {
				p.Errorf("open chat with %s: %v", fields[1], err)
				continue
			}
			p.Infof("Chatting with %s", fields[1])
			continue
		}

		if _, err := m.SendMessage(ctx, line); err != nil {
			p.Errorf("%v", err)
		}
	}
	return scanner.Err()
}

func isTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}
