package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/hay-kot/dmchat/internal/commands"
	"github.com/hay-kot/dmchat/internal/core/config"
	"github.com/hay-kot/dmchat/internal/dmchat"
	"github.com/hay-kot/dmchat/internal/integration/backend"
	"github.com/hay-kot/dmchat/internal/printer"
	"github.com/hay-kot/dmchat/internal/store/jsonfile"
	"github.com/hay-kot/dmchat/pkg/utils"
)

var (
	// Build information. Populated at build-time via -ldflags flag.
	version = "dev"
	commit  = "HEAD"
	date    = "now"
)

func build() string {
	short := commit
	if len(commit) > 7 {
		short = commit[:7]
	}

	return fmt.Sprintf("%s (%s) %s", version, short, date)
}

func main() {
	if err := setupLogger("info", "", nil); err != nil {
		panic(err)
	}

	// A .env file in the working directory may carry DMCHAT_* settings.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warn().Err(err).Msg("failed to load .env file")
	}

	var (
		p     = printer.New(os.Stderr)
		ctx   = printer.NewContext(context.Background(), p)
		flags = &commands.Flags{}
	)

	var deferredLogs *utils.DeferredWriter

	app := &cli.Command{
		Name:      "dmchat",
		Usage:     "Direct messages from your terminal",
		UsageText: "dmchat [global options] command [command options]",
		Description: `dmchat opens one-to-one conversations with people on the social backend.

Each pair of users shares a single conversation topic. Selecting a peer
subscribes to that topic over a STOMP WebSocket connection, and every message
sent by either side, including your own, arrives on it in order.

Run 'dmchat' with no arguments to pick a peer and open the chat view.
Run 'dmchat send <username> <message>' to send from scripts.`,
		Version: build(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "log level (debug, info, warn, error, fatal, panic)",
				Sources:     cli.EnvVars("DMCHAT_LOG_LEVEL"),
				Value:       "info",
				Destination: &flags.LogLevel,
			},
			&cli.StringFlag{
				Name:        "log-file",
				Usage:       "path to log file (optional)",
				Sources:     cli.EnvVars("DMCHAT_LOG_FILE"),
				Destination: &flags.LogFile,
			},
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "path to config file",
				Sources:     cli.EnvVars("DMCHAT_CONFIG"),
				Value:       commands.DefaultConfigPath(),
				Destination: &flags.ConfigPath,
			},
			&cli.StringFlag{
				Name:        "data-dir",
				Usage:       "path to data directory",
				Sources:     cli.EnvVars("DMCHAT_DATA_DIR"),
				Value:       commands.DefaultDataDir(),
				Destination: &flags.DataDir,
			},
			&cli.StringFlag{
				Name:        "backend-url",
				Usage:       "backend REST API root (overrides backend.base_url)",
				Sources:     cli.EnvVars("DMCHAT_BACKEND_URL"),
				Destination: &flags.BackendURL,
			},
			&cli.StringFlag{
				Name:        "token",
				Usage:       "bearer token (overrides backend.token)",
				Sources:     cli.EnvVars("DMCHAT_TOKEN"),
				Destination: &flags.Token,
			},
			&cli.StringFlag{
				Name:        "username",
				Aliases:     []string{"u"},
				Usage:       "your username (overrides user.username)",
				Sources:     cli.EnvVars("DMCHAT_USERNAME"),
				Destination: &flags.Username,
			},
		},
		Before: func(ctx context.Context, c *cli.Command) (context.Context, error) {
			// The chat view owns the terminal; hold logs until it exits.
			var deferred io.Writer
			if isChatView(c) {
				deferredLogs = &utils.DeferredWriter{}
				deferred = deferredLogs
			}

			if err := setupLogger(flags.LogLevel, flags.LogFile, deferred); err != nil {
				return ctx, err
			}

			cfg, err := config.Load(flags.ConfigPath, flags.DataDir)
			if err != nil {
				return ctx, fmt.Errorf("load config: %w", err)
			}
			if err := cfg.Override(flags.BackendURL, flags.Token, flags.Username); err != nil {
				return ctx, err
			}
			flags.Config = cfg

			// Create service
			var (
				logger = log.With().Str("component", "dmchat").Logger()
				client = backend.New(cfg.Backend.BaseURL, cfg.Backend.Token,
					backend.WithTimeout(cfg.Timeouts.Resolve),
					backend.WithLogger(log.With().Str("component", "backend").Logger()),
				)
				recent   = jsonfile.NewRecentStore(cfg.RecentFile())
				activity = jsonfile.NewActivityStore(cfg.ActivityDir())
			)

			flags.Service = dmchat.New(cfg, client, recent, activity, logger)
			return ctx, nil
		},
	}

	chatCmd := commands.NewChatCmd(flags)

	app = chatCmd.Register(app)
	app = commands.NewSendCmd(flags).Register(app)
	app = commands.NewListenCmd(flags).Register(app)
	app = commands.NewTopicCmd(flags).Register(app)
	app = commands.NewWhoisCmd(flags).Register(app)
	app = commands.NewPeersCmd(flags).Register(app)
	app = commands.NewActivityCmd(flags).Register(app)
	app = commands.NewConfigValidateCmd(flags).Register(app)

	// Register chat flags on root command
	app.Flags = append(app.Flags, chatCmd.Flags()...)

	// Set chat as default action when no subcommand is provided
	app.Action = func(ctx context.Context, c *cli.Command) error {
		if c.Args().Len() > 0 {
			return fmt.Errorf("unknown command %q. Run 'dmchat --help' for usage", c.Args().First())
		}
		return chatCmd.Run(ctx, c)
	}

	exitCode := 0
	if err := app.Run(ctx, os.Args); err != nil {
		fmt.Println()
		printer.Ctx(ctx).FatalError(err)
		exitCode = 1
	}

	// Flush deferred logs to console after the chat view exits
	if deferredLogs != nil {
		if err := deferredLogs.Flush(zerolog.ConsoleWriter{Out: os.Stderr}); err != nil {
			fmt.Fprintf(os.Stderr, "failed to flush logs: %v\n", err)
		}
	}

	os.Exit(exitCode)
}

// isChatView reports whether the invocation opens the full screen chat.
func isChatView(c *cli.Command) bool {
	args := c.Args().Slice()
	if len(args) > 0 && args[0] != "chat" {
		return false
	}
	if c.Bool("line") {
		return false
	}
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

func setupLogger(level string, logFile string, deferred io.Writer) error {
	parsedLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("failed to parse log level: %w", err)
	}

	var output io.Writer = zerolog.ConsoleWriter{Out: os.Stderr}

	if logFile != "" {
		// Create log directory if it doesn't exist
		logDir := filepath.Dir(logFile)
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}

		// Open log file
		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}

		if deferred != nil {
			// Chat view with explicit log file - write to both file and deferred buffer
			output = io.MultiWriter(file, deferred)
		} else {
			// Write to both console and file
			output = io.MultiWriter(
				zerolog.ConsoleWriter{Out: os.Stderr},
				file,
			)
		}
	} else if deferred != nil {
		// Chat view without log file - buffer for display after exit
		output = deferred
	}

	log.Logger = log.Output(output).Level(parsedLevel)

	return nil
}
