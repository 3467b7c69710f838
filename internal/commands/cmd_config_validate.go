package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/hay-kot/criterio"
	"github.com/urfave/cli/v3"

	"github.com/hay-kot/dmchat/internal/core/config"
	"github.com/hay-kot/dmchat/internal/printer"
)

// configSection groups field errors and warnings under one heading. Fields
// are matched by their first path segment.
type configSection struct {
	title  string
	prefix string
	detail func(cfg *config.Config) string
}

var configSections = []configSection{
	{"Backend", "backend", func(cfg *config.Config) string {
		return cfg.Backend.BaseURL + " " + printer.Dot + " " + cfg.Backend.WebSocketURL
	}},
	{"User", "user", func(cfg *config.Config) string {
		if cfg.User.Username == "" {
			return "read from token"
		}
		return cfg.User.Username
	}},
	{"Timeouts", "timeouts", func(cfg *config.Config) string {
		return fmt.Sprintf("resolve %s, connect %s, publish %s", cfg.Timeouts.Resolve, cfg.Timeouts.Connect, cfg.Timeouts.Publish)
	}},
	{"Transport", "transport", func(cfg *config.Config) string {
		return cfg.Transport.TopicPrefix + "<key>, send to " + cfg.Transport.SendDestination
	}},
	{"Reconnect", "reconnect", func(cfg *config.Config) string {
		if !cfg.Reconnect.Enabled {
			return "disabled"
		}
		return fmt.Sprintf("up to %d attempts, %s to %s", cfg.Reconnect.MaxAttempts, cfg.Reconnect.InitialInterval, cfg.Reconnect.MaxInterval)
	}},
	{"Directory", "directory", func(cfg *config.Config) string {
		if cfg.Directory.CacheTTL == 0 {
			return "no cache"
		}
		return "cache " + cfg.Directory.CacheTTL.String()
	}},
	{"Chat", "chat", func(cfg *config.Config) string {
		return "clear on send: " + cfg.Chat.ClearOnSend
	}},
	{"Files", "", func(cfg *config.Config) string {
		return cfg.DataDir
	}},
}

type ConfigValidateCmd struct {
	flags  *Flags
	format string
}

// NewConfigValidateCmd creates a new config validate command.
func NewConfigValidateCmd(flags *Flags) *ConfigValidateCmd {
	return &ConfigValidateCmd{flags: flags}
}

// Register adds the config validate command to the application.
func (cmd *ConfigValidateCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:  "config",
		Usage: "Configuration management commands",
		Commands: []*cli.Command{
			{
				Name:      "validate",
				Usage:     "Validate configuration file",
				UsageText: "dmchat config validate [options]",
				Description: `Checks the effective configuration after flags and environment overrides:
backend and messaging URLs, timeouts, STOMP destinations, reconnect bounds
and the data directory. Exits non-zero when any error is found.`,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:        "format",
						Usage:       "output format (text, json)",
						Value:       "text",
						Destination: &cmd.format,
					},
				},
				Action: cmd.run,
			},
		},
	})

	return app
}

func (cmd *ConfigValidateCmd) run(ctx context.Context, c *cli.Command) error {
	cfg := cmd.flags.Config
	if cfg == nil {
		return fmt.Errorf("configuration not loaded")
	}

	err := cfg.ValidateDeep(cmd.flags.ConfigPath)
	warnings := cfg.Warnings()

	if cmd.format == "json" {
		return cmd.outputJSON(c, err, warnings)
	}

	p := printer.New(c.Root().Writer)
	return cmd.outputText(p, err, warnings)
}

func (cmd *ConfigValidateCmd) outputJSON(c *cli.Command, validationErr error, warnings []config.ValidationWarning) error {
	type fieldError struct {
		Field   string `json:"field"`
		Message string `json:"message"`
	}

	cfg := cmd.flags.Config
	out := struct {
		Valid        bool                       `json:"valid"`
		ConfigFile   string                     `json:"config_file,omitempty"`
		BaseURL      string                     `json:"base_url"`
		WebSocketURL string                     `json:"websocket_url"`
		Errors       []fieldError               `json:"errors,omitempty"`
		Warnings     []config.ValidationWarning `json:"warnings,omitempty"`
	}{
		Valid:        validationErr == nil,
		ConfigFile:   cmd.flags.ConfigPath,
		BaseURL:      cfg.Backend.BaseURL,
		WebSocketURL: cfg.Backend.WebSocketURL,
		Warnings:     warnings,
	}

	for _, fe := range extractFieldErrors(validationErr) {
		out.Errors = append(out.Errors, fieldError{Field: fe.Field, Message: fe.Err.Error()})
	}

	enc := json.NewEncoder(c.Root().Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// extractFieldErrors extracts field errors from a validation error.
func extractFieldErrors(err error) criterio.FieldErrors {
	if err == nil {
		return nil
	}
	var fieldErrs criterio.FieldErrors
	if errors.As(err, &fieldErrs) {
		return fieldErrs
	}
	return criterio.FieldErrors{{Err: err}}
}

// sectionOf returns the section prefix a field belongs to. Fields outside
// the known sections land in Files.
func sectionOf(field string) string {
	head, _, _ := strings.Cut(field, ".")
	for _, s := range configSections {
		if s.prefix != "" && s.prefix == head {
			return head
		}
	}
	return ""
}

func (cmd *ConfigValidateCmd) outputText(p *printer.Printer, validationErr error, warnings []config.ValidationWarning) error {
	fieldErrs := extractFieldErrors(validationErr)

	for i, s := range configSections {
		if i > 0 {
			p.Printf("")
		}
		p.Section(s.title)

		clean := true
		for _, fe := range fieldErrs {
			if sectionOf(fe.Field) != s.prefix {
				continue
			}
			clean = false
			label := fe.Field
			if label == "" {
				label = "config"
			}
			p.FailItem(label, fe.Err.Error())
		}
		for _, w := range warnings {
			if !strings.EqualFold(w.Category, s.title) {
				continue
			}
			clean = false
			label := w.Item
			if label == "" {
				label = s.prefix
			}
			p.WarnItem(label, w.Message)
		}

		if clean {
			p.CheckItem(s.detail(cmd.flags.Config), "")
		}
	}

	p.Printf("")
	if validationErr == nil {
		if len(warnings) > 0 {
			p.Successf("Configuration is valid (%d warning(s))", len(warnings))
		} else {
			p.Successf("Configuration is valid")
		}
		return nil
	}

	p.Errorf("%d error(s), %d warning(s)", len(fieldErrs), len(warnings))
	return cli.Exit("", 1)
}
