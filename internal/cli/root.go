package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/eventbus/pkg/eventbus/config"
)

// options are the persistent flags shared by every command.
type options struct {
	configPath string
	logLevel   string
	logFormat  string
}

// NewRoot constructs the eventbusd root command with every subcommand
// registered.
func NewRoot() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "eventbusd",
		Short:         "Multi-tenant event bus",
		Long:          "eventbusd runs the event bus workers and manages events and subscriptions in its store.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "",
		"Config file (.yaml, .yml, .json); defaults to $"+config.EnvConfigPath)
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level: debug|info|warn|error (overrides log.level)")
	root.PersistentFlags().StringVar(&opts.logFormat, "log-format", "", "Log format: text|json (overrides log.format)")

	root.AddCommand(
		newServeCommand(opts),
		newMigrateCommand(opts),
		newPublishCommand(opts),
		newEventCommand(opts),
		newArchivedCommand(opts),
		newStatsCommand(opts),
		newCleanupCommand(opts),
		newSubscriptionsCommand(opts),
	)
	return root
}

// Execute runs the root command with ctx.
func Execute(ctx context.Context, args []string) error {
	root := NewRoot()
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

// settings loads and validates the configuration named by the flags.
func (o *options) settings() (config.Settings, error) {
	var (
		cfg config.Config
		err error
	)
	if o.configPath != "" {
		cfg, err = config.FromFile(o.configPath)
	} else {
		cfg, err = config.FromEnv()
	}
	if err != nil {
		return config.Settings{}, err
	}

	s, err := config.Load(cfg)
	if err != nil {
		return config.Settings{}, fmt.Errorf("config: %w", err)
	}
	if o.logLevel != "" {
		if err := s.Log.Level.UnmarshalText([]byte(o.logLevel)); err != nil {
			return config.Settings{}, fmt.Errorf("--log-level: %w", err)
		}
	}
	if o.logFormat != "" {
		s.Log.Format = o.logFormat
	}
	if err := s.Validate(); err != nil {
		return config.Settings{}, fmt.Errorf("config: %w", err)
	}
	return s, nil
}

// open loads settings and assembles a runtime for cmd. Logs go to the
// command's error stream.
func (o *options) open(cmd *cobra.Command, listen bool) (*runtime, error) {
	s, err := o.settings()
	if err != nil {
		return nil, err
	}
	logger := newLogger(cmd.ErrOrStderr(), s.Log)
	rt, err := openRuntime(cmd.Context(), s, logger, listen)
	if err != nil {
		logger.Error("open runtime failed", slog.String("error", err.Error()))
		return nil, err
	}
	return rt, nil
}
