// Package cli implements the intel command line: the long-running service
// and the one-shot feed, backend and dead-letter commands.
package cli

import (
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telhawk-intel/common/logging"
	"github.com/telhawk-systems/telhawk-intel/intel/internal/config"
)

// Version is stamped at build time.
var Version = "0.1.0"

// app carries what every command needs once the root pre-run has loaded it.
type app struct {
	cfgFile  string
	logLevel string

	cfg    *config.Config
	logger *slog.Logger
	out    io.Writer
}

// Execute runs the intel command line.
func Execute() error {
	return NewRootCommand().Execute()
}

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "intel",
		Short: "TelHawk threat intelligence aggregation",
		Long: `intel runs the threat intelligence pipeline: it fetches feeds on their
schedules, parses and deduplicates observables, enriches them and stores
them in the configured backend.`,
		Version:      Version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
	}

	root.PersistentFlags().StringVar(&a.cfgFile, "config", "", "config file (default: $INTEL_CONFIG_DIR/config.yaml)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override logging.level")

	root.AddCommand(
		newServeCommand(a),
		newFeedCommand(a),
		newBackendCommand(a),
		newDLQCommand(a),
	)
	return root
}

func (a *app) init(cmd *cobra.Command) error {
	cfg, err := config.Load(a.cfgFile)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	a.cfg = cfg
	a.out = cmd.OutOrStdout()

	// Logs go to stderr so command output stays machine readable.
	logger := logging.NewWithWriter(cmd.ErrOrStderr(), logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format).
		With(logging.Service("intel"))
	logging.SetDefault(logger)
	a.logger = logger.Logger
	return nil
}
