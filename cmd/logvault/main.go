package main

import (
	"errors"
	"fmt"
	"os"
	_ "time/tzdata"

	"github.com/spf13/cobra"

	"logvault/logging"
	"logvault/spooler"
)

// rootOptions holds the persistent flags shared by every command.
type rootOptions struct {
	configPath string
	dbPath     string
	logLevel   string
	logFormat  string
	output     string
}

var validOutputs = []string{"text", "json"}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "logvault",
		Short:         "Ingest, store and prune log files",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			for _, o := range validOutputs {
				if o == opts.output {
					return nil
				}
			}
			return fmt.Errorf("invalid output %q: must be one of %v", opts.output, validOutputs)
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVarP(&opts.configPath, "config", "c", "", "YAML config file path")
	pf.StringVar(&opts.dbPath, "db", "logvault.db", "SQLite database path (overrides config database.path)")
	pf.StringVar(&opts.logLevel, "log-level", "info", "log level (debug|info|warn|error)")
	pf.StringVar(&opts.logFormat, "log-format", "text", "log format (text|json)")
	pf.StringVarP(&opts.output, "output", "o", "text", "output format (text|json)")

	cmd.AddCommand(
		newRunCommand(opts),
		newIngestCommand(opts),
		newPruneCommand(opts),
		newFilesCommand(opts),
		newEventsCommand(opts),
		newAlertsCommand(opts),
		newAnnotateCommand(opts),
		newRetryCommand(opts),
		newDeleteCommand(opts),
		newRecoverCommand(opts),
	)
	return cmd
}

// loadConfig reads the config file, if any, and applies the flags the user
// set explicitly on top of it.
func loadConfig(cmd *cobra.Command, opts *rootOptions) (*spooler.FileConfig, error) {
	cfg := &spooler.FileConfig{}
	if opts.configPath != "" {
		loaded, err := spooler.LoadConfig(opts.configPath)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	flags := cmd.Flags()
	if flags.Changed("db") || cfg.Database.Path == "" {
		cfg.Database.Path = opts.dbPath
	}
	if flags.Changed("log-level") || cfg.Log.Level == "" {
		cfg.Log.Level = opts.logLevel
	}
	if flags.Changed("log-format") || cfg.Log.Format == "" {
		cfg.Log.Format = opts.logFormat
	}
	cfg.WithDefaults()
	return cfg, nil
}

// openService builds the service for one command invocation. The caller
// must Close it.
func openService(cmd *cobra.Command, opts *rootOptions) (*spooler.Service, error) {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return nil, err
	}
	logger := logging.New(cmd.ErrOrStderr(), cfg.Log.Format, logging.ParseLevel(cfg.Log.Level))
	return spooler.NewService(cfg, logger)
}

func closeService(svc *spooler.Service, err *error) {
	if cerr := svc.Close(); cerr != nil {
		*err = errors.Join(*err, cerr)
	}
}
