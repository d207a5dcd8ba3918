package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nerrad567/omnibox-core/internal/infrastructure/config"
	"github.com/nerrad567/omnibox-core/internal/infrastructure/logging"
)

// configEnv names the environment variable holding the config file path.
const configEnv = "OMNIBOX_CONFIG"

// Output formats accepted by --output.
const (
	outputTable = "table"
	outputJSON  = "json"
	outputYAML  = "yaml"
)

// globalFlags are the persistent flags shared by every command.
type globalFlags struct {
	configPath string
	database   string
	memory     bool
	verbose    bool
	output     string
}

// newRootCmd builds the command tree. Every call returns a fresh tree so
// tests can execute commands independently.
func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:   "omnibox-db",
		Short: "OmniBox launch usage database",
		Long: `omnibox-db records how often launcher commands are used.

Counters live in a SQLite database opened through a pooled connection
registry. The database can be worked on in memory and is written back to
its file when a command that changed it exits.`,
		Version: version,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			switch flags.output {
			case outputTable, outputJSON, outputYAML:
				return nil
			default:
				return fmt.Errorf("unknown output format %q (table|json|yaml)", flags.output)
			}
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetVersionTemplate(`{{.Name}} {{.Version}}` + "\n")

	pf := root.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "", "config file (default: $"+configEnv+", else built-in defaults)")
	pf.StringVar(&flags.database, "database", "", "database file, overrides database.path")
	pf.BoolVar(&flags.memory, "memory", false, "work on an in-memory copy of the database")
	pf.BoolVarP(&flags.verbose, "verbose", "v", false, "debug logging")
	pf.StringVarP(&flags.output, "output", "o", outputTable, "output format (table|json|yaml)")

	_ = root.RegisterFlagCompletionFunc("output", func(_ *cobra.Command, _ []string, _ string) ([]string, cobra.ShellCompDirective) {
		return []string{outputTable, outputJSON, outputYAML}, cobra.ShellCompDirectiveNoFileComp
	})

	root.AddCommand(
		newRecordCmd(flags),
		newUsesCmd(flags),
		newTopCmd(flags),
		newForgetCmd(flags),
		newResetCmd(flags),
		newImportCmd(flags),
		newExportCmd(flags),
		newBackupCmd(flags),
		newStatsCmd(flags),
		newMigrateCmd(flags),
		newServeCmd(flags),
		newVersionCmd(),
	)

	return root
}

// loadConfig resolves the config file and applies the global flag
// overrides.
func (f *globalFlags) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(f.resolveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	if f.database != "" {
		cfg.Database.Path = f.database
	}
	if f.memory {
		cfg.Database.LoadIntoMemory = true
	}
	if f.verbose {
		cfg.Logging.Level = "debug"
	}
	return cfg, nil
}

// resolveConfigPath returns the --config flag, else $OMNIBOX_CONFIG, else
// "" for built-in defaults.
func (f *globalFlags) resolveConfigPath() string {
	if f.configPath != "" {
		return f.configPath
	}
	return os.Getenv(configEnv)
}

// newLogger builds the command logger. Log lines go to the configured
// output, never to the command's result stream.
func newLogger(cfg *config.Config) *logging.Logger {
	return logging.New(cfg.Logging, version)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "omnibox-db %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}
