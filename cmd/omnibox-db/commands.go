package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/omnibox-core/internal/usage"
)

// withApp opens the application for one command and closes it afterwards,
// joining a close failure into the command's error.
func withApp(cmd *cobra.Command, flags *globalFlags, opts appOptions, fn func(*app) error) (err error) {
	a, err := openApp(cmd.Context(), flags, opts)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, a.close())
	}()
	return fn(a)
}

func newRecordCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "record <command>...",
		Short: "Record one launch of each command",
		Example: `  omnibox-db record firefox
  omnibox-db record "code --new-window"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, appOptions{services: true, persist: true}, func(a *app) error {
				entries := make([]usage.Entry, 0, len(args))
				for _, c := range args {
					uses, err := a.store.Increment(cmd.Context(), c)
					if err != nil {
						return err
					}
					entries = append(entries, usage.Entry{Command: strings.TrimSpace(c), Uses: uses})
				}
				return renderEntries(cmd.OutOrStdout(), flags.output, entries)
			})
		},
	}
}

func newUsesCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "uses <command>...",
		Short: "Show the counters of the given commands",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, appOptions{}, func(a *app) error {
				found, err := a.store.Lookup(cmd.Context(), args...)
				if err != nil {
					return err
				}
				entries := make([]usage.Entry, 0, len(args))
				for _, c := range args {
					entries = append(entries, usage.Entry{Command: c, Uses: found[c]})
				}
				return renderEntries(cmd.OutOrStdout(), flags.output, entries)
			})
		},
	}
}

func newTopCmd(flags *globalFlags) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "top",
		Short: "List the most used commands",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if limit < 0 {
				return fmt.Errorf("--limit must not be negative")
			}
			return withApp(cmd, flags, appOptions{}, func(a *app) error {
				entries, err := a.store.Top(cmd.Context(), limit)
				if err != nil {
					return err
				}
				return renderEntries(cmd.OutOrStdout(), flags.output, entries)
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "number of commands to show (0 for all)")
	return cmd
}

func newForgetCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "forget <command>",
		Short: "Remove the counter of a command",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, appOptions{persist: true}, func(a *app) error {
				removed, err := a.store.Forget(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if !removed {
					return fmt.Errorf("command %q has no counter", args[0])
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "forgot %q\n", args[0])
				return nil
			})
		},
	}
}

func newResetCmd(flags *globalFlags) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Remove every counter",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return fmt.Errorf("reset drops every counter; pass --yes to confirm")
			}
			return withApp(cmd, flags, appOptions{persist: true}, func(a *app) error {
				if err := a.store.Reset(cmd.Context()); err != nil {
					return err
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "all counters removed")
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the reset")
	return cmd
}

func newImportCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file|->",
		Short: "Load counters from a YAML export",
		Long: `Load counters from a YAML list of {command, uses} entries, as written by
export. Existing counters of the same commands are replaced. The whole file
is loaded in one transaction.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("opening import file: %w", err)
				}
				defer f.Close()
				in = f
			}

			return withApp(cmd, flags, appOptions{persist: true}, func(a *app) error {
				n, err := a.store.Import(cmd.Context(), in)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "imported %d commands\n", n)
				return nil
			})
		},
	}
}

func newExportCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "export [file]",
		Short: "Write every counter as YAML",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, appOptions{}, func(a *app) error {
				if len(args) == 0 || args[0] == "-" {
					return a.store.Export(cmd.Context(), cmd.OutOrStdout())
				}

				f, err := os.OpenFile(args[0], os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
				if err != nil {
					return fmt.Errorf("creating export file: %w", err)
				}
				if err := a.store.Export(cmd.Context(), f); err != nil {
					f.Close() //nolint:errcheck // The export error is the one to report
					return err
				}
				return f.Close()
			})
		},
	}
}

func newBackupCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "backup <dest>",
		Short: "Write a consistent copy of the database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, appOptions{}, func(a *app) error {
				if err := a.db.Backup(cmd.Context(), args[0]); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "backed up %s to %s\n", a.db.Path(), args[0])
				return nil
			})
		},
	}
}

func newStatsCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show database, pool and migration statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, flags, appOptions{}, func(a *app) error {
				v, err := collectStats(cmd, a)
				if err != nil {
					return err
				}
				return renderStats(cmd.OutOrStdout(), flags.output, v)
			})
		},
	}
}

// collectStats gathers the stats view. The queries run concurrently, each
// on a connection of its own.
func collectStats(cmd *cobra.Command, a *app) (statsView, error) {
	v := statsView{Path: a.db.Path(), Memory: a.db.IsMemory()}
	g, ctx := errgroup.WithContext(cmd.Context())

	g.Go(func() error {
		applied, pending, err := a.db.GetMigrationStatus(ctx)
		v.Applied, v.Pending = len(applied), len(pending)
		return err
	})
	g.Go(func() error {
		entries, err := a.store.Top(ctx, 0)
		v.Commands = len(entries)
		for _, e := range entries {
			v.TotalUses += e.Uses
		}
		return err
	})
	if err := g.Wait(); err != nil {
		return statsView{}, err
	}

	// Pool counters last, so they include the handles used above.
	counts, err := a.db.Stats()
	if err != nil {
		return statsView{}, err
	}
	v.Pool = counts
	return v, nil
}

func newMigrateCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, flags, appOptions{persist: true, skipMigrate: true}, func(a *app) error {
				if err := a.db.Migrate(cmd.Context()); err != nil {
					return err
				}
				applied, pending, err := a.db.GetMigrationStatus(cmd.Context())
				if err != nil {
					return err
				}
				return renderMigrations(cmd.OutOrStdout(), flags.output, applied, pending)
			})
		},
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "status",
			Short: "List applied and pending migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withApp(cmd, flags, appOptions{skipMigrate: true}, func(a *app) error {
					applied, pending, err := a.db.GetMigrationStatus(cmd.Context())
					if err != nil {
						return err
					}
					return renderMigrations(cmd.OutOrStdout(), flags.output, applied, pending)
				})
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the most recent migration",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withApp(cmd, flags, appOptions{persist: true, skipMigrate: true}, func(a *app) error {
					return a.db.MigrateDown(cmd.Context())
				})
			},
		},
	)
	return cmd
}
