package main

import (
	"bufio"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mapstack/scenegraph/internal/db"
)

type migrateOptions struct {
	*rootOptions
	Yes bool
}

func newMigrateCommand(root *rootOptions) *cobra.Command {
	opts := &migrateOptions{rootOptions: root}
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the backend database schema",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE: withDB(opts, func(cmd *cobra.Command, d *db.DB, _ []string) error {
				if err := d.MigrateUp(db.MigrationsFS()); err != nil {
					return err
				}
				return printVersion(cmd, d)
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back one migration",
			Args:  cobra.NoArgs,
			RunE: withDB(opts, func(cmd *cobra.Command, d *db.DB, _ []string) error {
				if err := d.MigrateDown(db.MigrationsFS()); err != nil {
					return err
				}
				return printVersion(cmd, d)
			}),
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show the current and latest schema versions",
			Args:  cobra.NoArgs,
			RunE: withDB(opts, func(cmd *cobra.Command, d *db.DB, _ []string) error {
				st, err := d.GetMigrationStatus(db.MigrationsFS())
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "current version: %d\nlatest version:  %d\ndirty:           %v\n",
					st.CurrentVersion, st.LatestVersion, st.Dirty)
				switch {
				case st.Dirty:
					fmt.Fprintln(w, "a migration failed part way; inspect the database, then run: sgbackend migrate force <version>")
				case st.Pending():
					fmt.Fprintln(w, "pending migrations; run: sgbackend migrate up")
				}
				return nil
			}),
		},
		&cobra.Command{
			Use:   "to <version>",
			Short: "Migrate up or down to a specific version",
			Args:  cobra.ExactArgs(1),
			RunE: withDB(opts, func(cmd *cobra.Command, d *db.DB, args []string) error {
				v, err := parseVersion(args[0])
				if err != nil {
					return err
				}
				if err := d.MigrateTo(db.MigrationsFS(), uint(v)); err != nil {
					return err
				}
				return printVersion(cmd, d)
			}),
		},
		&cobra.Command{
			Use:   "baseline <version>",
			Short: "Record a version for a database created outside migrations",
			Args:  cobra.ExactArgs(1),
			RunE: withDB(opts, func(cmd *cobra.Command, d *db.DB, args []string) error {
				v, err := parseVersion(args[0])
				if err != nil {
					return err
				}
				if err := d.BaselineAtVersion(uint(v)); err != nil {
					return fmt.Errorf("baseline failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "database baselined at version %d\n", v)
				return nil
			}),
		},
	)

	force := &cobra.Command{
		Use:   "force <version>",
		Short: "Set the schema version without running migrations (recovery only)",
		Args:  cobra.ExactArgs(1),
		RunE: withDB(opts, func(cmd *cobra.Command, d *db.DB, args []string) error {
			v, err := parseVersion(args[0])
			if err != nil {
				return err
			}
			if !opts.Yes && !confirm(cmd, fmt.Sprintf("Force migration version to %d?", v)) {
				return errors.New("aborted")
			}
			if err := d.MigrateForce(db.MigrationsFS(), int(v)); err != nil {
				return err
			}
			return printVersion(cmd, d)
		}),
	}
	force.Flags().BoolVarP(&opts.Yes, "yes", "y", false, "do not ask for confirmation")
	cmd.AddCommand(force)
	return cmd
}

// withDB opens the database without migrating it so a dirty schema can
// still be inspected and repaired.
func withDB(opts *migrateOptions, fn func(*cobra.Command, *db.DB, []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := opts.loadConfig()
		if err != nil {
			return err
		}
		path := opts.dbPath(cfg)
		if path == "" {
			return errors.New("no database: pass --db or set db_path in the config")
		}
		d, err := db.OpenDBNoMigrate(path)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer d.Close()
		return fn(cmd, d, args)
	}
}

func parseVersion(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid version number %q", s)
	}
	return v, nil
}

func printVersion(cmd *cobra.Command, d *db.DB) error {
	v, dirty, err := d.MigrateVersion(db.MigrationsFS())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "current version: %d (dirty: %v)\n", v, dirty)
	return nil
}

func confirm(cmd *cobra.Command, prompt string) bool {
	fmt.Fprintf(cmd.OutOrStdout(), "%s [y/N]: ", prompt)
	line, _ := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}
