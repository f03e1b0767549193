// Command sgbackend runs the scene graph backend against a stream of
// frontend cycles and manages its artifacts and database.
package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/mapstack/scenegraph/internal/backend"
	"github.com/mapstack/scenegraph/internal/config"
	"github.com/mapstack/scenegraph/internal/dsg"
	"github.com/mapstack/scenegraph/internal/pgmo"
	"github.com/mapstack/scenegraph/internal/relabel"
	"github.com/mapstack/scenegraph/internal/updates"
	"github.com/mapstack/scenegraph/internal/version"
)

// rootOptions holds the flags shared by every command.
type rootOptions struct {
	ConfigPath string
	DBPath     string
	Verbose    bool
	TraceLog   string

	traceFile *os.File
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "sgbackend:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "sgbackend",
		Short:         "Scene graph backend: loop closure optimization and graph reconciliation",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.setupLogging(cmd.ErrOrStderr())
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if opts.traceFile != nil {
				return opts.traceFile.Close()
			}
			return nil
		},
	}
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "backend config (.json, .yaml or .yml); built-in defaults when empty")
	cmd.PersistentFlags().StringVar(&opts.DBPath, "db", "", "sqlite database path (overrides db_path from the config)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "enable diagnostic logging")
	cmd.PersistentFlags().StringVar(&opts.TraceLog, "trace-log", "", "append per-cycle trace logging to this file")

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newReplayCommand(opts))
	cmd.AddCommand(newVerifyCommand(opts))
	cmd.AddCommand(newMigrateCommand(opts))
	cmd.AddCommand(newVersionCommand())
	return cmd
}

// setupLogging routes the ops stream of every package to stderr, the
// diagnostic stream too when verbose, and the trace stream to a file.
func (o *rootOptions) setupLogging(stderr io.Writer) error {
	var diag, trace io.Writer
	if o.Verbose {
		diag = stderr
	}
	if o.TraceLog != "" {
		f, err := os.OpenFile(o.TraceLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open trace log: %w", err)
		}
		o.traceFile = f
		trace = f
	}
	for _, set := range []func(ops, diag, trace io.Writer){
		backend.SetLogWriters,
		dsg.SetLogWriters,
		pgmo.SetLogWriters,
		updates.SetLogWriters,
		relabel.SetLogWriters,
	} {
		set(stderr, diag, trace)
	}
	log.SetOutput(stderr)
	return nil
}

// loadConfig reads the config flag, or returns the built-in defaults.
func (o *rootOptions) loadConfig() (*config.BackendConfig, error) {
	if o.ConfigPath == "" {
		return config.EmptyBackendConfig(), nil
	}
	return config.LoadBackendConfig(o.ConfigPath)
}

func (o *rootOptions) dbPath(cfg *config.BackendConfig) string {
	if o.DBPath != "" {
		return o.DBPath
	}
	if cfg != nil {
		return cfg.GetDBPath()
	}
	return ""
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "sgbackend %s\n", version.String())
		},
	}
}
