package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/mapstack/scenegraph/internal/backend"
	"github.com/mapstack/scenegraph/internal/config"
	"github.com/mapstack/scenegraph/internal/db"
	"github.com/mapstack/scenegraph/internal/dsg"
	"github.com/mapstack/scenegraph/internal/fsutil"
	"github.com/mapstack/scenegraph/internal/monitor"
	"github.com/mapstack/scenegraph/internal/relabel"
)

// StatusCSVFile is where the live status log is written, relative to the
// log directory.
const StatusCSVFile = "backend/pgmo/dsg_pgmo_status.csv"

type runOptions struct {
	*rootOptions
	Listen   string
	Input    string
	Out      string
	LoadMesh string
	NoSave   bool
}

func newRunCommand(root *rootOptions) *cobra.Command {
	opts := &runOptions{rootOptions: root}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the backend on a live stream of frontend records",
		Long: `Run reads JSON lines from --input (or stdin). Each line carries one of
"input" (a frontend cycle), "loop_closure" (a registration verdict) or
"frontend" (a replacement frontend graph snapshot).

The backend stops when the stream ends or on SIGINT/SIGTERM, finishes the
cycles already queued, and saves its artifacts under --out (default: the
configured log_dir).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.Listen, "listen", "localhost:8090", "debug HTTP listen address; empty disables the server")
	cmd.Flags().StringVarP(&opts.Input, "input", "i", "", "JSON lines file to read instead of stdin")
	cmd.Flags().StringVarP(&opts.Out, "out", "o", "", "artifact directory (defaults to log_dir)")
	cmd.Flags().StringVar(&opts.LoadMesh, "load-mesh", "", "PLY mesh from a previous session to start from")
	cmd.Flags().BoolVar(&opts.NoSave, "no-save", false, "skip saving artifacts on exit")
	return cmd
}

// openStatusCSV creates dir/StatusCSVFile and returns a sink writing to it.
func openStatusCSV(dir string) (*monitor.CSVStatusSink, error) {
	path := filepath.Join(dir, StatusCSVFile)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	sink, err := monitor.NewCSVStatusSink(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return sink, nil
}

// session bundles a module with the resources opened for it.
type session struct {
	cfg      *config.BackendConfig
	m        *backend.Module
	frontend *dsg.SharedGraph
	database *db.DB
	registry *prometheus.Registry
	closed   bool
}

func (s *session) close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.m.Close()
	if s.database != nil {
		err = errors.Join(err, s.database.Close())
	}
	return err
}

// newSession opens the database, status sinks and relabel source the
// config asks for and builds the module. statusDir, when set, receives the
// live status CSV.
func newSession(opts *rootOptions, cfg *config.BackendConfig, statusDir string, withRelabel bool) (*session, error) {
	s := &session{
		cfg:      cfg,
		frontend: dsg.NewSharedGraph(dsg.NewGraph()),
		registry: prometheus.NewRegistry(),
	}
	deps := backend.Deps{
		Frontend: s.frontend,
		Sinks:    []monitor.StatusSink{monitor.NewPromSink(s.registry)},
	}
	if opts.Verbose {
		deps.Sinks = append(deps.Sinks, monitor.LogSink(log.Printf))
	}
	if statusDir != "" {
		sink, err := openStatusCSV(statusDir)
		if err != nil {
			return nil, fmt.Errorf("status log: %w", err)
		}
		deps.Sinks = append(deps.Sinks, sink)
	}
	if path := opts.dbPath(cfg); path != "" {
		database, err := db.OpenDB(path)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		s.database = database
		deps.Store = database
	}
	if withRelabel && cfg.GetRelabelEnabled() {
		src, err := relabel.NewMQTTSource(relabel.MQTTOptions{
			Broker:   cfg.GetRelabelBroker(),
			Topic:    cfg.GetRelabelTopic(),
			ClientID: cfg.GetRelabelClientID(),
		})
		if err != nil {
			s.closeDB()
			return nil, err
		}
		deps.Relabel = src
	}

	m, err := backend.NewModule(cfg, deps)
	if err != nil {
		s.closeDB()
		return nil, err
	}
	s.m = m
	return s, nil
}

func (s *session) closeDB() {
	if s.database != nil {
		s.database.Close()
	}
}

func (s *session) loadMesh(path string) error {
	if path == "" {
		return nil
	}
	return s.m.LoadState(fsutil.OSFileSystem{}, path)
}

func (s *session) save(dir string) error {
	if dir == "" {
		log.Printf("no output directory configured; not saving")
		return nil
	}
	if err := s.m.Save(fsutil.OSFileSystem{}, dir); err != nil {
		return err
	}
	log.Printf("saved session %s to %s", s.m.SessionID(), filepath.Join(dir, "backend"))
	return nil
}

func openInput(cmd *cobra.Command, path string) (io.ReadCloser, error) {
	if path == "" || path == "-" {
		return io.NopCloser(cmd.InOrStdin()), nil
	}
	return os.Open(path)
}

func runRun(cmd *cobra.Command, opts *runOptions) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	out := opts.Out
	if out == "" {
		out = cfg.GetLogDir()
	}
	s, err := newSession(opts.rootOptions, cfg, cfg.GetLogDir(), true)
	if err != nil {
		return err
	}
	defer s.close()
	if err := s.loadMesh(opts.LoadMesh); err != nil {
		return err
	}

	in, err := openInput(cmd, opts.Input)
	if err != nil {
		return err
	}
	defer in.Close()

	var server *http.Server
	if opts.Listen != "" {
		mux := http.NewServeMux()
		monitor.NewRoutes(s.m, s.m.Reporter(), s.registry).AttachDebugRoutes(mux)
		if s.database != nil {
			s.database.AttachAdminRoutes(mux)
		}
		if out != "" {
			s.m.AttachAdminRoutes(mux, out)
		}
		server = &http.Server{Addr: opts.Listen, Handler: mux}
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("debug server: %v", err)
			}
		}()
		log.Printf("debug pages on http://%s/debug/", opts.Listen)
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	f := &feeder{m: s.m, frontend: s.frontend, push: true, ctx: runCtx}
	readErr := make(chan error, 1)
	go func() {
		defer cancelRun()
		readErr <- readRecords(in, f.apply)
	}()

	runErr := s.m.Run(runCtx)

	var inputErr error
	select {
	case inputErr = <-readErr:
	default:
		log.Printf("input still open at shutdown")
	}

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("debug server shutdown: %v", err)
			server.Close()
		}
		cancel()
	}

	log.Printf("session %s: read %d inputs, %d loop closures, %d frontend graphs; %d left queued",
		s.m.SessionID(), f.inputs.Load(), f.loopClosures.Load(), f.frontends.Load(), s.m.QueueLen())
	if runErr != nil {
		return runErr
	}
	if !opts.NoSave {
		if err := s.save(out); err != nil {
			return err
		}
	}
	if inputErr != nil {
		return fmt.Errorf("input: %w", inputErr)
	}
	return s.close()
}
