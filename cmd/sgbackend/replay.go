package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

type replayOptions struct {
	*rootOptions
	Out      string
	LoadMesh string
}

func newReplayCommand(root *rootOptions) *cobra.Command {
	opts := &replayOptions{rootOptions: root}
	cmd := &cobra.Command{
		Use:   "replay <session.jsonl>",
		Short: "Process a recorded session synchronously and save the result",
		Long: `Replay feeds every record of a session log to the backend in file order,
one cycle per "input" line, then writes the artifacts and the status log
under --out. Unlike run, no cycle is skipped on shutdown and no debug
server or relabel source is started.

Examples:
  sgbackend replay session.jsonl --out ./replayed
  sgbackend replay session.jsonl --out ./replayed --config office.yaml --db replay.db`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(cmd, opts, args[0])
		},
	}
	cmd.Flags().StringVarP(&opts.Out, "out", "o", "", "artifact directory (required)")
	_ = cmd.MarkFlagRequired("out")
	cmd.Flags().StringVar(&opts.LoadMesh, "load-mesh", "", "PLY mesh from a previous session to start from")
	return cmd
}

func runReplay(cmd *cobra.Command, opts *replayOptions, path string) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()

	s, err := newSession(opts.rootOptions, cfg, opts.Out, false)
	if err != nil {
		return err
	}
	defer s.close()
	if err := s.loadMesh(opts.LoadMesh); err != nil {
		return err
	}

	f := &feeder{m: s.m, frontend: s.frontend, ctx: cmd.Context()}
	if err := readRecords(in, f.apply); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if err := s.save(opts.Out); err != nil {
		return err
	}

	latest, _ := s.m.Reporter().Latest()
	fmt.Fprintf(cmd.OutOrStdout(), "session %s: %d cycles, %d loop closures (%d queued), %d frontend graphs, %d factors\n",
		s.m.SessionID(), f.inputs.Load(), latest.TotalLoopClosures, f.loopClosures.Load(),
		f.frontends.Load(), latest.TotalFactors)
	return s.close()
}
