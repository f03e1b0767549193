package main

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/mapstack/scenegraph/internal/backend"
	"github.com/mapstack/scenegraph/internal/fsutil"
)

func newVerifyCommand(_ *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <dir>",
		Short: "Check saved artifacts against their manifest digests",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mf, bad, err := backend.VerifyManifest(fsutil.OSFileSystem{}, args[0])
			if mf == nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "session %s saved %s\n", mf.SessionID, mf.SavedAt.Format("2006-01-02 15:04:05 MST"))
			names := make([]string, 0, len(mf.Files))
			for name := range mf.Files {
				names = append(names, name)
			}
			slices.Sort(names)
			for _, name := range names {
				state := "ok"
				if slices.Contains(bad, name) {
					state = "MISMATCH"
				}
				fmt.Fprintf(w, "  %-8s %s\n", state, name)
			}
			return err
		},
	}
}
