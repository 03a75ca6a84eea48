package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/opendap/dmrpatch/internal/patch/dmrpp"
	"github.com/opendap/dmrpatch/internal/patch/engine"
)

// The check and merge commands expose the builtin checker and merger with
// the argument order of the standalone check_dmrpp and merge_dmrpp tools, so
// an installation can point tools.check_dmrpp at "dmrpatch check".

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <doc.dmrpp> <out.missvar>",
		Short: "Write the variables lacking chunk locations to a manifest",
		Long: `check writes the variables of doc.dmrpp that have no chunk locations to
out.missvar. Nothing is written, and a stale out.missvar is removed, when
the document is complete.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			written, err := dmrpp.CheckFile(args[0], args[1])
			if err != nil {
				return &engine.Error{Kind: engine.KindCheckToolFailure, File: args[0], Err: err}
			}
			if written {
				m, err := dmrpp.ReadManifest(args[1])
				if err != nil {
					return &engine.Error{Kind: engine.KindCheckToolFailure, File: args[0], Err: err}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: missing %s\n", args[0], m.Join(", "))
			}
			return nil
		},
	}
}

func newMergeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "merge <supplemental.dmrpp> <doc.dmrpp> <href> <missvar>",
		Short: "Copy chunk locations from a supplemental document into a document",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := dmrpp.MergeFiles(args[0], args[1], args[2], args[3])
			if err != nil {
				return &engine.Error{Kind: engine.KindMergeFailure, File: args[1], Err: err}
			}
			for _, p := range res.Skipped {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s already has data locations; left unchanged\n", p)
			}
			return nil
		},
	}
}
