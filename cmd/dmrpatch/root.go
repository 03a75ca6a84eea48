package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/opendap/dmrpatch/internal/logging"
	"github.com/opendap/dmrpatch/internal/version"
)

// pipelineFlags are shared by the file and batch commands.
type pipelineFlags struct {
	configPath      string
	searchHint      string
	verbosity       int
	archiveFailures bool
}

func (f *pipelineFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.searchHint, "path", "p", "", "href recorded for the new chunk locations (default: current directory)")
	cmd.Flags().IntVarP(&f.verbosity, "verbosity", "v", 0, "0 quiet, 1 progress, 2 debug and keep scratch files")
	cmd.Flags().StringVar(&f.configPath, "config", "", "config file (default: ./.dmrpatch.yaml if present)")
	cmd.Flags().BoolVar(&f.archiveFailures, "archive-failures", false, "pack a failed file's scratch files into <file>.patch-failure.tar.gz")
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:   "dmrpatch",
		Short: "Fill missing chunk locations in DMR++ documents",
		Long: `dmrpatch finds variables in a DMR++ document that have no chunk
locations, has the BES build a supplemental file holding just those
variables, and merges the supplemental chunk locations back into the
document. The data file itself is never modified.`,
		Version: version.Version,
		// Errors are printed by run as a single diagnostic line.
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v, err := cmd.Flags().GetInt("verbosity")
			if err != nil {
				v = 0
			}
			if v < 0 || v > 2 {
				return fmt.Errorf("invalid verbosity %d: want 0, 1 or 2", v)
			}
			logging.InitForCLI(logging.LevelForVerbosity(v), stderr)
			return nil
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetVersionTemplate(`{{printf "dmrpatch %s\n" .Version}}`)

	root.AddCommand(newFileCmd())
	root.AddCommand(newBatchCmd())
	root.AddCommand(newCheckCmd())
	root.AddCommand(newMergeCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the dmrpatch version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "dmrpatch %s\n", version.Version)
		},
	}
}
