package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/opendap/dmrpatch/internal/logging"
	"github.com/opendap/dmrpatch/internal/patch/engine"
)

func newFileCmd() *cobra.Command {
	var (
		flags pipelineFlags
		input string
	)
	cmd := &cobra.Command{
		Use:   "file -i <data file>",
		Short: "Patch the DMR++ document of one data file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFile(cmd.Context(), cmd.OutOrStdout(), flags, input)
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVarP(&input, "input", "i", "", "data file whose <file>.dmrpp is patched")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}

func newBatchCmd() *cobra.Command {
	var (
		flags     pipelineFlags
		keepGoing bool
	)
	cmd := &cobra.Command{
		Use:   "batch [dir]",
		Short: "Patch every data file and DMR++ pair in a directory",
		Long: `batch pairs every data file in dir (default: the current directory) with
its DMR++ document and patches each incomplete document. Any unpaired
file aborts the batch before anything is changed. By default the batch
stops at the first failed file.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			return runBatch(cmd.Context(), cmd.OutOrStdout(), flags, keepGoing, dir)
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&keepGoing, "keep-going", false, "continue with the remaining files after a failure")
	return cmd
}

// openSession loads the layered configuration and starts a run in the
// current directory.
func openSession(ctx context.Context, flags pipelineFlags, keepGoing bool) (*engine.Session, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	cfg, err := engine.LoadConfig(engine.LoadOptions{ConfigPath: flags.configPath, WorkDir: wd})
	if err != nil {
		return nil, &engine.Error{Kind: engine.KindConfigGenerationFailure, Err: err}
	}
	return engine.Open(ctx, cfg, engine.Options{
		WorkDir:         wd,
		SearchHint:      flags.searchHint,
		Verbosity:       flags.verbosity,
		KeepGoing:       keepGoing,
		ArchiveFailures: flags.archiveFailures,
	})
}

func closeSession(s *engine.Session, err *error) {
	if cerr := s.Close(); cerr != nil {
		logging.Warn("cleanup", "%v", cerr)
		if *err == nil {
			*err = cerr
		}
	}
}

func runFile(ctx context.Context, out io.Writer, flags pipelineFlags, input string) (err error) {
	dataFile, err := filepath.Abs(input)
	if err != nil {
		return err
	}
	s, err := openSession(ctx, flags, false)
	if err != nil {
		return err
	}
	defer closeSession(s, &err)

	pair, err := engine.PairFor(dataFile, s.Config())
	if err != nil {
		return err
	}
	res := s.PatchFile(ctx, pair)
	printResult(out, res)
	return res.Err
}

func runBatch(ctx context.Context, out io.Writer, flags pipelineFlags, keepGoing bool, dir string) (err error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	s, err := openSession(ctx, flags, keepGoing)
	if err != nil {
		return err
	}
	defer closeSession(s, &err)

	res, err := s.RunBatch(ctx, abs)
	for _, f := range res.Files {
		printResult(out, f)
	}
	if res.Aborted && len(res.Files) < len(res.Pairs) {
		fmt.Fprintf(out, "batch stopped: %d of %d files not attempted\n", len(res.Pairs)-len(res.Files), len(res.Pairs))
	}
	return err
}

func printResult(out io.Writer, r engine.FileResult) {
	name := filepath.Base(r.Document)
	switch r.State {
	case engine.StateNoGapFound:
		fmt.Fprintf(out, "%s: complete\n", name)
	case engine.StateMerged:
		fmt.Fprintf(out, "%s: patched %s\n", name, r.Missing.Join(", "))
	default:
		var e *engine.Error
		if errors.As(r.Err, &e) && r.ArchivePath != "" {
			fmt.Fprintf(out, "%s: failed (%s), artifacts in %s\n", name, e.Kind, r.ArchivePath)
			return
		}
		fmt.Fprintf(out, "%s: failed\n", name)
	}
}
