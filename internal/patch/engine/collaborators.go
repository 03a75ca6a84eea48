package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/opendap/dmrpatch/internal/logging"
	"github.com/opendap/dmrpatch/internal/patch/dmrpp"
)

// GapDetector reports which variables of a document lack chunk locations.
// An empty manifest means the document is complete.
type GapDetector interface {
	Detect(ctx context.Context, document, manifestPath string) (dmrpp.Manifest, error)
}

// Builder produces the supplemental data file and its metadata documents.
type Builder interface {
	// Materialize runs request and writes the response to out.
	Materialize(ctx context.Context, request, out string) error
	// BuildStructural runs a DMR request and writes the DMR to out.
	BuildStructural(ctx context.Context, request, out string) error
	// BuildChunks writes the chunk document for data, described by dmr, to out.
	BuildChunks(ctx context.Context, data, dmr, out string) error
}

// Merger splices chunk locations from chunkDoc into document in place.
type Merger interface {
	Merge(ctx context.Context, chunkDoc, document, href, manifestPath string) error
}

// toolRunner is the shared state of the exec-backed collaborators.
type toolRunner struct {
	Runner Runner
	Dir    string
	Env    []string
}

func (t toolRunner) run(ctx context.Context, path string, args []string, stdout *os.File) (Command, Result, error) {
	cmd := Command{Path: path, Args: args, Dir: t.Dir, Env: t.Env}
	if stdout != nil {
		cmd.Stdout = stdout
	}
	logging.Debug("exec", "%s", cmd.String())
	res, err := t.Runner.Run(ctx, cmd)
	return cmd, res, err
}

func toolFailure(kind Kind, stage Stage, cmd Command, res Result, err error) *Error {
	return &Error{
		Kind:     kind,
		Stage:    stage,
		Cmd:      cmd.String(),
		ExitCode: res.ExitCode,
		Stderr:   res.Stderr,
		Err:      err,
	}
}

// ExecGapDetector runs check_dmrpp <document> <manifest>.
type ExecGapDetector struct {
	toolRunner
	Path string
}

func (d *ExecGapDetector) Detect(ctx context.Context, document, manifestPath string) (dmrpp.Manifest, error) {
	if err := removeIfExists(manifestPath); err != nil {
		return dmrpp.Manifest{}, &Error{Kind: KindCheckToolFailure, Err: err}
	}
	cmd, res, err := d.run(ctx, d.Path, []string{document, manifestPath}, nil)
	if err != nil || res.ExitCode != 0 {
		return dmrpp.Manifest{}, toolFailure(KindCheckToolFailure, "", cmd, res, err)
	}
	return readDetectedManifest(manifestPath)
}

// BuiltinGapDetector checks the document in process.
type BuiltinGapDetector struct{}

func (BuiltinGapDetector) Detect(_ context.Context, document, manifestPath string) (dmrpp.Manifest, error) {
	if _, err := dmrpp.CheckFile(document, manifestPath); err != nil {
		return dmrpp.Manifest{}, &Error{Kind: KindCheckToolFailure, Err: err}
	}
	return readDetectedManifest(manifestPath)
}

// readDetectedManifest treats an absent manifest as a complete document.
func readDetectedManifest(path string) (dmrpp.Manifest, error) {
	m, err := dmrpp.ReadManifest(path)
	if errors.Is(err, os.ErrNotExist) {
		return dmrpp.Manifest{}, nil
	}
	if err != nil {
		return dmrpp.Manifest{}, &Error{Kind: KindCheckToolFailure, Err: err}
	}
	return m, nil
}

// ExecBuilder drives besstandalone and build_dmrpp.
type ExecBuilder struct {
	toolRunner
	BESStandalone string
	BuildDMRPP    string
	BESConf       string
}

func (b *ExecBuilder) Materialize(ctx context.Context, request, out string) error {
	if err := b.capture(ctx, StageMaterialize, b.BESStandalone, []string{"-c", b.BESConf, "-i", request}, out); err != nil {
		return err
	}
	ok, err := sniffArrayFile(out)
	if err != nil {
		return &Error{Kind: KindSupplementalBuildFailure, Stage: StageMaterialize, Err: err}
	}
	if !ok {
		return &Error{
			Kind:  KindSupplementalBuildFailure,
			Stage: StageMaterialize,
			Err:   fmt.Errorf("response is not an HDF5 or netCDF file: %s", responseExcerpt(out)),
		}
	}
	return nil
}

func (b *ExecBuilder) BuildStructural(ctx context.Context, request, out string) error {
	if err := b.capture(ctx, StageDMR, b.BESStandalone, []string{"-c", b.BESConf, "-i", request}, out); err != nil {
		return err
	}
	return requireElement(out, StageDMR, "<Dataset")
}

func (b *ExecBuilder) BuildChunks(ctx context.Context, data, dmr, out string) error {
	if err := b.capture(ctx, StageDMRPP, b.BuildDMRPP, []string{"-c", b.BESConf, "-f", data, "-r", dmr}, out); err != nil {
		return err
	}
	return requireElement(out, StageDMRPP, "<Dataset")
}

// capture runs a tool with stdout redirected to out. A nonzero exit or an
// empty output file is a failure of stage.
func (b *ExecBuilder) capture(ctx context.Context, stage Stage, path string, args []string, out string) error {
	f, err := os.Create(out)
	if err != nil {
		return &Error{Kind: KindSupplementalBuildFailure, Stage: stage, Err: err}
	}
	cmd, res, runErr := b.run(ctx, path, args, f)
	closeErr := f.Close()
	if runErr != nil || res.ExitCode != 0 {
		return toolFailure(KindSupplementalBuildFailure, stage, cmd, res, runErr)
	}
	if closeErr != nil {
		return &Error{Kind: KindSupplementalBuildFailure, Stage: stage, Err: closeErr}
	}
	st, err := os.Stat(out)
	if err != nil {
		return &Error{Kind: KindSupplementalBuildFailure, Stage: stage, Err: err}
	}
	if st.Size() == 0 {
		return toolFailure(KindSupplementalBuildFailure, stage, cmd, res, errors.New("empty output"))
	}
	return nil
}

// requireElement fails when out does not contain marker, which is how a BES
// error response that exited zero shows up.
func requireElement(out string, stage Stage, marker string) error {
	b, err := os.ReadFile(out)
	if err != nil {
		return &Error{Kind: KindSupplementalBuildFailure, Stage: stage, Err: err}
	}
	if !bytes.Contains(b, []byte(marker)) {
		return &Error{
			Kind:  KindSupplementalBuildFailure,
			Stage: stage,
			Err:   fmt.Errorf("output has no %s element: %s", marker, responseExcerpt(out)),
		}
	}
	return nil
}

func responseExcerpt(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return err.Error()
	}
	return fmt.Sprintf("%q", trimToRunes(string(bytes.TrimSpace(b)), 160))
}

// ExecMerger runs merge_dmrpp <chunk doc> <document> <href> <manifest>.
type ExecMerger struct {
	toolRunner
	Path string
}

func (m *ExecMerger) Merge(ctx context.Context, chunkDoc, document, href, manifestPath string) error {
	cmd, res, err := m.run(ctx, m.Path, []string{chunkDoc, document, href, manifestPath}, nil)
	if err != nil || res.ExitCode != 0 {
		return toolFailure(KindMergeFailure, "", cmd, res, err)
	}
	return nil
}

// BuiltinMerger merges in process.
type BuiltinMerger struct{}

func (BuiltinMerger) Merge(_ context.Context, chunkDoc, document, href, manifestPath string) error {
	res, err := dmrpp.MergeFiles(chunkDoc, document, href, manifestPath)
	if err != nil {
		return &Error{Kind: KindMergeFailure, Err: err}
	}
	for _, p := range res.Skipped {
		logging.Warn("merge", "%s already has data locations; left unchanged", p)
	}
	return nil
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
