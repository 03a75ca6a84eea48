package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/opendap/dmrpatch/internal/logging"
	"github.com/opendap/dmrpatch/internal/patch/besreq"
	"github.com/opendap/dmrpatch/internal/patch/dmrpp"
)

// State is a step of the per-file state machine.
type State string

const (
	StateStart                    State = "Start"
	StateChecked                  State = "Checked"
	StateNoGapFound               State = "NoGapFound"
	StateGapFound                 State = "GapFound"
	StateRequestBuilt             State = "RequestBuilt"
	StateSupplementalMaterialized State = "SupplementalMaterialized"
	StateSupplementalChunked      State = "SupplementalChunked"
	StateMerged                   State = "Merged"
	StateFailed                   State = "Failed"
)

// FileResult is the outcome of patching one data file.
type FileResult struct {
	DataFile string
	Document string
	// State is the terminal state.
	State State
	// Reached is the last state entered before State.
	Reached State
	Missing dmrpp.Manifest
	Err     error
	// ReportPath and ArchivePath are set for failures when written.
	ReportPath  string
	ArchivePath string
}

// OK reports whether the file ended in a success state.
func (r FileResult) OK() bool {
	return r.State == StateNoGapFound || r.State == StateMerged
}

// PairFor pairs a single data file with its document.
func PairFor(dataFile string, cfg *Config) (Pair, error) {
	var violations []string
	if st, err := os.Stat(dataFile); err != nil || st.IsDir() {
		violations = append(violations, fmt.Sprintf("%s is not a file", dataFile))
	}
	doc := dataFile + cfg.Inventory.DocumentSuffix
	if _, err := os.Stat(doc); err != nil {
		violations = append(violations, fmt.Sprintf("%s has no document %s", filepath.Base(dataFile), filepath.Base(doc)))
	}
	if len(violations) > 0 {
		return Pair{}, &Error{Kind: KindPairingViolation, File: dataFile, Violations: violations}
	}
	return Pair{DataFile: dataFile, Document: doc}, nil
}

// PatchFile drives one pair through the pipeline. Scratch artifacts are
// removed afterwards unless the session retains them.
func (s *Session) PatchFile(ctx context.Context, p Pair) FileResult {
	res := FileResult{DataFile: p.DataFile, Document: p.Document, State: StateStart}
	art := newArtifacts(s.RunDir, p.DataFile)
	s.progress.appendProgress(map[string]any{"event": "file_started", "data_file": p.DataFile})

	err := s.patch(ctx, p, art, &res)
	if err != nil {
		var e *Error
		if !errors.As(err, &e) {
			e = failureForState(res.State, err)
			err = e
		}
		if e.File == "" {
			e.File = p.DataFile
		}
		res.Reached = res.State
		res.State = StateFailed
		res.Err = err
		s.recordFailure(&res, art)
	}
	s.progress.appendProgress(map[string]any{
		"event":     "file_finished",
		"data_file": p.DataFile,
		"state":     string(res.State),
	})
	if !s.Retain() {
		s.cleanupFile(art, res.ReportPath)
	}
	return res
}

func (s *Session) patch(ctx context.Context, p Pair, art Artifacts, res *FileResult) error {
	enter := func(st State) {
		res.Reached = res.State
		res.State = st
		logging.Debug("pipeline", "%s: %s", art.Base, st)
		s.progress.appendProgress(map[string]any{"event": "state", "data_file": p.DataFile, "state": string(st)})
	}

	m, err := s.detector.Detect(ctx, p.Document, art.Manifest)
	if err != nil {
		return err
	}
	enter(StateChecked)
	if m.Empty() {
		enter(StateNoGapFound)
		logging.Info("pipeline", "%s is complete", filepath.Base(p.Document))
		return nil
	}
	res.Missing = m
	enter(StateGapFound)
	logging.Info("pipeline", "%s is missing %d variable(s): %s", filepath.Base(p.Document), len(m.Vars), m.Join(", "))

	if err := s.writeRequest(s.dataTmpl, p.DataFile, m.Vars, art.Request); err != nil {
		return err
	}
	enter(StateRequestBuilt)

	if err := s.builder.Materialize(ctx, art.Request, art.SupplementalData); err != nil {
		return buildFailure(StageMaterialize, err)
	}
	enter(StateSupplementalMaterialized)

	if err := s.writeRequest(s.dmrTmpl, art.SupplementalData, nil, art.DMRRequest); err != nil {
		return err
	}
	if err := s.builder.BuildStructural(ctx, art.DMRRequest, art.DMR); err != nil {
		return buildFailure(StageDMR, err)
	}
	if err := s.builder.BuildChunks(ctx, art.SupplementalData, art.DMR, art.ChunkDocument); err != nil {
		return buildFailure(StageDMRPP, err)
	}
	enter(StateSupplementalChunked)

	if err := s.merger.Merge(ctx, art.ChunkDocument, p.Document, s.opts.SearchHint, art.Manifest); err != nil {
		return err
	}
	if err := verifyMerged(p.Document, m); err != nil {
		return &Error{Kind: KindMergeFailure, Err: err}
	}
	enter(StateMerged)
	logging.Info("pipeline", "patched %s", filepath.Base(p.Document))
	return nil
}

// buildFailure tags an untyped builder error with the step that produced it.
func buildFailure(stage Stage, err error) error {
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Kind: KindSupplementalBuildFailure, Stage: stage, Err: err}
}

// failureForState classifies an untyped collaborator error by where the
// pipeline stood when it occurred.
func failureForState(st State, err error) *Error {
	switch st {
	case StateStart:
		return &Error{Kind: KindCheckToolFailure, Err: err}
	case StateChecked, StateGapFound:
		return &Error{Kind: KindRequestGenerationFailure, Err: err}
	case StateRequestBuilt:
		return &Error{Kind: KindSupplementalBuildFailure, Stage: StageMaterialize, Err: err}
	case StateSupplementalMaterialized:
		return &Error{Kind: KindSupplementalBuildFailure, Stage: StageDMRPP, Err: err}
	default:
		return &Error{Kind: KindMergeFailure, Err: err}
	}
}

func (s *Session) writeRequest(t *besreq.Template, dataFile string, vars []string, out string) error {
	container, err := besreq.ContainerPath(s.DataRoot, dataFile)
	if err != nil {
		return &Error{Kind: KindRequestGenerationFailure, Err: err}
	}
	b, err := t.Render(besreq.Request{Container: container, Vars: vars})
	if err != nil {
		return &Error{Kind: KindRequestGenerationFailure, Err: err}
	}
	if err := os.WriteFile(out, b, 0o644); err != nil {
		return &Error{Kind: KindRequestGenerationFailure, Err: err}
	}
	return nil
}

// verifyMerged checks that every manifest variable now has data locations.
func verifyMerged(document string, m dmrpp.Manifest) error {
	raw, err := os.ReadFile(document)
	if err != nil {
		return err
	}
	doc, err := dmrpp.Parse(raw)
	if err != nil {
		return fmt.Errorf("merged document: %w", err)
	}
	var still []string
	for _, path := range m.Vars {
		v, ok := doc.Lookup(path)
		if !ok || !v.HasData() {
			still = append(still, path)
		}
	}
	if len(still) > 0 {
		return fmt.Errorf("variables still missing after merge: %s", dmrpp.Manifest{Vars: still}.Join(", "))
	}
	return nil
}

func (s *Session) recordFailure(res *FileResult, art Artifacts) {
	logging.Error("pipeline", res.Err, "%s failed in state %s", art.Base, res.Reached)
	report := s.buildFailureReport(*res, art)
	path, err := s.writeFailureReport(report, art)
	if err != nil {
		logging.Warn("pipeline", "failure report for %s: %v", art.Base, err)
	} else {
		res.ReportPath = path
	}
	s.progress.appendProgress(map[string]any{
		"event":     "file_failed",
		"data_file": res.DataFile,
		"kind":      string(report.Kind),
		"summary":   report.Summary,
	})
	if !s.opts.ArchiveFailures {
		return
	}
	files := art.Existing()
	if res.ReportPath != "" {
		files = append(files, res.ReportPath)
	}
	dst := filepath.Join(s.WorkDir, art.Base+failureArchiveSuffix)
	if err := writeTarGz(dst, art.Base+".patch-failure", files); err != nil {
		logging.Warn("pipeline", "failure archive for %s: %v", art.Base, err)
		return
	}
	res.ArchivePath = dst
	logging.Info("pipeline", "failure artifacts archived to %s", dst)
}

func (s *Session) cleanupFile(art Artifacts, report string) {
	paths := art.All()
	if report != "" {
		paths = append(paths, report)
	}
	for _, p := range paths {
		if err := removeIfExists(p); err != nil {
			logging.Warn("cleanup", "remove %s: %v", p, err)
		}
	}
}
