// Package engine runs the DMR++ patch pipeline: it validates the
// collaborator installation, writes the run's bes.conf, and drives each
// incomplete document through gap detection, supplemental build and merge.
//
// All scratch files of a run live in one directory, <work dir>/.dmrpatch-<ULID>,
// so runs in the same directory never share file names.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/opendap/dmrpatch/internal/logging"
	"github.com/opendap/dmrpatch/internal/patch/besreq"
)

// RetainVerbosity keeps every scratch artifact for inspection.
const RetainVerbosity = 2

// Options are the per-invocation settings taken from the command line.
type Options struct {
	// WorkDir is where the run directory is created and where BES side
	// effects land. Defaults to the current directory.
	WorkDir string
	// SearchHint is passed to the merger as the chunk href. Defaults to the
	// current directory.
	SearchHint string
	Verbosity  int
	// KeepGoing lets a batch continue past failed files.
	KeepGoing bool
	// ArchiveFailures packs a failed file's artifacts before cleanup.
	ArchiveFailures bool

	Runner Runner
	// Detector, Builder and Merger replace the collaborators derived from
	// the toolchain when set.
	Detector GapDetector
	Builder  Builder
	Merger   Merger
	Now      func() time.Time
}

// Session is one run: a scratch directory, a resolved toolchain and a
// bes.conf, shared by every file patched in the run.
type Session struct {
	RunID     string
	RunDir    string
	WorkDir   string
	DataRoot  string
	BESConf   string
	Toolchain *Toolchain

	cfg      *Config
	opts     Options
	now      func() time.Time
	detector GapDetector
	builder  Builder
	merger   Merger
	dataTmpl *besreq.Template
	dmrTmpl  *besreq.Template
	progress *progressLog
	// sideEffectsBefore holds side-effect files that existed before the run.
	sideEffectsBefore map[string]bool
}

// Open starts a run. On error nothing is left behind.
func Open(ctx context.Context, cfg *Config, opts Options) (s *Session, err error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if opts.Runner == nil {
		opts.Runner = ExecRunner{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s = &Session{cfg: cfg, opts: opts, now: opts.Now}

	if s.WorkDir, err = absDir(opts.WorkDir); err != nil {
		return nil, &Error{Kind: KindConfigGenerationFailure, Err: err}
	}
	if s.DataRoot, err = absDir(cfg.BES.DataRoot); err != nil {
		return nil, &Error{Kind: KindConfigGenerationFailure, Err: err}
	}
	if strings.TrimSpace(s.opts.SearchHint) == "" {
		if s.opts.SearchHint, err = os.Getwd(); err != nil {
			return nil, &Error{Kind: KindConfigGenerationFailure, Err: err}
		}
	}
	if s.sideEffectsBefore, err = matchSideEffects(s.WorkDir, cfg.Cleanup.SideEffects); err != nil {
		return nil, &Error{Kind: KindConfigGenerationFailure, Err: err}
	}
	if leftovers, lerr := FindLeftoverRuns(s.WorkDir); lerr == nil {
		for _, l := range leftovers {
			logging.Warn("session", "scratch directory %s from a run started %s was not cleaned up", l.Dir, l.Started.Format(time.RFC3339))
		}
	}

	if s.RunID, err = NewRunID(s.now()); err != nil {
		return nil, &Error{Kind: KindConfigGenerationFailure, Err: err}
	}
	s.RunDir = filepath.Join(s.WorkDir, RunDirName(s.RunID))
	if !pathWithin(s.RunDir, s.DataRoot) {
		return nil, &Error{
			Kind: KindConfigGenerationFailure,
			Err:  fmt.Errorf("working directory %s is outside the BES data root %s", s.WorkDir, s.DataRoot),
		}
	}
	if err := os.Mkdir(s.RunDir, 0o755); err != nil {
		return nil, &Error{Kind: KindConfigGenerationFailure, Err: err}
	}
	defer func() {
		if err != nil {
			_ = os.RemoveAll(s.RunDir)
		}
	}()
	s.progress = &progressLog{path: filepath.Join(s.RunDir, ProgressFileName), runID: s.RunID, now: s.now}
	s.progress.appendProgress(map[string]any{"event": "run_started", "work_dir": s.WorkDir, "data_root": s.DataRoot})

	if s.Toolchain, err = ResolveToolchain(ctx, cfg, s.RunDir, opts.Runner); err != nil {
		return nil, err
	}
	if s.BESConf, err = SynthesizeBESConf(cfg, s.Toolchain, s.RunID, s.RunDir, s.DataRoot); err != nil {
		return nil, err
	}
	if err := s.loadTemplates(); err != nil {
		return nil, err
	}
	s.wireCollaborators()

	logging.Info("session", "run %s started in %s", s.RunID, s.RunDir)
	return s, nil
}

func (s *Session) loadTemplates() error {
	s.dataTmpl, s.dmrTmpl = besreq.Data(), besreq.DMR()
	var err error
	if p := strings.TrimSpace(s.cfg.Requests.DataTemplate); p != "" {
		if s.dataTmpl, err = besreq.LoadFile(p, besreq.SlotContainer, besreq.SlotConstraint); err != nil {
			return &Error{Kind: KindRequestGenerationFailure, Err: err}
		}
	}
	if p := strings.TrimSpace(s.cfg.Requests.DMRTemplate); p != "" {
		if s.dmrTmpl, err = besreq.LoadFile(p, besreq.SlotContainer); err != nil {
			return &Error{Kind: KindRequestGenerationFailure, Err: err}
		}
	}
	return nil
}

func (s *Session) wireCollaborators() {
	tr := toolRunner{Runner: s.opts.Runner, Dir: s.WorkDir, Env: buildToolEnv(s.cfg.Env)}
	tc := s.Toolchain

	s.detector = s.opts.Detector
	if s.detector == nil {
		if tc.CheckDMRPP == BuiltinTool {
			s.detector = BuiltinGapDetector{}
		} else {
			s.detector = &ExecGapDetector{toolRunner: tr, Path: tc.CheckDMRPP}
		}
	}
	s.builder = s.opts.Builder
	if s.builder == nil {
		s.builder = &ExecBuilder{toolRunner: tr, BESStandalone: tc.BESStandalone, BuildDMRPP: tc.BuildDMRPP, BESConf: s.BESConf}
	}
	s.merger = s.opts.Merger
	if s.merger == nil {
		if tc.MergeDMRPP == BuiltinTool {
			s.merger = BuiltinMerger{}
		} else {
			s.merger = &ExecMerger{toolRunner: tr, Path: tc.MergeDMRPP}
		}
	}
}

// Config returns the configuration the session runs with.
func (s *Session) Config() *Config { return s.cfg }

// Retain reports whether scratch artifacts are kept.
func (s *Session) Retain() bool {
	return s.opts.Verbosity >= RetainVerbosity
}

// Close ends the run: unless artifacts are retained it removes the run
// directory and BES side-effect files created during the run.
func (s *Session) Close() error {
	if s == nil {
		return nil
	}
	s.progress.appendProgress(map[string]any{"event": "run_finished"})
	if s.Retain() {
		logging.Info("cleanup", "artifacts retained in %s", s.RunDir)
		return nil
	}
	var errs []error
	for _, p := range []string{s.BESConf, filepath.Join(s.RunDir, "bin"), s.progress.path} {
		if p == "" {
			continue
		}
		if err := os.RemoveAll(p); err != nil {
			errs = append(errs, err)
		}
	}
	if err := os.RemoveAll(s.RunDir); err != nil {
		errs = append(errs, err)
	}
	after, err := matchSideEffects(s.WorkDir, s.cfg.Cleanup.SideEffects)
	if err != nil {
		errs = append(errs, err)
	}
	for name := range after {
		if s.sideEffectsBefore[name] {
			continue
		}
		logging.Debug("cleanup", "removing %s", name)
		if err := os.Remove(filepath.Join(s.WorkDir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// matchSideEffects lists regular files in dir matching any pattern.
func matchSideEffects(dir string, patterns []string) (map[string]bool, error) {
	out := map[string]bool{}
	fsys := os.DirFS(dir)
	for _, p := range patterns {
		matches, err := doublestar.Glob(fsys, p)
		if err != nil {
			return nil, fmt.Errorf("side-effect pattern %q: %w", p, err)
		}
		for _, m := range matches {
			if st, err := os.Lstat(filepath.Join(dir, m)); err == nil && st.Mode().IsRegular() {
				out[m] = true
			}
		}
	}
	return out, nil
}

func absDir(dir string) (string, error) {
	if strings.TrimSpace(dir) == "" {
		return os.Getwd()
	}
	return filepath.Abs(dir)
}

func pathWithin(path, root string) bool {
	p := filepath.Clean(path)
	r := filepath.Clean(root)
	rel, err := filepath.Rel(r, p)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, ".."+string(os.PathSeparator)) && rel != "..")
}
