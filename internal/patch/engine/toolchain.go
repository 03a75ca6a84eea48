package engine

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/opendap/dmrpatch/internal/logging"
)

const (
	ToolBESStandalone = "besstandalone"
	ToolBuildDMRPP    = "build_dmrpp"
	ToolCheckDMRPP    = "check_dmrpp"
	ToolMergeDMRPP    = "merge_dmrpp"
)

// Toolchain holds the resolved collaborator executables. CheckDMRPP and
// MergeDMRPP may be BuiltinTool.
type Toolchain struct {
	BESStandalone string
	BuildDMRPP    string
	CheckDMRPP    string
	MergeDMRPP    string
	// Built lists executables compiled into the run directory.
	Built []string
}

var lookPath = exec.LookPath

// ResolveToolchain locates every collaborator. A checker or merger that
// cannot be found is compiled from tools.source_dir when one is configured.
// All absent tools are reported together.
func ResolveToolchain(ctx context.Context, cfg *Config, runDir string, runner Runner) (*Toolchain, error) {
	tc := &Toolchain{}
	var missing []string

	resolve := func(name, spec string, dst *string) {
		if p, ok := resolveExecutable(spec); ok {
			*dst = p
			logging.Debug("toolchain", "%s: %s", name, p)
			return
		}
		missing = append(missing, name)
	}
	resolve(ToolBESStandalone, cfg.Tools.BESStandalone, &tc.BESStandalone)
	resolve(ToolBuildDMRPP, cfg.Tools.BuildDMRPP, &tc.BuildDMRPP)

	for _, t := range []struct {
		name string
		spec string
		dst  *string
	}{
		{ToolCheckDMRPP, cfg.Tools.CheckDMRPP, &tc.CheckDMRPP},
		{ToolMergeDMRPP, cfg.Tools.MergeDMRPP, &tc.MergeDMRPP},
	} {
		if strings.TrimSpace(t.spec) == BuiltinTool {
			*t.dst = BuiltinTool
			continue
		}
		if p, ok := resolveExecutable(t.spec); ok {
			*t.dst = p
			logging.Debug("toolchain", "%s: %s", t.name, p)
			continue
		}
		if p, ok := buildFromSource(ctx, cfg, runDir, runner, t.name); ok {
			*t.dst = p
			tc.Built = append(tc.Built, p)
			continue
		}
		missing = append(missing, t.name)
	}

	if len(missing) > 0 {
		return nil, &Error{Kind: KindMissingExecutable, Tools: missing}
	}
	return tc, nil
}

// resolveExecutable accepts a bare name looked up on PATH or a path to an
// executable file, and returns an absolute path.
func resolveExecutable(spec string) (string, bool) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return "", false
	}
	if !strings.ContainsRune(spec, filepath.Separator) && !strings.ContainsRune(spec, '/') {
		p, err := lookPath(spec)
		if err != nil {
			return "", false
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			return "", false
		}
		return abs, true
	}
	abs, err := filepath.Abs(spec)
	if err != nil {
		return "", false
	}
	if !isExecutableFile(abs) {
		return "", false
	}
	return abs, true
}

func isExecutableFile(path string) bool {
	st, err := os.Stat(path)
	if err != nil || !st.Mode().IsRegular() {
		return false
	}
	return st.Mode().Perm()&0o111 != 0
}

// buildFromSource compiles <source_dir>/<name>.cc into <runDir>/bin/<name>.
// Any failure leaves the tool absent.
func buildFromSource(ctx context.Context, cfg *Config, runDir string, runner Runner, name string) (string, bool) {
	srcDir := strings.TrimSpace(cfg.Tools.SourceDir)
	if srcDir == "" {
		return "", false
	}
	src := filepath.Join(srcDir, name+".cc")
	if _, err := os.Stat(src); err != nil {
		logging.Debug("toolchain", "no source for %s at %s", name, src)
		return "", false
	}
	cxx, ok := resolveExecutable(cfg.Tools.CXX)
	if !ok {
		logging.Warn("toolchain", "cannot build %s: compiler %q not found", name, cfg.Tools.CXX)
		return "", false
	}
	binDir := filepath.Join(runDir, "bin")
	if err := os.MkdirAll(binDir, 0o755); err != nil {
		logging.Warn("toolchain", "cannot build %s: %v", name, err)
		return "", false
	}
	out := filepath.Join(binDir, name)
	cmd := Command{
		Path: cxx,
		Args: []string{"-O2", "-o", out, src},
		Dir:  runDir,
		Env:  buildToolEnv(cfg.Env),
	}
	logging.Info("toolchain", "building %s from %s", name, src)
	res, err := runner.Run(ctx, cmd)
	if err != nil || res.ExitCode != 0 {
		detail := lastLine(res.Stderr)
		if err != nil {
			detail = err.Error()
		}
		logging.Warn("toolchain", "building %s failed: %s", name, detail)
		_ = os.Remove(out)
		return "", false
	}
	if !isExecutableFile(out) {
		logging.Warn("toolchain", "building %s produced no executable", name)
		return "", false
	}
	return out, true
}
