package engine

import (
	"context"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withLookPath(t *testing.T, fn func(string) (string, error)) {
	t.Helper()
	old := lookPath
	lookPath = fn
	t.Cleanup(func() { lookPath = old })
}

func TestResolveToolchain_ReportsEveryMissingTool(t *testing.T) {
	withLookPath(t, func(string) (string, error) { return "", exec.ErrNotFound })
	fi := newFakeInstall(t)
	cfg := DefaultConfig()
	cfg.Tools.BuildDMRPP = fi.BuildDMRPP

	_, err := ResolveToolchain(context.Background(), cfg, t.TempDir(), ExecRunner{})
	require.Error(t, err)

	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, KindMissingExecutable, e.Kind)
	assert.Equal(t, []string{ToolBESStandalone, ToolCheckDMRPP, ToolMergeDMRPP}, e.Tools)
	assert.Equal(t, "dmrpatch: environment check failed: missing executables: besstandalone, check_dmrpp, merge_dmrpp", Diagnostic(err))
}

func TestResolveToolchain_NonExecutableFileIsMissing(t *testing.T) {
	fi := newFakeInstall(t)
	cfg := fi.config()
	plain := filepath.Join(fi.Root, "bin", "plain")
	writeFile(t, plain, "#!/bin/sh\n")
	cfg.Tools.BuildDMRPP = plain

	_, err := ResolveToolchain(context.Background(), cfg, t.TempDir(), ExecRunner{})
	assert.True(t, IsKind(err, KindMissingExecutable))
}

func TestResolveToolchain_BuiltinsAndPathLookup(t *testing.T) {
	fi := newFakeInstall(t)
	withLookPath(t, func(name string) (string, error) {
		if name == "besstandalone" {
			return fi.BESStandalone, nil
		}
		return "", exec.ErrNotFound
	})
	cfg := fi.config()
	cfg.Tools.BESStandalone = "besstandalone"

	tc, err := ResolveToolchain(context.Background(), cfg, t.TempDir(), ExecRunner{})
	require.NoError(t, err)
	assert.Equal(t, fi.BESStandalone, tc.BESStandalone)
	assert.Equal(t, fi.BuildDMRPP, tc.BuildDMRPP)
	assert.Equal(t, BuiltinTool, tc.CheckDMRPP)
	assert.Equal(t, BuiltinTool, tc.MergeDMRPP)
	assert.Empty(t, tc.Built)
}

func TestResolveToolchain_BuildsFromSource(t *testing.T) {
	withLookPath(t, func(string) (string, error) { return "", exec.ErrNotFound })
	fi := newFakeInstall(t)
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "check_dmrpp.cc"), "int main() { return 0; }\n")
	writeFile(t, filepath.Join(src, "merge_dmrpp.cc"), "int main() { return 0; }\n")
	// The fake compiler copies itself to the -o target.
	cxx := filepath.Join(fi.Root, "bin", "cxx")
	writeScript(t, cxx, "#!/bin/sh\nwhile [ $# -gt 0 ]; do\n  if [ \"$1\" = -o ]; then cp \"$0\" \"$2\"; fi\n  shift\ndone\n")

	cfg := DefaultConfig()
	cfg.Tools.BESStandalone = fi.BESStandalone
	cfg.Tools.BuildDMRPP = fi.BuildDMRPP
	cfg.Tools.SourceDir = src
	cfg.Tools.CXX = cxx

	runDir := t.TempDir()
	tc, err := ResolveToolchain(context.Background(), cfg, runDir, ExecRunner{})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(runDir, "bin", ToolCheckDMRPP), tc.CheckDMRPP)
	assert.Equal(t, filepath.Join(runDir, "bin", ToolMergeDMRPP), tc.MergeDMRPP)
	assert.Len(t, tc.Built, 2)
}

func TestResolveToolchain_FailedBuildIsMissing(t *testing.T) {
	withLookPath(t, func(string) (string, error) { return "", exec.ErrNotFound })
	fi := newFakeInstall(t)
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "merge_dmrpp.cc"), "broken\n")
	cxx := filepath.Join(fi.Root, "bin", "cxx")
	writeScript(t, cxx, "#!/bin/sh\necho 'syntax error' >&2\nexit 1\n")

	cfg := fi.config()
	cfg.Tools.MergeDMRPP = "merge_dmrpp"
	cfg.Tools.SourceDir = src
	cfg.Tools.CXX = cxx

	_, err := ResolveToolchain(context.Background(), cfg, t.TempDir(), ExecRunner{})
	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, []string{ToolMergeDMRPP}, e.Tools)
}
