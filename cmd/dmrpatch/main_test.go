package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opendap/dmrpatch/internal/patch/dmrpp"
	"github.com/opendap/dmrpatch/internal/version"
)

const header = `<?xml version="1.0" encoding="ISO-8859-1"?>
<Dataset xmlns="http://xml.opendap.org/ns/DAP/4.0#" xmlns:dmrpp="http://xml.opendap.org/dap/dmrpp/1.0.0#" name="grid.h5">
`

const incompleteDoc = header + `    <Float32 name="lat">
        <dmrpp:chunks byteOrder="LE">
            <dmrpp:chunk offset="2048" nBytes="256"/>
        </dmrpp:chunks>
    </Float32>
    <Float32 name="temperature"/>
</Dataset>
`

const supplementalDoc = header + `    <Float32 name="temperature">
        <dmrpp:chunks byteOrder="LE">
            <dmrpp:chunk offset="4096" nBytes="256"/>
        </dmrpp:chunks>
    </Float32>
</Dataset>
`

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func write(t *testing.T, path, body string, mode os.FileMode) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), mode))
}

func read(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(b)
}

// setupWorkDir builds a fake BES installation, a data file with an
// incomplete document and a .dmrpatch.yaml pointing at the fakes, then
// changes into the work directory.
func setupWorkDir(t *testing.T) string {
	t.Helper()
	install := t.TempDir()
	bes := filepath.Join(install, "bin", "besstandalone")
	write(t, bes, `#!/bin/sh
while [ $# -gt 0 ]; do
  case "$1" in
    -i) req="$2"; shift 2 ;;
    *) shift ;;
  esac
done
if grep -q 'type="dmr"' "$req"; then
  echo '<Dataset name="grid_missing.h5"/>'
else
  printf '\211HDF\r\n\032\npayload'
fi
`, 0o755)
	build := filepath.Join(install, "bin", "build_dmrpp")
	write(t, build, "#!/bin/sh\ncat <<'DOC'\n"+supplementalDoc+"DOC\n", 0o755)
	modules := filepath.Join(install, "lib", "bes")
	for _, lib := range []string{"libdap_module.so", "libdap_xml_module.so", "libhdf5_module.so", "libdmrpp_module.so", "libnc_module.so", "libfonc_module.so"} {
		write(t, filepath.Join(modules, lib), "", 0o644)
	}

	work := t.TempDir()
	write(t, filepath.Join(work, ".dmrpatch.yaml"), `tools:
  besstandalone: `+bes+`
  build_dmrpp: `+build+`
  check_dmrpp: builtin
  merge_dmrpp: builtin
modules:
  dir: `+modules+`
bes:
  data_root: `+work+`
`, 0o644)
	write(t, filepath.Join(work, "grid.h5"), "\x89HDF\r\n\x1a\n", 0o644)
	write(t, filepath.Join(work, "grid.h5.dmrpp"), incompleteDoc, 0o644)
	chdir(t, work)
	return work
}

func TestVersion(t *testing.T) {
	code, out, _ := runCLI(t, "version")
	assert.Equal(t, 0, code)
	assert.Equal(t, "dmrpatch "+version.Version+"\n", out)

	code, out, _ = runCLI(t, "--version")
	assert.Equal(t, 0, code)
	assert.Equal(t, "dmrpatch "+version.Version+"\n", out)
}

func TestFile_PatchesDocument(t *testing.T) {
	work := setupWorkDir(t)

	code, out, stderr := runCLI(t, "file", "-i", "grid.h5", "-p", "/data/grid")
	require.Equal(t, 0, code, stderr)
	assert.Equal(t, "grid.h5.dmrpp: patched temperature\n", out)

	doc, err := dmrpp.Parse([]byte(read(t, filepath.Join(work, "grid.h5.dmrpp"))))
	require.NoError(t, err)
	assert.True(t, doc.Complete())
	v, ok := doc.Lookup("temperature")
	require.True(t, ok)
	assert.Equal(t, "/data/grid", v.Chunks[0].Href)

	entries, err := os.ReadDir(work)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{".dmrpatch.yaml", "grid.h5", "grid.h5.dmrpp"}, names)

	code, out, _ = runCLI(t, "file", "-i", "grid.h5")
	assert.Equal(t, 0, code)
	assert.Equal(t, "grid.h5.dmrpp: complete\n", out)
}

func TestFile_RequiresInput(t *testing.T) {
	code, _, stderr := runCLI(t, "file")
	assert.Equal(t, 1, code)
	assert.True(t, strings.HasPrefix(stderr, "dmrpatch: "))
	assert.Contains(t, stderr, `"input"`)
}

func TestFile_RejectsUnknownVerbosity(t *testing.T) {
	for _, v := range []string{"3", "-1"} {
		code, _, stderr := runCLI(t, "file", "-i", "grid.h5", "--verbosity="+v)
		assert.Equal(t, 1, code)
		assert.True(t, strings.HasPrefix(stderr, "dmrpatch: "))
		assert.Contains(t, stderr, "invalid verbosity "+v)
	}
}

func TestFile_MissingExecutables(t *testing.T) {
	work := t.TempDir()
	write(t, filepath.Join(work, ".dmrpatch.yaml"), `tools:
  besstandalone: /nonexistent/besstandalone
  build_dmrpp: /nonexistent/build_dmrpp
  check_dmrpp: builtin
  merge_dmrpp: builtin
`, 0o644)
	write(t, filepath.Join(work, "a.h5"), "x", 0o644)
	chdir(t, work)

	code, _, stderr := runCLI(t, "file", "-i", "a.h5")
	assert.Equal(t, 1, code)
	assert.Equal(t, "dmrpatch: environment check failed: missing executables: besstandalone, build_dmrpp\n", stderr)
}

func TestBatch_PairingViolation(t *testing.T) {
	work := setupWorkDir(t)
	write(t, filepath.Join(work, "b.nc"), "x", 0o644)

	code, _, stderr := runCLI(t, "batch")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "dmrpatch: pairing failed: b.nc has no document b.nc.dmrpp")
	assert.Equal(t, incompleteDoc, read(t, filepath.Join(work, "grid.h5.dmrpp")))
}

func TestBatch_PatchesDirectory(t *testing.T) {
	work := setupWorkDir(t)

	code, out, stderr := runCLI(t, "batch", work, "-p", "/data")
	require.Equal(t, 0, code, stderr)
	assert.Equal(t, "grid.h5.dmrpp: patched temperature\n", out)
}

func TestCheckAndMergeCommands(t *testing.T) {
	dir := t.TempDir()
	doc := filepath.Join(dir, "grid.h5.dmrpp")
	supp := filepath.Join(dir, "grid_missing.h5.dmrpp")
	manifest := filepath.Join(dir, "grid.h5.missvar")
	write(t, doc, incompleteDoc, 0o644)
	write(t, supp, supplementalDoc, 0o644)

	code, out, _ := runCLI(t, "check", doc, manifest)
	require.Equal(t, 0, code)
	assert.Contains(t, out, "missing temperature")
	assert.Equal(t, "temperature", read(t, manifest))

	code, _, stderr := runCLI(t, "merge", supp, doc, "/data/grid", manifest)
	require.Equal(t, 0, code, stderr)

	code, out, _ = runCLI(t, "check", doc, manifest)
	require.Equal(t, 0, code)
	assert.Empty(t, out)
	assert.NoFileExists(t, manifest)
}

func TestCheck_UnreadableDocument(t *testing.T) {
	dir := t.TempDir()
	code, _, stderr := runCLI(t, "check", filepath.Join(dir, "absent.dmrpp"), filepath.Join(dir, "m"))
	assert.Equal(t, 1, code)
	assert.True(t, strings.HasPrefix(stderr, "dmrpatch: check failed for "))
}

// chdir mirrors testing.T.Chdir (Go 1.24+) for older toolchains.
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}
