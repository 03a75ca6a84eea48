package dmrpp

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// Manifest is the ordered list of variables missing chunk locations in one
// document.
type Manifest struct {
	Vars []string
}

// Empty reports whether no variables are missing.
func (m Manifest) Empty() bool {
	return len(m.Vars) == 0
}

// HasGroups reports whether any listed variable lives below the root group.
func (m Manifest) HasGroups() bool {
	for _, v := range m.Vars {
		if i := strings.LastIndex(v, "/"); i > 0 {
			return true
		}
	}
	return false
}

// Delimiter is ";" (DAP4 constraint syntax) for group-qualified manifests and
// "," (DAP2) otherwise.
func (m Manifest) Delimiter() string {
	if m.HasGroups() {
		return ";"
	}
	return ","
}

// String renders the manifest in its on-disk form.
func (m Manifest) String() string {
	return strings.Join(m.Vars, m.Delimiter())
}

// Join renders the variable list with an explicit separator.
func (m Manifest) Join(sep string) string {
	return strings.Join(m.Vars, sep)
}

// ParseManifest reads the on-disk form. Either delimiter is accepted.
func ParseManifest(s string) Manifest {
	delim := ","
	if strings.Contains(s, ";") {
		delim = ";"
	}
	var out Manifest
	for _, part := range strings.Split(s, delim) {
		v := strings.TrimSpace(part)
		if v == "" {
			continue
		}
		out.Vars = append(out.Vars, v)
	}
	return out
}

// ReadManifest loads a manifest file. A missing file yields os.ErrNotExist.
func ReadManifest(path string) (Manifest, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	return ParseManifest(string(b)), nil
}

// WriteManifest writes m to path. Empty manifests are not written, and a
// stale file at path is removed, so file presence alone signals a gap.
func WriteManifest(path string, m Manifest) error {
	if m.Empty() {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("dmrpp: remove stale manifest: %w", err)
		}
		return nil
	}
	return os.WriteFile(path, []byte(m.String()), 0o644)
}
