package dmrpp

import (
	"fmt"
	"os"
	"strings"
)

// Check lists the variables of doc that have no data location. Paths are
// group-qualified when the document has groups and bare names otherwise,
// matching what the request constraint and the merger expect.
func Check(doc *Document) Manifest {
	var m Manifest
	for _, v := range doc.Missing() {
		if doc.HasGroups {
			m.Vars = append(m.Vars, v.Path)
		} else {
			m.Vars = append(m.Vars, strings.TrimPrefix(v.Path, "/"))
		}
	}
	return m
}

// CheckFile scans the document at docPath and writes the manifest to
// manifestPath when variables are missing. It reports whether a manifest was
// written.
func CheckFile(docPath, manifestPath string) (bool, error) {
	raw, err := os.ReadFile(docPath)
	if err != nil {
		return false, err
	}
	doc, err := Parse(raw)
	if err != nil {
		return false, fmt.Errorf("%s: %w", docPath, err)
	}
	m := Check(doc)
	if err := WriteManifest(manifestPath, m); err != nil {
		return false, err
	}
	return !m.Empty(), nil
}
