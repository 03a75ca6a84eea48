package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Pair is a data file and the metadata document that describes it.
type Pair struct {
	DataFile string
	Document string
}

// ScanInventory pairs every data file in dir with its document. It lists dir
// only (no recursion) and reports every pairing violation at once; nothing
// is returned for a directory with violations.
func ScanInventory(dir string, cfg *Config) ([]Pair, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, &Error{Kind: KindPairingViolation, Err: err}
	}
	suffix := cfg.Inventory.DocumentSuffix

	names := map[string]bool{}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names[e.Name()] = true
	}

	var (
		pairs      []Pair
		violations []string
	)
	for name := range names {
		switch {
		case strings.HasSuffix(name, suffix):
			base := strings.TrimSuffix(name, suffix)
			if !isDataFileName(base, cfg.Inventory.DataPatterns) {
				violations = append(violations, fmt.Sprintf("%s does not name a data file", name))
				continue
			}
			if !names[base] {
				violations = append(violations, fmt.Sprintf("%s has no data file %s", name, base))
			}
		case isDataFileName(name, cfg.Inventory.DataPatterns):
			if !names[name+suffix] {
				violations = append(violations, fmt.Sprintf("%s has no document %s", name, name+suffix))
				continue
			}
			pairs = append(pairs, Pair{
				DataFile: filepath.Join(dir, name),
				Document: filepath.Join(dir, name+suffix),
			})
		}
	}
	if len(violations) > 0 {
		sort.Strings(violations)
		return nil, &Error{Kind: KindPairingViolation, Violations: violations}
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].DataFile < pairs[j].DataFile })
	return pairs, nil
}

func isDataFileName(name string, patterns []string) bool {
	for _, p := range patterns {
		if ok, _ := doublestar.Match(p, name); ok {
			return true
		}
	}
	return false
}
