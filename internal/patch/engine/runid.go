package engine

import (
	"crypto/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// RunDirPrefix starts the name of every run scratch directory.
const RunDirPrefix = ".dmrpatch-"

func NewRunID(t time.Time) (string, error) {
	entropy := ulid.Monotonic(rand.Reader, 0)
	id, err := ulid.New(ulid.Timestamp(t.UTC()), entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// RunDirName is the scratch directory name for a run id.
func RunDirName(runID string) string {
	return RunDirPrefix + runID
}

// LeftoverRun is a scratch directory from an earlier run that did not clean
// up, usually because it was killed.
type LeftoverRun struct {
	Dir     string
	RunID   string
	Started time.Time
}

// FindLeftoverRuns lists run directories in workDir, oldest first. Entries
// whose suffix is not a run id are ignored.
func FindLeftoverRuns(workDir string) ([]LeftoverRun, error) {
	entries, err := os.ReadDir(workDir)
	if err != nil {
		return nil, err
	}
	var out []LeftoverRun
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), RunDirPrefix) {
			continue
		}
		raw := strings.TrimPrefix(e.Name(), RunDirPrefix)
		id, err := ulid.ParseStrict(raw)
		if err != nil {
			continue
		}
		out = append(out, LeftoverRun{
			Dir:     filepath.Join(workDir, e.Name()),
			RunID:   raw,
			Started: ulid.Time(id.Time()),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunID < out[j].RunID })
	return out, nil
}
