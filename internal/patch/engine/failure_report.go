package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"
)

const failureReportSuffix = ".failure.json"

var toolMissingExecutablePattern = regexp.MustCompile(`(?mi)^(?:.*?:\s+)?([A-Za-z0-9._+\-/]+):\s+(?:command not found|cannot open shared object file)`)

type failureReport struct {
	Version            int                `json:"version"`
	GeneratedAt        string             `json:"generated_at"`
	RunID              string             `json:"run_id"`
	DataFile           string             `json:"data_file"`
	Document           string             `json:"document"`
	Kind               Kind               `json:"kind"`
	Stage              Stage              `json:"stage,omitempty"`
	LastState          State              `json:"last_state"`
	Reason             string             `json:"reason"`
	MissingVariables   []string           `json:"missing_variables,omitempty"`
	MissingExecutables []string           `json:"missing_executables,omitempty"`
	Tool               *failureReportTool `json:"tool,omitempty"`
	Artifacts          []string           `json:"artifacts,omitempty"`
	Summary            string             `json:"summary"`
}

type failureReportTool struct {
	Command       string `json:"command,omitempty"`
	WorkingDir    string `json:"working_dir,omitempty"`
	ExitCode      int    `json:"exit_code"`
	StderrExcerpt string `json:"stderr_excerpt,omitempty"`
}

func (s *Session) buildFailureReport(res FileResult, art Artifacts) failureReport {
	r := failureReport{
		Version:          1,
		GeneratedAt:      s.now().UTC().Format(time.RFC3339),
		RunID:            s.RunID,
		DataFile:         res.DataFile,
		Document:         res.Document,
		LastState:        res.Reached,
		MissingVariables: res.Missing.Vars,
	}
	if res.Err != nil {
		r.Reason = res.Err.Error()
	}
	var e *Error
	if errors.As(res.Err, &e) {
		r.Kind = e.Kind
		r.Stage = e.Stage
		if e.Cmd != "" {
			r.Tool = &failureReportTool{
				Command:       e.Cmd,
				WorkingDir:    s.WorkDir,
				ExitCode:      e.ExitCode,
				StderrExcerpt: strings.TrimSpace(trimToRunes(e.Stderr, 4000)),
			}
		}
		r.MissingExecutables = extractMissingExecutables(e.Stderr)
	}
	for _, p := range art.Existing() {
		r.Artifacts = append(r.Artifacts, filepath.Base(p))
	}
	r.Summary = buildFailureReportSummary(r)
	return r
}

// writeFailureReport stores the report next to the file's artifacts and
// returns its path.
func (s *Session) writeFailureReport(r failureReport, art Artifacts) (string, error) {
	path := filepath.Join(s.RunDir, art.Base+failureReportSuffix)
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, append(b, '\n'), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// extractMissingExecutables picks "command not found" style lines out of a
// collaborator's stderr, which is how a broken BES install usually shows up.
func extractMissingExecutables(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	seen := map[string]struct{}{}
	var out []string
	for _, m := range toolMissingExecutablePattern.FindAllStringSubmatch(text, -1) {
		if len(m) < 2 {
			continue
		}
		name := strings.TrimSpace(strings.Trim(m[1], `"'`))
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

func buildFailureReportSummary(r failureReport) string {
	parts := []string{
		fmt.Sprintf("file=%s", filepath.Base(r.DataFile)),
		fmt.Sprintf("kind=%s", r.Kind),
		fmt.Sprintf("state=%s", r.LastState),
	}
	if r.Stage != "" {
		parts = append(parts, fmt.Sprintf("stage=%s", r.Stage))
	}
	if len(r.MissingVariables) > 0 {
		parts = append(parts, fmt.Sprintf("missing_vars=%d", len(r.MissingVariables)))
	}
	if len(r.MissingExecutables) > 0 {
		parts = append(parts, fmt.Sprintf("missing_tools=%d", len(r.MissingExecutables)))
	}
	if strings.TrimSpace(r.Reason) != "" {
		parts = append(parts, fmt.Sprintf("reason=%s", trimToRunes(strings.TrimSpace(r.Reason), 120)))
	}
	return strings.Join(parts, "; ")
}
