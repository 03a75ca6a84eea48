package engine

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a fatal pipeline failure.
type Kind string

const (
	KindMissingExecutable        Kind = "MissingExecutable"
	KindConfigGenerationFailure  Kind = "ConfigGenerationFailure"
	KindPairingViolation         Kind = "PairingViolation"
	KindCheckToolFailure         Kind = "CheckToolFailure"
	KindRequestGenerationFailure Kind = "RequestGenerationFailure"
	KindSupplementalBuildFailure Kind = "SupplementalBuildFailure"
	KindMergeFailure             Kind = "MergeFailure"
)

// Stage names the step of the supplemental build that failed.
type Stage string

const (
	StageMaterialize Stage = "materialize"
	StageDMR         Stage = "dmr"
	StageDMRPP       Stage = "dmrpp"
)

// Error is the single error type returned by the pipeline.
type Error struct {
	Kind Kind
	// Stage is set for SupplementalBuildFailure.
	Stage Stage
	// File is the data file being patched, when there is one.
	File string
	// Tools lists absent executables for MissingExecutable.
	Tools []string
	// Violations lists offending directory entries for PairingViolation.
	Violations []string

	Cmd      string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.step())
	b.WriteString(" failed")
	if e.File != "" {
		b.WriteString(" for ")
		b.WriteString(e.File)
	}
	if d := e.detail(); d != "" {
		b.WriteString(": ")
		b.WriteString(d)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// step is the label used in the diagnostic line.
func (e *Error) step() string {
	switch e.Kind {
	case KindMissingExecutable:
		return "environment check"
	case KindConfigGenerationFailure:
		return "configuration"
	case KindPairingViolation:
		return "pairing"
	case KindCheckToolFailure:
		return "check"
	case KindRequestGenerationFailure:
		return "request"
	case KindSupplementalBuildFailure:
		if e.Stage != "" {
			return "supplemental " + string(e.Stage)
		}
		return "supplemental build"
	case KindMergeFailure:
		return "merge"
	default:
		return "run"
	}
}

func (e *Error) detail() string {
	var parts []string
	switch e.Kind {
	case KindMissingExecutable:
		parts = append(parts, "missing executables: "+strings.Join(e.Tools, ", "))
	case KindPairingViolation:
		parts = append(parts, strings.Join(e.Violations, "; "))
	}
	if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}
	if e.Cmd != "" {
		parts = append(parts, fmt.Sprintf("%s exited %d", e.Cmd, e.ExitCode))
	}
	if s := lastLine(e.Stderr); s != "" {
		parts = append(parts, s)
	}
	return strings.Join(parts, ": ")
}

// Diagnostic is the one-line message printed on stderr for a fatal error.
func Diagnostic(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return "dmrpatch: " + e.Error()
	}
	return "dmrpatch: " + err.Error()
}

// KindOf returns the Kind of err, or "" when err is not a pipeline error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err is a pipeline error of kind k.
func IsKind(err error, k Kind) bool {
	return KindOf(err) == k
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = strings.TrimSpace(s[i+1:])
	}
	return trimToRunes(s, 300)
}

func trimToRunes(s string, maxRunes int) string {
	if maxRunes <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= maxRunes {
		return string(r)
	}
	return string(r[:maxRunes])
}
