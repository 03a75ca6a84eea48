package engine

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_Diagnostic(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{
			&Error{Kind: KindPairingViolation, Violations: []string{"b.nc has no document b.nc.dmrpp"}},
			"dmrpatch: pairing failed: b.nc has no document b.nc.dmrpp",
		},
		{
			&Error{Kind: KindSupplementalBuildFailure, Stage: StageDMR, File: "/d/a.h5", Cmd: "besstandalone -c bes.conf", ExitCode: 1, Stderr: "warning\nno such container\n"},
			"dmrpatch: supplemental dmr failed for /d/a.h5: besstandalone -c bes.conf exited 1: no such container",
		},
		{
			&Error{Kind: KindMergeFailure, File: "/d/a.h5", Err: errors.New("bad chunk document")},
			"dmrpatch: merge failed for /d/a.h5: bad chunk document",
		},
		{
			errors.New("plain"),
			"dmrpatch: plain",
		},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Diagnostic(tc.err))
	}
}

func TestKindOf_Wrapped(t *testing.T) {
	inner := &Error{Kind: KindCheckToolFailure, Err: errors.New("boom")}
	wrapped := fmt.Errorf("batch: %w", inner)
	assert.Equal(t, KindCheckToolFailure, KindOf(wrapped))
	assert.True(t, IsKind(wrapped, KindCheckToolFailure))
	assert.Equal(t, Kind(""), KindOf(errors.New("x")))
	assert.ErrorIs(t, inner, inner.Err)
	assert.Contains(t, Diagnostic(wrapped), "dmrpatch: check failed: boom")
}

func TestLastLine(t *testing.T) {
	assert.Equal(t, "", lastLine("  \n"))
	assert.Equal(t, "third", lastLine("first\nsecond\n third \n"))
	assert.Equal(t, "ab", trimToRunes("abc", 2))
}
