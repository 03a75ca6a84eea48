package logging

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLevelForVerbosity(t *testing.T) {
	assert.Equal(t, LevelWarn, LevelForVerbosity(0))
	assert.Equal(t, LevelInfo, LevelForVerbosity(1))
	assert.Equal(t, LevelDebug, LevelForVerbosity(2))
	assert.Equal(t, LevelDebug, LevelForVerbosity(7))
}

func TestInitForCLI_FiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	InitForCLI(LevelInfo, &buf)

	Debug("check", "hidden %d", 1)
	Info("check", "scanning %s", "grid.h5.dmrpp")
	Error("merge", errors.New("boom"), "merge failed")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "msg=\"scanning grid.h5.dmrpp\"")
	assert.Contains(t, out, "subsystem=check")
	assert.Contains(t, out, "error=boom")
}
