package engine

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRunID_IsULID(t *testing.T) {
	id, err := NewRunID(time.Now())
	require.NoError(t, err)
	assert.Len(t, id, 26)

	other, err := NewRunID(time.Now())
	require.NoError(t, err)
	assert.NotEqual(t, id, other)
}

func TestFindLeftoverRuns(t *testing.T) {
	work := t.TempDir()
	older := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	newer := older.Add(time.Hour)

	idNew, err := NewRunID(newer)
	require.NoError(t, err)
	idOld, err := NewRunID(older)
	require.NoError(t, err)
	for _, name := range []string{RunDirName(idNew), RunDirName(idOld), ".dmrpatch-notaulid", "other"} {
		require.NoError(t, os.Mkdir(filepath.Join(work, name), 0o755))
	}
	writeFile(t, filepath.Join(work, ".dmrpatch-file"), "")

	runs, err := FindLeftoverRuns(work)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, idOld, runs[0].RunID)
	assert.True(t, runs[0].Started.Equal(older))
	assert.Equal(t, filepath.Join(work, RunDirName(idNew)), runs[1].Dir)
}
