package audit

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenEmptyPathDisablesLogging(t *testing.T) {
	l, err := Open("")
	require.NoError(t, err)

	require.NoError(t, l.Record("spawned", 1, ""))
	events, err := l.All()
	require.NoError(t, err)
	assert.Empty(t, events)
	require.NoError(t, l.Close())
}

func TestRecordAndReplayPreservesOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	l, err := Open(path)
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.Record("spawned", 0, "pid 111"))
	require.NoError(t, l.Record("spawned", 1, "pid 112"))
	require.NoError(t, l.Record("crashed", 0, "eof on socket"))

	events, err := l.All()
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "spawned", events[0].Kind)
	assert.Equal(t, 1, events[1].WorkerID)
	assert.Equal(t, "crashed", events[2].Kind)
	assert.Equal(t, "eof on socket", events[2].Detail)
}

func TestReopenAfterClosePreservesEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	l, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, l.Record("spawned", 0, ""))
	require.NoError(t, l.Close())

	l2, err := Open(path)
	require.NoError(t, err)
	defer l2.Close()

	events, err := l2.All()
	require.NoError(t, err)
	require.Len(t, events, 1)
}
