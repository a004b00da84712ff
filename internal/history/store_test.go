package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatehouse/gatehouse/internal/common/logger"
	"github.com/gatehouse/gatehouse/internal/tracker"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level: "error", Format: "console", OutputPath: "stderr",
	})
	require.NoError(t, err)

	s, err := Open(filepath.Join(t.TempDir(), "history.db"), log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func completedCall(id string, completedAt time.Time) tracker.CompletedCall {
	return tracker.CompletedCall{
		ID:          id,
		ToolName:    "run_command",
		DisplayArgs: "ls -la",
		StartedAt:   completedAt.Add(-time.Second),
		CompletedAt: completedAt,
		Status:      "completed",
	}
}

func TestRecordAndRecent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, s.Record(ctx, completedCall("a", now.Add(-2*time.Minute))))
	require.NoError(t, s.Record(ctx, completedCall("b", now.Add(-time.Minute))))
	require.NoError(t, s.Record(ctx, completedCall("c", now)))

	recent, err := s.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "c", recent[0].ID)
	assert.Equal(t, "b", recent[1].ID)
	assert.Equal(t, "run_command", recent[0].ToolName)
}

func TestPrune(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.Record(ctx, completedCall("old", time.Now().Add(-48*time.Hour))))
	require.NoError(t, s.Record(ctx, completedCall("new", time.Now())))

	n, err := s.Prune(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	recent, err := s.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "new", recent[0].ID)
}
