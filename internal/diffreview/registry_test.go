package diffreview

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatehouse/gatehouse/internal/common/logger"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level: "error", Format: "console", OutputPath: "stderr",
	})
	require.NoError(t, err)
	return NewRegistry(log)
}

func TestOpenAcceptFlow(t *testing.T) {
	r := testRegistry(t)

	ch, err := r.Open(Diff{CallID: "call-1", Path: "/tmp/a.go", Updated: "new"})
	require.NoError(t, err)

	require.True(t, r.Accept("call-1"))

	select {
	case out := <-ch:
		assert.True(t, out.Accepted)
	case <-time.After(time.Second):
		t.Fatal("outcome never delivered")
	}

	_, ok := r.Get("call-1")
	assert.False(t, ok)
}

func TestResolve_SingleShot(t *testing.T) {
	r := testRegistry(t)

	ch, err := r.Open(Diff{CallID: "call-1", Path: "/tmp/a.go"})
	require.NoError(t, err)

	require.True(t, r.Reject("call-1", "user closed the diff"))
	assert.False(t, r.Accept("call-1"), "second resolution must be a no-op")

	out := <-ch
	assert.False(t, out.Accepted)
	assert.Equal(t, "user closed the diff", out.Reason)
}

func TestResolve_NothingPending(t *testing.T) {
	r := testRegistry(t)
	assert.False(t, r.Accept("ghost"))
	assert.False(t, r.Reject("ghost", "whatever"))
}

func TestOpen_OnePerCall(t *testing.T) {
	r := testRegistry(t)

	_, err := r.Open(Diff{CallID: "call-1", Path: "/tmp/a.go"})
	require.NoError(t, err)
	_, err = r.Open(Diff{CallID: "call-1", Path: "/tmp/b.go"})
	assert.Error(t, err)
}

func TestAwait_CancelRejects(t *testing.T) {
	r := testRegistry(t)

	ch, err := r.Open(Diff{CallID: "call-1", Path: "/tmp/a.go"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = r.Await(ctx, "call-1", ch)
	require.Error(t, err)

	_, ok := r.Get("call-1")
	assert.False(t, ok, "abandoned wait must clear the pending diff")
}
