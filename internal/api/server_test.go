package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatehouse/gatehouse/internal/approval"
	"github.com/gatehouse/gatehouse/internal/common/logger"
	"github.com/gatehouse/gatehouse/internal/diffreview"
	"github.com/gatehouse/gatehouse/internal/events/bus"
	"github.com/gatehouse/gatehouse/internal/terminal"
	"github.com/gatehouse/gatehouse/internal/tracker"
)

type apiFixture struct {
	server    *Server
	approvals *approval.Queue
	diffs     *diffreview.Registry
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level: "error", Format: "console", OutputPath: "stderr",
	})
	require.NoError(t, err)

	events := bus.NewMemoryEventBus(log)
	t.Cleanup(events.Close)

	approvals := approval.NewQueue(approval.Config{RecentTTL: 10 * time.Second}, events, log)
	terminals := terminal.NewManager(nil, events, log)
	diffs := diffreview.NewRegistry(log)
	tr := tracker.New(tracker.Config{}, terminals, approvals, diffs, events, log)

	return &apiFixture{
		server:    NewServer(approvals, terminals, tr, diffs, nil, events, log),
		approvals: approvals,
		diffs:     diffs,
	}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestApprovalRespondFlow(t *testing.T) {
	f := newAPIFixture(t)

	ch, err := f.approvals.Enqueue(&approval.Request{
		Kind:    approval.KindCommand,
		Command: &approval.CommandPayload{Command: "ls"},
	})
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/api/v1/approvals/current", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ls"`)

	id := f.approvals.Pending()[0].ID
	rec = f.do(t, http.MethodPost, "/api/v1/approvals/"+id+"/respond", approval.Decision{Approved: true})
	require.Equal(t, http.StatusOK, rec.Code)

	select {
	case d := <-ch:
		assert.True(t, d.Approved)
	case <-time.After(time.Second):
		t.Fatal("decision never delivered")
	}

	// A second resolution attempt is rejected.
	rec = f.do(t, http.MethodPost, "/api/v1/approvals/"+id+"/respond", approval.Decision{Approved: false})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestApprovalCancel(t *testing.T) {
	f := newAPIFixture(t)

	ch, err := f.approvals.Enqueue(&approval.Request{
		Kind:    approval.KindCommand,
		Command: &approval.CommandPayload{Command: "rm -rf /"},
	})
	require.NoError(t, err)

	id := f.approvals.Pending()[0].ID
	rec := f.do(t, http.MethodPost, "/api/v1/approvals/"+id+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	d := <-ch
	assert.False(t, d.Approved)
	assert.True(t, d.Cancelled)
}

func TestCancelUnknownCall(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodPost, "/api/v1/calls/ghost/cancel", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListTerminalsEmpty(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodGet, "/api/v1/terminals", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"terminals"`)
}

func TestDiffEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/diffs/ghost/accept", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"resolved":false`)

	ch, err := f.diffs.Open(diffreview.Diff{CallID: "call-1", Path: "/tmp/a.go"})
	require.NoError(t, err)

	rec = f.do(t, http.MethodPost, "/api/v1/diffs/call-1/reject", map[string]string{"reason": "nope"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"resolved":true`)

	out := <-ch
	assert.False(t, out.Accepted)
	assert.Equal(t, "nope", out.Reason)
}
