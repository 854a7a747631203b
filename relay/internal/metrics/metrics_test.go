package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNopCollector(t *testing.T) {
	c := Nop()
	ctx := context.Background()

	// none of these may panic
	c.SessionIssued(ctx)
	c.EventForwarded(ctx, "VERDICT")
	c.EventDropped(ctx, "no_connection")
	c.ConnectionOpened(ctx)
	c.ConnectionClosed(ctx)
	c.StreamOpened(ctx)
	c.StreamClosed(ctx)
	require.NoError(t, c.Shutdown(ctx))

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCollectorExportsPrometheus(t *testing.T) {
	c, err := New(true)
	require.NoError(t, err)
	ctx := context.Background()
	defer c.Shutdown(ctx)

	c.SessionIssued(ctx)
	c.EventForwarded(ctx, "VERDICT")
	c.EventDropped(ctx, "no_connection")
	c.ConnectionOpened(ctx)

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, "relay_sessions_issued")
	assert.Contains(t, text, "relay_events_forwarded")
	assert.Contains(t, text, `reason="no_connection"`)
	assert.Contains(t, text, "relay_connections_active")
}
