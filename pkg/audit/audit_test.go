package audit

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/jwtauth/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogSink_Record(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(slog.New(slog.NewJSONHandler(&buf, nil)))

	res, err := sink.Record(context.Background(), Event{
		Action:     ActionSessionBegin,
		OperatorID: "op-1",
		TenantID:   "t1",
		SessionID:  "s-1",
	}.WithMetadata("duration_minutes", 30))
	require.NoError(t, err)
	assert.True(t, res.Logged)
	assert.NotEmpty(t, res.LogID)

	out := buf.String()
	assert.Contains(t, out, `"action":"impersonation.session.begin"`)
	assert.Contains(t, out, `"operator_id":"op-1"`)
	assert.Contains(t, out, res.LogID)
}

func TestMemorySink(t *testing.T) {
	sink := NewMemorySink()
	_, err := sink.Record(context.Background(), Event{Action: ActionSessionEnd})
	require.NoError(t, err)
	_, err = sink.Record(context.Background(), Event{Action: ActionLimitsReset})
	require.NoError(t, err)

	assert.Len(t, sink.Events(), 2)
	require.Len(t, sink.ByAction(ActionLimitsReset), 1)
	assert.False(t, sink.Events()[0].Timestamp.IsZero())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = sink.Record(ctx, Event{Action: ActionSessionEnd})
	assert.Error(t, err)
}

func TestNewMiddleware_RequiresSink(t *testing.T) {
	_, err := NewMiddleware(Config{})
	assert.Error(t, err)
}

func TestAuditAuthMiddleware(t *testing.T) {
	sink := NewMemorySink()
	m, err := NewMiddleware(Config{Sink: sink})
	require.NoError(t, err)

	ja := jwtauth.New("HS256", []byte("secret"), nil)
	_, token, err := ja.Encode(map[string]interface{}{"sub": "op-1"})
	require.NoError(t, err)

	h := jwtauth.Verifier(ja)(m.AuditAuthMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))

	req := httptest.NewRequest(http.MethodPost, "/sessions", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	require.Eventually(t, func() bool { return len(sink.Events()) == 1 }, time.Second, 5*time.Millisecond)
	event := sink.Events()[0]
	assert.Equal(t, ActionHTTPRequest, event.Action)
	assert.Equal(t, "op-1", event.OperatorID)
	assert.Equal(t, "POST", event.Metadata["method"])
	assert.Equal(t, "impersonation-guard", event.Metadata["source"])
}
