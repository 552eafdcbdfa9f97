package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/jwtauth/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-impersonate/pkg/admission"
	"github.com/tendant/simple-impersonate/pkg/audit"
	"github.com/tendant/simple-impersonate/pkg/impersonate"
)

type testServer struct {
	handler http.Handler
	ja      *jwtauth.JWTAuth
	sink    *audit.MemorySink
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	engine, err := admission.NewEngine(admission.NewInMemoryStore(), admission.DefaultLimits())
	require.NoError(t, err)
	sink := audit.NewMemorySink()
	svc := impersonate.NewService(engine,
		impersonate.WithAuditSink(sink),
		impersonate.WithTenantValidator(impersonate.NewStaticTenants("t1", "t2")),
	)
	ja := jwtauth.New("HS256", []byte("test-secret"), nil)
	return &testServer{
		handler: jwtauth.Verifier(ja)(Handler(NewHandle(svc))),
		ja:      ja,
		sink:    sink,
	}
}

func (s *testServer) do(t *testing.T, operator, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if operator != "" {
		_, token, err := s.ja.Encode(map[string]interface{}{"sub": operator})
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func (s *testServer) begin(t *testing.T, operator string) SessionResponse {
	t.Helper()
	rec := s.do(t, operator, http.MethodPost, "/sessions", BeginRequest{TenantID: "t1", TargetUserID: "user-1"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	resp := decode[BeginResponse](t, rec)
	require.NotNil(t, resp.Session)
	return *resp.Session
}

func TestHandler_RequiresOperator(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, "", http.MethodPost, "/sessions", BeginRequest{TenantID: "t1", TargetUserID: "u"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "UNAUTHORIZED", decode[ErrorResponse](t, rec).Code)
}

func TestHandler_BeginThenDeniedWithRetryAfter(t *testing.T) {
	s := newTestServer(t)

	session := s.begin(t, "op-1")
	assert.Equal(t, "op-1", session.OperatorID)
	assert.Equal(t, "active", session.Status)
	assert.Equal(t, 30*time.Minute, session.ExpiresAt.Sub(session.StartedAt))

	body := BeginRequest{TenantID: "t1", TargetUserID: "u", Limits: &LimitsOverride{MaxConcurrentSessions: 1}}
	rec := s.do(t, "op-1", http.MethodPost, "/sessions", body)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	resp := decode[BeginResponse](t, rec)
	assert.False(t, resp.Decision.Allowed)
	assert.Equal(t, "concurrent", resp.Decision.LimitType)
	assert.Nil(t, resp.Session)
}

func TestHandler_UnknownTenantIsForbidden(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, "op-1", http.MethodPost, "/sessions", BeginRequest{TenantID: "t9", TargetUserID: "u"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "UNKNOWN_TENANT", decode[ErrorResponse](t, rec).Code)
}

func TestHandler_BadBody(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/admission/check", bytes.NewBufferString("{"))
	_, token, err := s.ja.Encode(map[string]interface{}{"sub": "op-1"})
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_CheckAdmission(t *testing.T) {
	s := newTestServer(t)
	s.begin(t, "op-1")

	rec := s.do(t, "op-1", http.MethodPost, "/admission/check", CheckRequest{TenantID: "t1"})
	require.Equal(t, http.StatusOK, rec.Code)
	d := decode[DecisionResponse](t, rec)
	assert.True(t, d.Allowed)
	assert.Equal(t, 8, d.Remaining)
}

func TestHandler_SessionLifecycle(t *testing.T) {
	s := newTestServer(t)
	session := s.begin(t, "op-1")

	rec := s.do(t, "op-1", http.MethodGet, "/sessions?tenant_id=t1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]SessionResponse](t, rec), 1)

	rec = s.do(t, "op-1", http.MethodGet, "/sessions/"+session.ID+"/duration?max_minutes=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[DurationResponse](t, rec).Exceeded)

	rec = s.do(t, "op-1", http.MethodGet, "/sessions/"+session.ID+"/duration?max_minutes=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, "op-1", http.MethodDelete, "/sessions/"+session.ID+"?tenant_id=t2", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "TENANT_MISMATCH", decode[ErrorResponse](t, rec).Code)

	rec = s.do(t, "op-1", http.MethodDelete, "/sessions/"+session.ID+"?tenant_id=t1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, decode[EndResponse](t, rec).DurationMinutes)

	rec = s.do(t, "op-1", http.MethodDelete, "/sessions/"+session.ID+"?tenant_id=t1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, "op-1", http.MethodGet, "/sessions/"+session.ID+"/duration", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	assert.Len(t, s.sink.ByAction(audit.ActionSessionEnd), 1)
}

func TestHandler_AdminTerminate(t *testing.T) {
	s := newTestServer(t)
	session := s.begin(t, "op-1")

	rec := s.do(t, "admin", http.MethodPost, "/admin/sessions/"+session.ID+"/terminate?tenant_id=t2", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, "admin", http.MethodPost, "/admin/sessions/"+session.ID+"/terminate?tenant_id=t1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[ResultResponse](t, rec).Success)

	rec = s.do(t, "admin", http.MethodGet, "/sessions?tenant_id=t1&operator_id=op-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]SessionResponse](t, rec))
}

func TestHandler_AdminStatsViolationsAndReset(t *testing.T) {
	s := newTestServer(t)
	limits := &LimitsOverride{MaxSessionsPerHour: 3}
	for i := 0; i < 3; i++ {
		rec := s.do(t, "op-1", http.MethodPost, "/sessions", BeginRequest{TenantID: "t1", TargetUserID: "u", Limits: limits})
		require.Equal(t, http.StatusCreated, rec.Code)
	}
	rec := s.do(t, "op-1", http.MethodPost, "/sessions", BeginRequest{TenantID: "t1", TargetUserID: "u", Limits: limits})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "hourly", decode[BeginResponse](t, rec).Decision.LimitType)

	rec = s.do(t, "admin", http.MethodGet, "/admin/stats?tenant_id=t1&operator_id=op-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[StatsResponse](t, rec)
	assert.Equal(t, 3, stats.HourlyCount)
	assert.Equal(t, 3, stats.ConcurrentSessions)
	assert.Equal(t, 1, stats.ViolationCount)

	rec = s.do(t, "admin", http.MethodGet, "/admin/violations?tenant_id=t1&operator_id=op-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	violations := decode[[]ViolationResponse](t, rec)
	require.Len(t, violations, 1)
	assert.Equal(t, "hourly", violations[0].LimitType)
	assert.Equal(t, "error", violations[0].Severity)

	rec = s.do(t, "admin", http.MethodDelete, "/admin/violations?tenant_id=t1&operator_id=op-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, "admin", http.MethodPost, "/admin/reset", ResetRequest{TenantID: "t1", OperatorID: "op-1"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[ResultResponse](t, rec).Success)

	rec = s.do(t, "admin", http.MethodGet, "/admin/stats?tenant_id=t1&operator_id=op-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats = decode[StatsResponse](t, rec)
	assert.Equal(t, 0, stats.HourlyCount)
	assert.Equal(t, 0, stats.ViolationCount)

	rec = s.do(t, "admin", http.MethodPost, "/admin/cleanup", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, decode[ResultResponse](t, rec).Count)
}

func TestRetryAfterSeconds(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, 1, retryAfterSeconds(now, now))
	assert.Equal(t, 1, retryAfterSeconds(now.Add(-time.Minute), now))
	assert.Equal(t, 91, retryAfterSeconds(now.Add(90*time.Second+time.Millisecond), now))
}

func TestToLimits(t *testing.T) {
	l, err := toLimits(nil)
	require.NoError(t, err)
	assert.Equal(t, admission.Limits{}, l)

	l, err = toLimits(&LimitsOverride{MaxConcurrentSessions: 2, WindowSizeMinutes: 15})
	require.NoError(t, err)
	assert.Equal(t, admission.Limits{MaxConcurrentSessions: 2, WindowSizeMinutes: 15}, l)
}

func TestToSessionResponse(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	h := &Handle{now: func() time.Time { return now }}
	s := admission.Session{
		ID:           "s1",
		OperatorID:   "op",
		TargetUserID: "user-1",
		TenantID:     "t1",
		StartedAt:    now.Add(-40 * time.Minute),
		ExpiresAt:    now.Add(-10 * time.Minute),
		Status:       admission.StatusActive,
	}

	resp, err := h.toSessionResponse(s)
	require.NoError(t, err)
	assert.Equal(t, "s1", resp.ID)
	assert.Equal(t, "user-1", resp.TargetUserID)
	assert.Equal(t, s.ExpiresAt, resp.ExpiresAt)
	assert.Equal(t, string(admission.StatusExpired), resp.Status)
}
