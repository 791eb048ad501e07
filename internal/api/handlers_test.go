package api

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/p-arndt/voicepool/internal/events"
	"github.com/p-arndt/voicepool/internal/pool"
	"github.com/p-arndt/voicepool/internal/session"
	"github.com/p-arndt/voicepool/internal/store"
	"github.com/p-arndt/voicepool/internal/testutil"
)

const testKey = "test-api-key"

type testAPI struct {
	srv     *Server
	handler http.Handler
	mgr     *MockSessionService
	pool    *MockPoolStats
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	mgr := &MockSessionService{}
	ps := &MockPoolStats{}
	srv := NewServer(testutil.TestConfig(), mgr, ps, testutil.Logger())
	t.Cleanup(func() {
		mgr.AssertExpectations(t)
		ps.AssertExpectations(t)
	})
	return &testAPI{srv: srv, handler: srv.Handler(), mgr: mgr, pool: ps}
}

func (a *testAPI) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, testutil.AuthRequest(t, method, path, testKey, body))
	return rec
}

func TestConnect_Success(t *testing.T) {
	a := newTestAPI(t)
	a.mgr.On("Connect", mock.Anything).Return(&session.ConnectResult{
		SessionID: "s-1",
		RoomURL:   "https://example.daily.co/room-1",
		Token:     "user-token",
	}, nil)

	rec := a.do(t, "POST", "/connect", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	testutil.DecodeJSON(t, rec, &body)
	assert.Equal(t, map[string]string{
		"session_id": "s-1",
		"room_url":   "https://example.daily.co/room-1",
		"token":      "user-token",
	}, body)
}

func TestConnect_Exhausted(t *testing.T) {
	a := newTestAPI(t)
	a.mgr.On("Connect", mock.Anything).Return(nil, fmt.Errorf("%w: provisioning failed", pool.ErrExhausted))

	rec := a.do(t, "POST", "/connect", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body map[string]any
	testutil.DecodeJSON(t, rec, &body)
	assert.Equal(t, "No available rooms", body["error"])
	assert.Equal(t, ErrCodePoolExhausted, body["error_code"])
}

func TestConnect_WorkerSpawnFailed(t *testing.T) {
	a := newTestAPI(t)
	a.mgr.On("Connect", mock.Anything).Return(nil, fmt.Errorf("%w: exec: not found", session.ErrWorkerSpawn))

	rec := a.do(t, "POST", "/connect", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	var apiErr APIError
	testutil.DecodeJSON(t, rec, &apiErr)
	assert.Equal(t, ErrCodeWorkerSpawnFailed, apiErr.Code)
}

func TestConnect_ShuttingDown(t *testing.T) {
	a := newTestAPI(t)
	a.mgr.On("Connect", mock.Anything).Return(nil, session.ErrShuttingDown)

	rec := a.do(t, "POST", "/connect", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestConnect_RequiresAuth(t *testing.T) {
	a := newTestAPI(t)

	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, testutil.JSONRequest(t, "POST", "/connect", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestStatus(t *testing.T) {
	a := newTestAPI(t)
	a.mgr.On("Status", "s-1").Return(&session.Info{
		SessionID: "s-1",
		Status:    session.StatusActive,
		Metrics:   map[string]any{"interruptions": 0, "total_turns": 3},
		RoomURL:   "https://example.daily.co/room-1",
		CreatedAt: time.Now().UTC(),
	}, nil)

	rec := a.do(t, "GET", "/status/s-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		SessionID string         `json:"session_id"`
		Status    string         `json:"status"`
		Metrics   map[string]any `json:"metrics"`
	}
	testutil.DecodeJSON(t, rec, &body)
	assert.Equal(t, "s-1", body.SessionID)
	assert.Equal(t, "active", body.Status)
	assert.Equal(t, float64(3), body.Metrics["total_turns"])
}

func TestStatus_NotFound(t *testing.T) {
	a := newTestAPI(t)
	a.mgr.On("Status", "nope").Return(nil, fmt.Errorf("%w: nope", session.ErrNotFound))

	rec := a.do(t, "GET", "/status/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	var apiErr APIError
	testutil.DecodeJSON(t, rec, &apiErr)
	assert.Equal(t, ErrCodeSessionNotFound, apiErr.Code)
}

func TestDisconnect_AlwaysSucceeds(t *testing.T) {
	a := newTestAPI(t)
	a.mgr.On("Disconnect", mock.Anything, "s-1").Return(nil)
	a.mgr.On("Disconnect", mock.Anything, "s-2").Return(errors.New("docker unreachable"))

	for _, id := range []string{"s-1", "s-2"} {
		rec := a.do(t, "POST", "/disconnect/"+id, nil)
		assert.Equal(t, http.StatusOK, rec.Code)

		var body map[string]bool
		testutil.DecodeJSON(t, rec, &body)
		assert.True(t, body["success"])
	}
}

func TestDisconnect_DetachedFromRequestCancel(t *testing.T) {
	a := newTestAPI(t)
	a.mgr.On("Disconnect", mock.Anything, "s-1").Run(func(args mock.Arguments) {
		ctx := args.Get(0).(interface{ Done() <-chan struct{} })
		assert.Nil(t, ctx.Done(), "disconnect context must not be cancellable")
	}).Return(nil)

	rec := a.do(t, "POST", "/disconnect/s-1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestListSessions(t *testing.T) {
	a := newTestAPI(t)
	a.mgr.On("List").Return([]string{"s-1", "s-2"})

	rec := a.do(t, "GET", "/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var ids []string
	testutil.DecodeJSON(t, rec, &ids)
	assert.Equal(t, []string{"s-1", "s-2"}, ids)
}

func TestListSessions_Empty(t *testing.T) {
	a := newTestAPI(t)
	a.mgr.On("List").Return([]string{})

	rec := a.do(t, "GET", "/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))
}

func TestListSessions_Detail(t *testing.T) {
	a := newTestAPI(t)
	a.mgr.On("Sessions").Return([]session.Info{{SessionID: "s-1", Status: session.StatusSleeping}})

	rec := a.do(t, "GET", "/sessions?detail=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var infos []session.Info
	testutil.DecodeJSON(t, rec, &infos)
	require.Len(t, infos, 1)
	assert.Equal(t, session.StatusSleeping, infos[0].Status)
}

func TestWakeAndSleep(t *testing.T) {
	a := newTestAPI(t)
	a.mgr.On("Wake", "s-1").Return(&session.ActionResult{Success: true, Message: "session is active"}, nil)
	a.mgr.On("Sleep", "s-1").Return(&session.ActionResult{Message: "session is initializing, cannot sleep"}, nil)

	rec := a.do(t, "POST", "/wake/s-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var res session.ActionResult
	testutil.DecodeJSON(t, rec, &res)
	assert.True(t, res.Success)

	rec = a.do(t, "POST", "/sleep/s-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	res = session.ActionResult{}
	testutil.DecodeJSON(t, rec, &res)
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Message)
}

func TestWake_NotFound(t *testing.T) {
	a := newTestAPI(t)
	a.mgr.On("Wake", "nope").Return(nil, fmt.Errorf("%w: nope", session.ErrNotFound))

	rec := a.do(t, "POST", "/wake/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReport(t *testing.T) {
	a := newTestAPI(t)
	want := session.Report{Status: "idle", Metrics: map[string]any{"total_turns": float64(4)}}
	a.mgr.On("Report", "s-1", want).Return(nil)

	rec := a.do(t, "POST", "/report/s-1", map[string]any{
		"status":  "idle",
		"metrics": map[string]any{"total_turns": 4},
	})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReport_EmptyBody(t *testing.T) {
	a := newTestAPI(t)
	a.mgr.On("Report", "s-1", session.Report{}).Return(nil)

	rec := a.do(t, "POST", "/report/s-1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReport_InvalidStatus(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, "POST", "/report/s-1", map[string]string{"status": "ended"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var apiErr APIError
	testutil.DecodeJSON(t, rec, &apiErr)
	assert.Equal(t, ErrCodeInvalidRequest, apiErr.Code)
	a.mgr.AssertNotCalled(t, "Report", mock.Anything, mock.Anything)
}

func TestReport_InvalidJSON(t *testing.T) {
	a := newTestAPI(t)

	req := httptest.NewRequest("POST", "/report/s-1", strings.NewReader("{invalid"))
	req.Header.Set("Authorization", "Bearer "+testKey)
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReport_EndedSession(t *testing.T) {
	a := newTestAPI(t)
	a.mgr.On("Report", "s-1", session.Report{Status: "active"}).
		Return(fmt.Errorf("%w: session s-1 has ended", session.ErrInvalidTransition))

	rec := a.do(t, "POST", "/report/s-1", map[string]string{"status": "active"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestPoolStats(t *testing.T) {
	a := newTestAPI(t)
	a.pool.On("Stats").Return(pool.Stats{Size: 2, Target: 3, InFlight: 1})

	rec := a.do(t, "GET", "/pool", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var st pool.Stats
	testutil.DecodeJSON(t, rec, &st)
	assert.Equal(t, pool.Stats{Size: 2, Target: 3, InFlight: 1}, st)
}

func TestHistory_Disabled(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, "GET", "/history", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	var apiErr APIError
	testutil.DecodeJSON(t, rec, &apiErr)
	assert.Equal(t, ErrCodeFeatureDisabled, apiErr.Code)
}

func TestHistory(t *testing.T) {
	a := newTestAPI(t)
	h := &MockHistoryLister{}
	a.srv.SetHistory(h)
	h.On("ListHistory", 10).Return([]*store.Record{testutil.TestRecord("s-1")}, nil)

	rec := a.do(t, "GET", "/history?limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var recs []store.Record
	testutil.DecodeJSON(t, rec, &recs)
	require.Len(t, recs, 1)
	assert.Equal(t, "s-1", recs[0].ID)
	h.AssertExpectations(t)
}

func TestHistory_LimitDefaultsAndCaps(t *testing.T) {
	a := newTestAPI(t)
	h := &MockHistoryLister{}
	a.srv.SetHistory(h)
	h.On("ListHistory", defaultListLimit).Return([]*store.Record{}, nil).Once()
	h.On("ListHistory", maxListLimit).Return([]*store.Record{}, nil).Once()

	assert.Equal(t, http.StatusOK, a.do(t, "GET", "/history", nil).Code)
	assert.Equal(t, http.StatusOK, a.do(t, "GET", "/history?limit=100000", nil).Code)
	assert.Equal(t, http.StatusBadRequest, a.do(t, "GET", "/history?limit=-3", nil).Code)
	h.AssertExpectations(t)
}

func TestHistory_RealStore(t *testing.T) {
	a := newTestAPI(t)
	st := testutil.NewTestStore(t)
	require.NoError(t, st.RecordStart(testutil.TestRecord("s-1")))
	require.NoError(t, st.RecordEnd("s-1", string(session.CauseDisconnect), time.Now().UTC()))
	a.srv.SetHistory(st)

	rec := a.do(t, "GET", "/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var recs []store.Record
	testutil.DecodeJSON(t, rec, &recs)
	require.Len(t, recs, 1)
	assert.Equal(t, "disconnect", recs[0].Cause)
	assert.NotNil(t, recs[0].EndedAt)
}

func TestEvents(t *testing.T) {
	a := newTestAPI(t)
	assert.Equal(t, http.StatusNotFound, a.do(t, "GET", "/events", nil).Code)

	er := &MockEventReader{}
	a.srv.SetEvents(er)
	er.On("Recent", mock.Anything, 5).Return([]events.Event{
		{Type: events.TypeSessionEnded, SessionID: "s-1", Cause: "exited"},
	}, nil)

	rec := a.do(t, "GET", "/events?limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var evs []events.Event
	testutil.DecodeJSON(t, rec, &evs)
	require.Len(t, evs, 1)
	assert.Equal(t, events.TypeSessionEnded, evs[0].Type)
	er.AssertExpectations(t)
}

func TestHealthz_NoAuth(t *testing.T) {
	a := newTestAPI(t)

	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

func TestMetrics_NoAuth(t *testing.T) {
	a := newTestAPI(t)

	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "voicepool_")
}

func TestMetrics_Disabled(t *testing.T) {
	cfg := testutil.TestConfig()
	cfg.Metrics.Enabled = false
	srv := NewServer(cfg, &MockSessionService{}, &MockPoolStats{}, testutil.Logger())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
