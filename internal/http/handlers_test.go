package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/rider-tracker/internal/auth"
	"github.com/example/rider-tracker/internal/location"
	"github.com/example/rider-tracker/internal/logging"
	"github.com/example/rider-tracker/internal/models"
	"github.com/example/rider-tracker/internal/session"
	"github.com/example/rider-tracker/internal/storage"
)

type fakeController struct {
	tracking  bool
	startErr  error
	stops     int
	toggles   int
	lifecycle []session.AppState
	rider     models.CachedIdentity
	loggedOut bool
}

func (f *fakeController) Start(context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.tracking = true
	return nil
}

func (f *fakeController) Stop(context.Context) error {
	f.stops++
	f.tracking = false
	return nil
}

func (f *fakeController) Toggle(context.Context) error {
	f.toggles++
	f.tracking = !f.tracking
	return nil
}

func (f *fakeController) IsTracking() bool { return f.tracking }

func (f *fakeController) RiderID() string { return f.rider.ID }

func (f *fakeController) Snapshot(context.Context) session.Snapshot {
	state := session.Stopped
	if f.tracking {
		state = session.Running
	}
	return session.Snapshot{State: state.String(), IsTracking: f.tracking, RiderID: f.rider.ID}
}

func (f *fakeController) ObserveLifecycle(s session.AppState) error {
	if s != session.AppActive && s != session.AppBackground && s != session.AppInactive {
		return session.ErrUnknownAppState
	}
	f.lifecycle = append(f.lifecycle, s)
	return nil
}

func (f *fakeController) Login(_ context.Context, id models.CachedIdentity) error {
	f.rider = id
	return nil
}

func (f *fakeController) Logout(context.Context) error {
	f.loggedOut = true
	return nil
}

type fakeDecoder struct{}

func (fakeDecoder) Decode(raw string) (models.CachedIdentity, error) {
	if raw != "good-token" {
		return models.CachedIdentity{}, auth.ErrInvalidToken
	}
	return models.CachedIdentity{ID: "R1", Name: "Asha", Phone: "9999999999"}, nil
}

type fixture struct {
	ctrl   *fakeController
	status *storage.StatusStore
	server *Server
}

func newFixture() *fixture {
	backend := storage.NewMemoryStore()
	f := &fixture{ctrl: &fakeController{}, status: storage.NewStatusStore(backend, logging.Discard())}
	f.server = NewServer(f.ctrl, storage.NewConfigStore(backend, logging.Discard()), f.status, fakeDecoder{}, logging.Discard())
	return f
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestStartAndSnapshot(t *testing.T) {
	f := newFixture()

	rec := f.do(http.MethodPost, "/api/v1/tracking/start", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[session.Snapshot](t, rec).IsTracking)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = f.do(http.MethodGet, "/api/v1/tracking", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "running", decode[session.Snapshot](t, rec).State)
}

func TestStopRequiresConfirmation(t *testing.T) {
	f := newFixture()
	f.ctrl.tracking = true

	for _, body := range []string{"", `{"confirm":false}`} {
		rec := f.do(http.MethodPost, "/api/v1/tracking/stop", body)
		require.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, StopConsequence, decode[errorBody](t, rec).Message)
	}
	assert.Zero(t, f.ctrl.stops)

	rec := f.do(http.MethodPost, "/api/v1/tracking/stop", `{"confirm":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, f.ctrl.stops)
	assert.False(t, f.ctrl.tracking)

	rec = f.do(http.MethodPost, "/api/v1/tracking/stop", `{"confirm":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestToggleConfirmsOnlyWhenStopping(t *testing.T) {
	f := newFixture()

	rec := f.do(http.MethodPost, "/api/v1/tracking/toggle", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, f.ctrl.tracking)

	rec = f.do(http.MethodPost, "/api/v1/tracking/toggle", "")
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.True(t, f.ctrl.tracking)

	rec = f.do(http.MethodPost, "/api/v1/tracking/toggle", `{"confirm":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, f.ctrl.tracking)
	assert.Equal(t, 2, f.ctrl.toggles)
}

func TestStartErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{session.ErrBusy, http.StatusConflict},
		{fmt.Errorf("%w: allow location access", session.ErrPermissionDenied), http.StatusForbidden},
		{session.ErrNoIdentity, http.StatusUnprocessableEntity},
		{fmt.Errorf("%w: no gps", location.ErrRegistration), http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			f := newFixture()
			f.ctrl.startErr = tt.err
			rec := f.do(http.MethodPost, "/api/v1/tracking/start", "")
			assert.Equal(t, tt.code, rec.Code)
			assert.Equal(t, tt.err.Error(), decode[errorBody](t, rec).Error)
		})
	}
}

func TestConfigRoundTrip(t *testing.T) {
	f := newFixture()

	rec := f.do(http.MethodGet, "/api/v1/tracking/config", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.DefaultTrackingConfig(), decode[models.TrackingConfig](t, rec))

	f.ctrl.tracking = true
	rec = f.do(http.MethodPatch, "/api/v1/tracking/config", `{"updateIntervalMs":60000}`)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[struct {
		Config models.TrackingConfig `json:"config"`
		Note   string                `json:"note"`
	}](t, rec)
	assert.Equal(t, models.TrackingConfig{UpdateIntervalMs: 60000, DistanceFilterMeters: 10}, resp.Config)
	assert.NotEmpty(t, resp.Note)

	rec = f.do(http.MethodPatch, "/api/v1/tracking/config", `nope`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusTimeAgo(t *testing.T) {
	f := newFixture()
	now := time.Date(2026, time.March, 19, 9, 0, 0, 0, time.UTC)
	f.server.Now = func() time.Time { return now }

	rec := f.do(http.MethodGet, "/api/v1/tracking/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[statusResponse](t, rec)
	assert.Nil(t, resp.LastSentTimestamp)
	assert.Equal(t, "never", resp.LastUpdate)

	f.status.Record(context.Background(), now.Add(-5*time.Minute))
	resp = decode[statusResponse](t, f.do(http.MethodGet, "/api/v1/tracking/status", ""))
	require.NotNil(t, resp.LastSentTimestamp)
	assert.Equal(t, "2026-03-19T08:55:00.000Z", *resp.LastSentTimestamp)
	assert.Equal(t, "5 minutes ago", resp.LastUpdate)
}

func TestLifecycleIsForwarded(t *testing.T) {
	f := newFixture()

	rec := f.do(http.MethodPost, "/api/v1/lifecycle", `{"state":"background"}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []session.AppState{session.AppBackground}, f.ctrl.lifecycle)

	rec = f.do(http.MethodPost, "/api/v1/lifecycle", `{"state":"asleep"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLoginLogout(t *testing.T) {
	f := newFixture()

	rec := f.do(http.MethodPost, "/api/v1/session/login", `{"token":"bad-token"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(http.MethodPost, "/api/v1/session/login", `{"token":"good-token"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, loginResponse{RiderID: "R1", Name: "Asha", Phone: "9999999999"}, decode[loginResponse](t, rec))
	assert.Equal(t, "R1", f.ctrl.rider.ID)

	rec = f.do(http.MethodPost, "/api/v1/session/logout", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.True(t, f.ctrl.loggedOut)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture()

	rec := f.do(http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	f.do(http.MethodPost, "/api/v1/tracking/start", "")
	rec = f.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "rider_tracker_http_requests_total")
}

func TestRecoverMiddleware(t *testing.T) {
	f := newFixture()
	f.server.mux.HandleFunc("/panic", func(http.ResponseWriter, *http.Request) { panic("handler bug") })

	rec := f.do(http.MethodGet, "/panic", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRequestLogsCarryRider(t *testing.T) {
	var logs bytes.Buffer
	f := newFixture()
	f.server.logger = logging.New(&logs, "info")
	f.ctrl.rider = models.CachedIdentity{ID: "R1"}

	f.do(http.MethodGet, "/api/v1/tracking/status", "")
	assert.Empty(t, logs.String(), "status polling is debug only")

	f.do(http.MethodPost, "/api/v1/tracking/start", "")
	line := logs.String()
	assert.Contains(t, line, `"msg":"http_request"`)
	assert.Contains(t, line, `"rider_id":"R1"`)
	assert.Contains(t, line, `"tracking":true`)

	logs.Reset()
	f.do(http.MethodPost, "/api/v1/tracking/stop", `{}`)
	assert.Contains(t, logs.String(), `"level":"WARN"`)
}

func TestRequestLogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, requestLogLevel(http.MethodGet, http.StatusOK))
	assert.Equal(t, slog.LevelInfo, requestLogLevel(http.MethodPost, http.StatusOK))
	assert.Equal(t, slog.LevelWarn, requestLogLevel(http.MethodPost, http.StatusConflict))
	assert.Equal(t, slog.LevelError, requestLogLevel(http.MethodGet, http.StatusInternalServerError))
}
