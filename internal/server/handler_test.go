package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oktsec/attestd/internal/attest"
	"github.com/oktsec/attestd/internal/audit"
	"github.com/oktsec/attestd/internal/identity"
	"github.com/oktsec/attestd/internal/metrics"
	"github.com/oktsec/attestd/internal/pipeline"
	"github.com/oktsec/attestd/internal/policy"
	"github.com/oktsec/attestd/internal/replay"
	"github.com/oktsec/attestd/internal/store"
	"github.com/oktsec/attestd/internal/worker"
)

var zeros = strings.Repeat("00", 32)

type testEnv struct {
	ts  *httptest.Server
	reg *identity.Registry
	kp  *identity.Keypair
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEnv(t *testing.T, limiter *RateLimiter) *testEnv {
	t.Helper()
	logger := discardLogger()
	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "attestd.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	reg := identity.NewRegistry(identity.DefaultSchemes()...)
	kp, err := identity.GenerateKeypair(reg, "edge-1", identity.AlgEd25519)
	require.NoError(t, err)

	set, err := policy.NewSet("1", policy.Policy{ID: "pcr", Kind: policy.KindPCRBaseline, Baseline: map[int]string{0: zeros}})
	require.NoError(t, err)

	m := metrics.New()
	p, err := pipeline.New(pipeline.Deps{
		Store:    st,
		Guard:    replay.NewGuard(st, 0, 0),
		Verifier: reg,
		Policies: policy.NewStatic(set),
		Events:   audit.NewRecorder(logger, audit.SinkFunc(st.AppendEvent), m),
		Executor: worker.Inline{},
		Metrics:  m,
		Logger:   logger,
	}, pipeline.Config{})
	require.NoError(t, err)
	t.Cleanup(p.Close)

	ts := httptest.NewServer(NewHandler(p, Options{Version: "test", Limiter: limiter, Metrics: m.Handler(), Tracing: true}, logger))
	t.Cleanup(ts.Close)
	return &testEnv{ts: ts, reg: reg, kp: kp}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, rd)
	require.NoError(t, err)
	resp, err := e.ts.Client().Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func (e *testEnv) register(t *testing.T, serial string) *attest.Device {
	t.Helper()
	resp, body := e.do(t, http.MethodPost, "/v1/devices", registerRequest{
		Serial:            serial,
		Class:             "gateway",
		PublicKeys:        []attest.PublicKey{{Algorithm: e.kp.Algorithm, Key: e.kp.PublicKey}},
		ExpectedIntervalS: 3600,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var d attest.Device
	require.NoError(t, json.Unmarshal(body, &d))
	return &d
}

func (e *testEnv) signed(t *testing.T, serial, nonce, pcr0 string) attest.ReportPayload {
	t.Helper()
	p := attest.ReportPayload{
		ReportVersion: "1",
		Timestamp:     time.Now().UTC().Add(-time.Second),
		Nonce:         nonce,
		Measurements:  []attest.Measurement{{Index: 0, Type: "pcr", Algorithm: "sha256", Value: pcr0}},
	}
	require.NoError(t, identity.SignReport(e.reg, e.kp, serial, &p))
	return p
}

func TestAPI_SubmitAndFetch(t *testing.T) {
	e := newTestEnv(t, nil)
	d := e.register(t, "EDGE-1")
	assert.Equal(t, attest.StatusProvisioning, d.Status)

	resp, body := e.do(t, http.MethodPost, "/v1/devices/"+d.ID+"/actions/activate", actionRequest{Actor: "ops", Reason: "commissioned"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	resp, body = e.do(t, http.MethodPost, "/v1/devices/"+d.ID+"/reports", e.signed(t, d.Serial, "n-1", strings.Repeat("11", 32)))
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	var rcpt pipeline.Receipt
	require.NoError(t, json.Unmarshal(body, &rcpt))
	assert.Equal(t, "submitted", rcpt.Status)
	assert.Equal(t, "/v1/reports/"+rcpt.ReportID, resp.Header.Get("Location"))

	resp, body = e.do(t, http.MethodGet, "/v1/reports/"+rcpt.ReportID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rep attest.Report
	require.NoError(t, json.Unmarshal(body, &rep))
	assert.Equal(t, attest.VerificationVerified, rep.VerificationStatus)
	assert.Equal(t, attest.ComplianceNonCompliant, rep.ComplianceStatus)
	assert.Equal(t, 75, rep.TrustScore)

	resp, body = e.do(t, http.MethodGet, "/v1/devices/"+d.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got attest.Device
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, attest.StatusMaintenance, got.Status)

	resp, body = e.do(t, http.MethodGet, "/v1/reports?device_id="+d.ID+"&compliance=non_compliant", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Reports []attest.Report `json:"reports"`
		Count   int             `json:"count"`
	}
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Equal(t, 1, list.Count)

	resp, body = e.do(t, http.MethodPost, "/v1/reports/"+rcpt.ReportID+"/verify?reverify=true&actor=auditor", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = e.do(t, http.MethodGet, "/v1/events?report_id="+rcpt.ReportID+"&event_type=reverification_attempt", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var evs struct {
		Events []attest.SecurityEvent `json:"events"`
	}
	require.NoError(t, json.Unmarshal(body, &evs))
	require.Len(t, evs.Events, 1)
	assert.Equal(t, "auditor", evs.Events[0].Metadata["actor"])

	resp, body = e.do(t, http.MethodGet, "/v1/stats?period=1h", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st store.Stats
	require.NoError(t, json.Unmarshal(body, &st))
	assert.Equal(t, 1, st.Total)
}

func TestAPI_ErrorMapping(t *testing.T) {
	e := newTestEnv(t, nil)
	d := e.register(t, "EDGE-1")

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"unknown report", http.MethodGet, "/v1/reports/nope", nil, http.StatusNotFound, "not_found"},
		{"unknown device", http.MethodGet, "/v1/devices/nope", nil, http.StatusNotFound, "not_found"},
		{"duplicate serial", http.MethodPost, "/v1/devices", registerRequest{Serial: "EDGE-1", PublicKeys: []attest.PublicKey{{Algorithm: "ed25519", Key: []byte{1}}}}, http.StatusConflict, "conflict"},
		{"device without keys", http.MethodPost, "/v1/devices", registerRequest{Serial: "EDGE-2"}, http.StatusBadRequest, "invalid_request"},
		{"invalid payload", http.MethodPost, "/v1/devices/" + d.ID + "/reports", attest.ReportPayload{}, http.StatusBadRequest, "invalid_request"},
		{"unknown field", http.MethodPost, "/v1/devices/" + d.ID + "/reports", map[string]string{"bogus": "x"}, http.StatusBadRequest, "invalid_request"},
		{"bad transition", http.MethodPost, "/v1/devices/" + d.ID + "/actions/reinstate", actionRequest{Actor: "ops"}, http.StatusConflict, "invalid_transition"},
		{"unknown action", http.MethodPost, "/v1/devices/" + d.ID + "/actions/explode", actionRequest{Actor: "ops"}, http.StatusBadRequest, ""},
		{"bad period", http.MethodGet, "/v1/stats?period=soon", nil, http.StatusBadRequest, ""},
		{"bad limit", http.MethodGet, "/v1/reports?limit=-1", nil, http.StatusBadRequest, ""},
		{"bad since", http.MethodGet, "/v1/events?since=yesterday", nil, http.StatusBadRequest, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := e.do(t, tc.method, tc.path, tc.body)
			assert.Equal(t, tc.status, resp.StatusCode, string(body))
			var eb errorBody
			require.NoError(t, json.Unmarshal(body, &eb))
			assert.NotEmpty(t, eb.Error)
			if tc.code != "" {
				assert.Equal(t, tc.code, eb.Code)
			}
		})
	}
}

func TestAPI_IneligibleDevice(t *testing.T) {
	e := newTestEnv(t, nil)
	d := e.register(t, "EDGE-1")
	resp, _ := e.do(t, http.MethodPost, "/v1/devices/"+d.ID+"/actions/compromise", actionRequest{Actor: "soc", Reason: "tamper alarm"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := e.do(t, http.MethodPost, "/v1/devices/"+d.ID+"/reports", e.signed(t, d.Serial, "n-1", zeros))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	var eb errorBody
	require.NoError(t, json.Unmarshal(body, &eb))
	assert.Equal(t, attest.ReasonDeviceNotEligible, eb.Code)
}

func TestAPI_RateLimit(t *testing.T) {
	e := newTestEnv(t, NewRateLimiter(2, 60))
	d := e.register(t, "EDGE-1")

	for i, nonce := range []string{"a", "b"} {
		resp, body := e.do(t, http.MethodPost, "/v1/devices/"+d.ID+"/reports", e.signed(t, d.Serial, nonce, zeros))
		require.Equal(t, http.StatusAccepted, resp.StatusCode, "submission %d: %s", i, body)
	}
	resp, _ := e.do(t, http.MethodPost, "/v1/devices/"+d.ID+"/reports", e.signed(t, d.Serial, "c", zeros))
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "60", resp.Header.Get("Retry-After"))
}

func TestAPI_HealthMetricsAndHeaders(t *testing.T) {
	e := newTestEnv(t, nil)

	resp, body := e.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"status":"ok"`)
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	d := e.register(t, "EDGE-1")
	e.do(t, http.MethodPost, "/v1/devices/"+d.ID+"/reports", e.signed(t, d.Serial, "n-1", zeros))

	resp, body = e.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "attestd_reports_submitted_total")
}

func TestHandler_MountsDashboard(t *testing.T) {
	var seen []string
	dash := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.URL.Path)
		w.Header().Set("Content-Security-Policy", "style-src 'unsafe-inline'")
		w.WriteHeader(http.StatusTeapot)
	})
	h := NewHandler(nil, Options{Dashboard: dash}, discardLogger())

	for _, path := range []string{"/dashboard", "/dashboard/devices/abc"} {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusTeapot, w.Code, path)
		assert.Equal(t, "style-src 'unsafe-inline'", w.Header().Get("Content-Security-Policy"))
		assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	}
	assert.Equal(t, []string{"/dashboard", "/dashboard/devices/abc"}, seen)
}

func TestRequestID_KeepsValidIncomingID(t *testing.T) {
	h := requestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, RequestID(r.Context()))
	}))

	const id = "6f1c1d0e-4a53-4f57-9d2c-8a6f0a0e3b11"
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", id)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, id, rec.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "<script>")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.NotEqual(t, "<script>", rec.Body.String())
	assert.Len(t, rec.Body.String(), 36)
}

func TestRecovery(t *testing.T) {
	h := recovery(discardLogger())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"error":"internal server error"}`, rec.Body.String())
}

func TestLogging_TagsDeviceAndRoute(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/devices/{id}", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	h := requestID(logging(logger)(mux))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/devices/dev-9", nil))
	line := buf.String()
	assert.Contains(t, line, "device_id=dev-9")
	assert.Contains(t, line, `route="GET /v1/devices/{id}"`)
	assert.Contains(t, line, "bytes=2")
}

func TestRateLimiter_SlidingWindow(t *testing.T) {
	rl := NewRateLimiter(2, 10)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("d1"))
	assert.True(t, rl.Allow("d1"))
	assert.False(t, rl.Allow("d1"))
	assert.True(t, rl.Allow("d2"), "limits are per device")

	now = now.Add(11 * time.Second)
	assert.True(t, rl.Allow("d1"))

	now = now.Add(time.Minute)
	rl.Prune()
	assert.Empty(t, rl.counters)

	var unlimited *RateLimiter
	assert.True(t, unlimited.Allow("d1"))
	assert.True(t, NewRateLimiter(0, 0).Allow("d1"))
}

func TestServer_StartShutdown(t *testing.T) {
	srv, err := New("127.0.0.1", 0, http.NotFoundHandler(), discardLogger())
	require.NoError(t, err)
	assert.NotZero(t, srv.Port())

	done := make(chan error, 1)
	go func() { done <- srv.Start() }()

	resp, err := http.Get("http://" + srv.Addr() + "/")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	assert.NoError(t, <-done)
}
