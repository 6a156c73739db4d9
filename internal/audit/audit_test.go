package audit

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oktsec/attestd/internal/attest"
	"github.com/oktsec/attestd/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memorySink struct {
	mu     sync.Mutex
	events []attest.SecurityEvent
}

func (m *memorySink) Append(_ context.Context, e attest.SecurityEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func TestRecorder_StampsAndFansOut(t *testing.T) {
	a, b := &memorySink{}, &memorySink{}
	failing := SinkFunc(func(context.Context, attest.SecurityEvent) error { return errors.New("disk full") })
	r := NewRecorder(discardLogger(), a, failing, b)
	fixed := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return fixed }

	out := r.Record(context.Background(),
		attest.SecurityEvent{EventType: attest.EventReportFailed, Severity: attest.SeverityMedium, DeviceID: "d1"},
		attest.SecurityEvent{ID: "keep", Timestamp: fixed.Add(-time.Hour), EventType: attest.EventAdminAction, DeviceID: "d1"},
	)

	require.Len(t, out, 2)
	assert.NotEmpty(t, out[0].ID)
	assert.Equal(t, fixed, out[0].Timestamp)
	assert.Equal(t, "keep", out[1].ID)
	assert.Equal(t, fixed.Add(-time.Hour), out[1].Timestamp)

	assert.Len(t, a.events, 2, "failing sink does not stop the others")
	assert.Len(t, b.events, 2)
	assert.Equal(t, out[0].ID, b.events[0].ID)
}

func TestLogSink(t *testing.T) {
	s := LogSink{Logger: discardLogger()}
	assert.NoError(t, s.Append(context.Background(), attest.SecurityEvent{Severity: attest.SeverityCritical}))
}

func TestValidateWebhookURL(t *testing.T) {
	tests := []struct {
		url     string
		wantErr bool
	}{
		{"https://hooks.slack.com/services/T00/B00/xxx", false},
		{"http://example.com/webhook", false},
		{"ftp://example.com/file", true},
		{"https://127.0.0.1/webhook", true},
		{"https://10.0.0.1/webhook", true},
		{"https://192.168.1.1/webhook", true},
		{"https://[::1]/webhook", true},
		{"https://[::ffff:127.0.0.1]/webhook", true},
		{"https://0x7f000001/webhook", true},
		{"https://0177.0.0.1/webhook", true},
		{"https://2130706433/webhook", true},
		{"not-a-url", true},
	}
	for _, tc := range tests {
		err := validateWebhookURL(tc.url)
		if (err != nil) != tc.wantErr {
			t.Errorf("validateWebhookURL(%q) err=%v, wantErr=%v", tc.url, err, tc.wantErr)
		}
	}
}

func TestIsBlockedAddr(t *testing.T) {
	assert.True(t, isBlockedAddr(netip.MustParseAddr("169.254.169.254")))
	assert.True(t, isBlockedAddr(netip.MustParseAddr("fe80::1")))
	assert.False(t, isBlockedAddr(netip.MustParseAddr("93.184.216.34")))
}

func TestNewWebhookSink_SkipsInvalidURLs(t *testing.T) {
	s := NewWebhookSink([]config.Webhook{
		{URL: "https://valid.example.com/hook"},
		{URL: "https://127.0.0.1/bad"},
		{URL: "https://also-valid.example.com/hook"},
	}, discardLogger())
	defer s.Close()
	assert.Len(t, s.hooks, 2)
}

func TestMatches(t *testing.T) {
	critical := attest.SecurityEvent{EventType: attest.EventDeviceCompromised, Severity: attest.SeverityCritical}
	low := attest.SecurityEvent{EventType: attest.EventReportVerified, Severity: attest.SeverityLow}

	assert.True(t, matches(config.Webhook{}, low))
	assert.False(t, matches(config.Webhook{MinSeverity: "high"}, low))
	assert.True(t, matches(config.Webhook{MinSeverity: "high"}, critical))
	assert.True(t, matches(config.Webhook{Events: []string{attest.EventDeviceCompromised}}, critical))
	assert.False(t, matches(config.Webhook{Events: []string{attest.EventDeviceCompromised}}, low))
}

func TestRender(t *testing.T) {
	e := WebhookEvent{Event: "device_compromised", Severity: "critical", DeviceID: "d1", ReportID: "r1", Timestamp: "2026-05-01T00:00:00Z"}

	body, err := render("", e)
	require.NoError(t, err)
	var plain WebhookEvent
	require.NoError(t, json.Unmarshal(body, &plain))
	assert.Equal(t, "d1", plain.DeviceID)

	body, err = render("{{EVENT}} on {{DEVICE}} ({{SEVERITY}}) report {{REPORT}} at {{TIMESTAMP}}", e)
	require.NoError(t, err)
	var slack map[string]string
	require.NoError(t, json.Unmarshal(body, &slack))
	assert.Equal(t, "device_compromised on d1 (critical) report r1 at 2026-05-01T00:00:00Z", slack["text"])
}

func TestWebhookSink_Delivers(t *testing.T) {
	received := make(chan WebhookEvent, 4)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var e WebhookEvent
		b, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(b, &e); err == nil {
			received <- e
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	s := newWebhookSink([]config.Webhook{{URL: ts.URL, MinSeverity: "high"}}, ts.Client(), discardLogger())
	ctx := context.Background()
	require.NoError(t, s.Append(ctx, attest.SecurityEvent{ID: "e1", EventType: attest.EventReportVerified, Severity: attest.SeverityLow, DeviceID: "d1"}))
	require.NoError(t, s.Append(ctx, attest.SecurityEvent{ID: "e2", EventType: attest.EventDeviceCompromised, Severity: attest.SeverityCritical, DeviceID: "d1"}))
	s.Close()

	require.Len(t, received, 1)
	got := <-received
	assert.Equal(t, "e2", got.EventID)
	assert.Equal(t, "device_compromised", got.Event)

	assert.Error(t, s.Append(ctx, attest.SecurityEvent{}), "closed sink rejects events")
}
