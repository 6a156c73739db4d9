package mcp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oktsec/attestd/internal/attest"
	"github.com/oktsec/attestd/internal/store"
)

var t0 = time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)

func seedStore(t *testing.T) *store.SQL {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := store.OpenSQLite(filepath.Join(t.TempDir(), "mcp.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	d := &attest.Device{
		ID:                 "dev-1",
		Serial:             "SN-100",
		Class:              "gateway",
		PublicKeys:         []attest.PublicKey{{Algorithm: "ed25519", Key: []byte{1, 2, 3}}},
		Status:             attest.StatusActive,
		TrustLevel:         attest.TrustUnknown,
		AttestationEnabled: true,
		ExpectedInterval:   time.Hour,
		NextSequence:       1,
		CreatedAt:          t0,
		UpdatedAt:          t0,
	}
	require.NoError(t, s.CreateDevice(ctx, d))

	for i, id := range []string{"rep-1", "rep-2"} {
		at := t0.Add(time.Duration(i) * time.Minute)
		r := &attest.Report{
			ID:          id,
			DeviceID:    d.ID,
			Sequence:    d.NextSequence,
			SubmittedAt: at,
			ReportPayload: attest.ReportPayload{
				ReportVersion:      "1",
				Timestamp:          at,
				Nonce:              "n-" + id,
				Measurements:       []attest.Measurement{{Index: 0, Type: "firmware", Algorithm: "sha256", Value: "00"}},
				Signature:          []byte("sig"),
				SignatureAlgorithm: "ed25519",
			},
			VerificationStatus: attest.VerificationPending,
			TrustLevel:         attest.TrustUnknown,
			ComplianceStatus:   attest.ComplianceUnknown,
		}
		d.NextSequence++
		require.NoError(t, s.SubmitReport(ctx, r, d))
	}

	r, err := s.GetReport(ctx, "rep-1")
	require.NoError(t, err)
	idx := 0
	r.VerificationStatus = attest.VerificationVerified
	r.VerificationTimestamp = t0.Add(time.Second)
	r.TrustScore = 75
	r.TrustLevel = attest.TrustMedium
	r.ComplianceStatus = attest.ComplianceNonCompliant
	r.PolicyViolations = []attest.Violation{{PolicyID: "baseline", Rule: "pcr_mismatch", Severity: attest.SeverityHigh, Index: &idx}}
	d.LastAppliedSequence = 1
	d.Status = attest.StatusMaintenance
	require.NoError(t, s.ApplyVerification(ctx, r, d))

	require.NoError(t, s.AppendEvent(ctx, attest.SecurityEvent{
		ID: "ev-1", Timestamp: t0, EventType: attest.EventPolicyViolation, Severity: attest.SeverityHigh,
		DeviceID: d.ID, ReportID: "rep-1", Description: "policy violation",
	}))
	require.NoError(t, s.AppendEvent(ctx, attest.SecurityEvent{
		ID: "ev-2", Timestamp: t0.Add(time.Second), EventType: attest.EventReportSubmitted, Severity: attest.SeverityLow,
		DeviceID: d.ID, ReportID: "rep-2", Description: "report submitted",
	}))
	return s
}

func connect(t *testing.T, s *store.SQL) *mcp.ClientSession {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	srv := NewServer(s, "test", logger)
	ct, st := mcp.NewInMemoryTransports()
	ss, err := srv.Connect(ctx, st, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ss.Close() })

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "1.0"}, nil)
	cs, err := client.Connect(ctx, ct, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cs.Close() })
	return cs
}

func call(t *testing.T, cs *mcp.ClientSession, name string, args map[string]any) (string, bool) {
	t.Helper()
	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	require.NoError(t, err)
	require.NotEmpty(t, res.Content)
	tc, ok := res.Content[0].(*mcp.TextContent)
	require.True(t, ok, "expected text content, got %T", res.Content[0])
	return tc.Text, res.IsError
}

func TestListTools(t *testing.T) {
	cs := connect(t, seedStore(t))
	res, err := cs.ListTools(context.Background(), nil)
	require.NoError(t, err)

	names := map[string]bool{}
	for _, tool := range res.Tools {
		names[tool.Name] = true
		require.NotNil(t, tool.Annotations, tool.Name)
		assert.True(t, tool.Annotations.ReadOnlyHint, tool.Name)
	}
	for _, want := range []string{"query_reports", "get_report", "get_device", "attestation_stats", "query_events"} {
		assert.True(t, names[want], "missing tool %s", want)
	}
}

func TestQueryReports(t *testing.T) {
	cs := connect(t, seedStore(t))

	text, isErr := call(t, cs, "query_reports", map[string]any{"device_id": "dev-1"})
	require.False(t, isErr, text)
	var out struct {
		Count   int              `json:"count"`
		Reports []*attest.Report `json:"reports"`
	}
	require.NoError(t, json.Unmarshal([]byte(text), &out))
	assert.Equal(t, 2, out.Count)

	text, isErr = call(t, cs, "query_reports", map[string]any{"status": "verified"})
	require.False(t, isErr, text)
	require.NoError(t, json.Unmarshal([]byte(text), &out))
	require.Equal(t, 1, out.Count)
	assert.Equal(t, "rep-1", out.Reports[0].ID)

	text, isErr = call(t, cs, "query_reports", map[string]any{"compliance": "compliant"})
	require.False(t, isErr, text)
	require.NoError(t, json.Unmarshal([]byte(text), &out))
	assert.Equal(t, 0, out.Count)
	assert.NotNil(t, out.Reports)

	text, isErr = call(t, cs, "query_reports", map[string]any{"since": "yesterday"})
	assert.True(t, isErr)
	assert.Contains(t, text, "RFC 3339")
}

func TestGetReport(t *testing.T) {
	cs := connect(t, seedStore(t))

	text, isErr := call(t, cs, "get_report", map[string]any{"report_id": "rep-1"})
	require.False(t, isErr, text)
	var r attest.Report
	require.NoError(t, json.Unmarshal([]byte(text), &r))
	assert.Equal(t, 75, r.TrustScore)
	assert.Equal(t, attest.ComplianceNonCompliant, r.ComplianceStatus)
	require.Len(t, r.PolicyViolations, 1)
	assert.Equal(t, "pcr_mismatch", r.PolicyViolations[0].Rule)

	text, isErr = call(t, cs, "get_report", map[string]any{"report_id": "missing"})
	assert.True(t, isErr)
	assert.Contains(t, text, "not found")

	_, isErr = call(t, cs, "get_report", map[string]any{})
	assert.True(t, isErr)
}

func TestGetDevice(t *testing.T) {
	cs := connect(t, seedStore(t))

	for _, args := range []map[string]any{{"device_id": "dev-1"}, {"serial": "SN-100"}} {
		text, isErr := call(t, cs, "get_device", args)
		require.False(t, isErr, text)
		var d attest.Device
		require.NoError(t, json.Unmarshal([]byte(text), &d))
		assert.Equal(t, "dev-1", d.ID)
		assert.Equal(t, attest.StatusMaintenance, d.Status)
	}

	text, isErr := call(t, cs, "get_device", map[string]any{"serial": "SN-404"})
	assert.True(t, isErr)
	assert.Contains(t, text, "not found")

	_, isErr = call(t, cs, "get_device", nil)
	assert.True(t, isErr)
}

func TestAttestationStats(t *testing.T) {
	s := seedStore(t)
	// Drive the handler directly so the clock can be pinned.
	h := &handlers{store: s, logger: slog.New(slog.NewTextHandler(io.Discard, nil)), now: func() time.Time { return t0.Add(time.Hour) }}
	res, err := h.handleStats(context.Background(), request(t, map[string]any{"period": "2h"}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	var st store.Stats
	require.NoError(t, json.Unmarshal([]byte(res.Content[0].(*mcp.TextContent).Text), &st))
	assert.Equal(t, 2, st.Total)
	assert.Equal(t, 1, st.ByStatus[attest.VerificationVerified])
	assert.Equal(t, 1, st.ByStatus[attest.VerificationPending])
	assert.Equal(t, 1, st.ByTrustLevel[attest.TrustMedium])

	res, err = h.handleStats(context.Background(), request(t, map[string]any{"period": "10m"}))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(res.Content[0].(*mcp.TextContent).Text), &st))
	assert.Equal(t, 0, st.Total)

	res, err = h.handleStats(context.Background(), request(t, map[string]any{"period": "-1h"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestQueryEvents(t *testing.T) {
	cs := connect(t, seedStore(t))

	text, isErr := call(t, cs, "query_events", map[string]any{"device_id": "dev-1"})
	require.False(t, isErr, text)
	var out struct {
		Count  int                    `json:"count"`
		Events []attest.SecurityEvent `json:"events"`
	}
	require.NoError(t, json.Unmarshal([]byte(text), &out))
	require.Equal(t, 2, out.Count)
	assert.Equal(t, "ev-2", out.Events[0].ID, "newest first")

	text, isErr = call(t, cs, "query_events", map[string]any{"severity": "high", "limit": 5})
	require.False(t, isErr, text)
	require.NoError(t, json.Unmarshal([]byte(text), &out))
	require.Equal(t, 1, out.Count)
	assert.Equal(t, attest.EventPolicyViolation, out.Events[0].EventType)
}

func request(t *testing.T, args map[string]any) *mcp.CallToolRequest {
	t.Helper()
	raw, err := json.Marshal(args)
	require.NoError(t, err)
	return &mcp.CallToolRequest{Params: &mcp.CallToolParamsRaw{Name: "attestation_stats", Arguments: raw}}
}
