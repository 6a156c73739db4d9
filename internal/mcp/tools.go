package mcp

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/oktsec/attestd/internal/attest"
	"github.com/oktsec/attestd/internal/mcputil"
	"github.com/oktsec/attestd/internal/store"
)

type handlers struct {
	store  Reader
	logger *slog.Logger
	now    func() time.Time
}

// --- Tool definitions ---

func readOnly() *mcp.ToolAnnotations {
	return &mcp.ToolAnnotations{ReadOnlyHint: true, IdempotentHint: true}
}

func schema(props map[string]any, required ...string) map[string]any {
	s := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func str(desc string) map[string]any { return map[string]any{"type": "string", "description": desc} }
func num(desc string) map[string]any { return map[string]any{"type": "number", "description": desc} }

func queryReportsTool() *mcp.Tool {
	return &mcp.Tool{
		Name: "query_reports",
		Description: "List attestation reports, newest first. Filter by device, verification status " +
			"(pending, verified, failed), compliance (compliant, non_compliant, unknown) or trust level.",
		InputSchema: schema(map[string]any{
			"device_id":   str("Device ID"),
			"status":      str("Verification status"),
			"compliance":  str("Compliance status"),
			"trust_level": str("Trust level: low, medium, high, critical, unknown"),
			"since":       str("Only reports submitted at or after this RFC 3339 time"),
			"limit":       num("Maximum reports to return (default 20)"),
		}),
		Annotations: readOnly(),
	}
}

func getReportTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        "get_report",
		Description: "Get one attestation report with its verdict, trust score and policy violations.",
		InputSchema: schema(map[string]any{"report_id": str("Report ID")}, "report_id"),
		Annotations: readOnly(),
	}
}

func getDeviceTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        "get_device",
		Description: "Get a device's status, trust level and last attestation result, by ID or serial.",
		InputSchema: schema(map[string]any{
			"device_id": str("Device ID"),
			"serial":    str("Device serial number (used when device_id is empty)"),
		}),
		Annotations: readOnly(),
	}
}

func statsTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        "attestation_stats",
		Description: "Count reports by verification status, trust level and compliance over a recent period.",
		InputSchema: schema(map[string]any{
			"period": str("Look-back period as a Go duration, e.g. 1h or 168h (default 24h)"),
		}),
		Annotations: readOnly(),
	}
}

func queryEventsTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        "query_events",
		Description: "List security events (replays, policy violations, compromises, admin actions), newest first.",
		InputSchema: schema(map[string]any{
			"device_id":  str("Device ID"),
			"report_id":  str("Report ID"),
			"event_type": str("Event type, e.g. replay_detected or device_compromised"),
			"severity":   str("Severity: low, medium, high, critical"),
			"limit":      num("Maximum events to return (default 20)"),
		}),
		Annotations: readOnly(),
	}
}

// --- Handlers ---

// lookupError turns not-found errors into tool errors the model can read;
// anything else is a protocol-level failure.
func (h *handlers) lookupError(tool string, err error) (*mcp.CallToolResult, error) {
	if errors.Is(err, attest.ErrDeviceNotFound) || errors.Is(err, attest.ErrReportNotFound) {
		return mcputil.ErrorResult(err.Error()), nil
	}
	h.logger.Error("mcp tool failed", "tool", tool, "error", err)
	return nil, err
}

func (h *handlers) handleQueryReports(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	a := mcputil.ParseArgs(req)
	f := store.ReportFilter{
		DeviceID:   a.String("device_id"),
		Status:     attest.VerificationStatus(a.String("status")),
		Compliance: attest.ComplianceStatus(a.String("compliance")),
		TrustLevel: attest.TrustLevel(a.String("trust_level")),
	}
	since, err := a.Time("since")
	if err != nil {
		return mcputil.ErrorResult(err.Error()), nil
	}
	f.Since = since
	reports, err := h.store.FindReports(ctx, f, store.Page{Limit: a.Int("limit", 20)})
	if err != nil {
		return h.lookupError("query_reports", err)
	}
	if reports == nil {
		reports = []*attest.Report{}
	}
	return mcputil.JSONResult(map[string]any{"count": len(reports), "reports": reports})
}

func (h *handlers) handleGetReport(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := mcputil.ParseArgs(req).String("report_id")
	if id == "" {
		return mcputil.ErrorResult("report_id is required"), nil
	}
	r, err := h.store.GetReport(ctx, id)
	if err != nil {
		return h.lookupError("get_report", err)
	}
	return mcputil.JSONResult(r)
}

func (h *handlers) handleGetDevice(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	a := mcputil.ParseArgs(req)
	var (
		d   *attest.Device
		err error
	)
	switch {
	case a.String("device_id") != "":
		d, err = h.store.GetDevice(ctx, a.String("device_id"))
	case a.String("serial") != "":
		d, err = h.store.GetDeviceBySerial(ctx, a.String("serial"))
	default:
		return mcputil.ErrorResult("device_id or serial is required"), nil
	}
	if err != nil {
		return h.lookupError("get_device", err)
	}
	return mcputil.JSONResult(d)
}

func (h *handlers) handleStats(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	period, err := mcputil.ParseArgs(req).Duration("period", 24*time.Hour)
	if err != nil {
		return mcputil.ErrorResult(err.Error()), nil
	}
	now := h.now().UTC()
	st, err := h.store.ReportStats(ctx, now.Add(-period), now)
	if err != nil {
		return h.lookupError("attestation_stats", err)
	}
	return mcputil.JSONResult(st)
}

func (h *handlers) handleQueryEvents(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	a := mcputil.ParseArgs(req)
	events, err := h.store.QueryEvents(ctx, store.EventFilter{
		DeviceID:  a.String("device_id"),
		ReportID:  a.String("report_id"),
		EventType: a.String("event_type"),
		Severity:  attest.Severity(a.String("severity")),
	}, store.Page{Limit: a.Int("limit", 20)})
	if err != nil {
		return h.lookupError("query_events", err)
	}
	if events == nil {
		events = []attest.SecurityEvent{}
	}
	return mcputil.JSONResult(map[string]any{"count": len(events), "events": events})
}
