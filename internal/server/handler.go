package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/oktsec/attestd/internal/attest"
	"github.com/oktsec/attestd/internal/device"
	"github.com/oktsec/attestd/internal/pipeline"
	"github.com/oktsec/attestd/internal/store"
)

const maxBodyBytes = 1 << 20

// Service is the attestation API the handlers expose. *pipeline.Pipeline
// implements it.
type Service interface {
	RegisterDevice(ctx context.Context, reg pipeline.Registration) (*attest.Device, error)
	GetDevice(ctx context.Context, id string) (*attest.Device, error)
	ListDevices(ctx context.Context, f store.DeviceFilter) ([]*attest.Device, error)
	Administer(ctx context.Context, deviceID string, action device.Action, actor, reason string) (*attest.Device, error)

	Submit(ctx context.Context, deviceID string, payload attest.ReportPayload) (pipeline.Receipt, error)
	Verify(ctx context.Context, reportID string) (*attest.Report, error)
	Reverify(ctx context.Context, reportID, actor string) (*attest.Report, error)
	GetReport(ctx context.Context, id string) (*attest.Report, error)
	QueryReports(ctx context.Context, f store.ReportFilter, p store.Page) ([]*attest.Report, error)
	QueryEvents(ctx context.Context, f store.EventFilter, p store.Page) ([]attest.SecurityEvent, error)
	Stats(ctx context.Context, period time.Duration) (store.Stats, error)
}

var _ Service = (*pipeline.Pipeline)(nil)

// Options configures the handler.
type Options struct {
	Version string
	// Limiter throttles report submissions per device. Nil disables it.
	Limiter *RateLimiter
	// Metrics serves GET /metrics when set.
	Metrics http.Handler
	// Tracing wraps the handler with OpenTelemetry instrumentation.
	Tracing bool
	// Dashboard is mounted under /dashboard when set.
	Dashboard http.Handler
}

type api struct {
	svc     Service
	opts    Options
	logger  *slog.Logger
	started time.Time
}

// NewHandler returns the attestd HTTP API with middleware applied.
func NewHandler(svc Service, opts Options, logger *slog.Logger) http.Handler {
	a := &api{svc: svc, opts: opts, logger: logger, started: time.Now()}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/devices", a.registerDevice)
	mux.HandleFunc("GET /v1/devices", a.listDevices)
	mux.HandleFunc("GET /v1/devices/{id}", a.getDevice)
	mux.HandleFunc("POST /v1/devices/{id}/actions/{action}", a.deviceAction)
	mux.HandleFunc("POST /v1/devices/{id}/reports", a.submitReport)
	mux.HandleFunc("GET /v1/reports", a.queryReports)
	mux.HandleFunc("GET /v1/reports/{id}", a.getReport)
	mux.HandleFunc("POST /v1/reports/{id}/verify", a.verifyReport)
	mux.HandleFunc("GET /v1/stats", a.stats)
	mux.HandleFunc("GET /v1/events", a.queryEvents)
	mux.HandleFunc("GET /health", a.health)
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics)
	}
	if opts.Dashboard != nil {
		mux.Handle("/dashboard", opts.Dashboard)
		mux.Handle("/dashboard/", opts.Dashboard)
	}

	var h http.Handler = mux
	h = securityHeaders(h)
	h = logging(logger)(h)
	h = recovery(logger)(h)
	h = requestID(h)
	if opts.Tracing {
		h = otelhttp.NewHandler(h, "attestd",
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				if r.Pattern != "" {
					return r.Pattern
				}
				return r.Method + " " + r.URL.Path
			}),
		)
	}
	return h
}

func (a *api) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": a.opts.Version,
		"uptime":  time.Since(a.started).Round(time.Second).String(),
	})
}

// registerRequest is the body of POST /v1/devices.
type registerRequest struct {
	Serial            string             `json:"serial"`
	Class             string             `json:"class"`
	PublicKeys        []attest.PublicKey `json:"public_keys"`
	ExpectedIntervalS int                `json:"expected_interval_s"`
}

func (a *api) registerDevice(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decode(w, r, &req) {
		return
	}
	d, err := a.svc.RegisterDevice(r.Context(), pipeline.Registration{
		Serial:           req.Serial,
		Class:            req.Class,
		PublicKeys:       req.PublicKeys,
		ExpectedInterval: time.Duration(req.ExpectedIntervalS) * time.Second,
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (a *api) listDevices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	devices, err := a.svc.ListDevices(r.Context(), store.DeviceFilter{
		Status: attest.DeviceStatus(q.Get("status")),
		Class:  q.Get("class"),
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if devices == nil {
		devices = []*attest.Device{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

func (a *api) getDevice(w http.ResponseWriter, r *http.Request) {
	d, err := a.svc.GetDevice(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// actionRequest is the body of POST /v1/devices/{id}/actions/{action}.
type actionRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

func (a *api) deviceAction(w http.ResponseWriter, r *http.Request) {
	action, err := device.ParseAction(r.PathValue("action"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	var req actionRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Actor == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "actor is required"})
		return
	}
	d, err := a.svc.Administer(r.Context(), r.PathValue("id"), action, req.Actor, req.Reason)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (a *api) submitReport(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("id")
	if !a.opts.Limiter.Allow(deviceID) {
		w.Header().Set("Retry-After", strconv.Itoa(a.opts.Limiter.RetryAfter()))
		writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "rate limit exceeded", Code: "rate_limited"})
		return
	}
	var payload attest.ReportPayload
	if !decode(w, r, &payload) {
		return
	}
	rcpt, err := a.svc.Submit(r.Context(), deviceID, payload)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/reports/"+rcpt.ReportID)
	writeJSON(w, http.StatusAccepted, rcpt)
}

func (a *api) getReport(w http.ResponseWriter, r *http.Request) {
	rep, err := a.svc.GetReport(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// verifyReport finishes a pending report, or returns the stored verdict.
// ?reverify=true&actor=name asks for a fresh evaluation, which is refused
// and audited for terminal reports.
func (a *api) verifyReport(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	q := r.URL.Query()
	var (
		rep *attest.Report
		err error
	)
	if q.Get("reverify") == "true" {
		actor := q.Get("actor")
		if actor == "" {
			actor = "api"
		}
		rep, err = a.svc.Reverify(r.Context(), id, actor)
	} else {
		rep, err = a.svc.Verify(r.Context(), id)
	}
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (a *api) queryReports(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := parsePage(q.Get("limit"), q.Get("offset"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	since, err := parseTime(q.Get("since"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	until, err := parseTime(q.Get("until"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	reports, err := a.svc.QueryReports(r.Context(), store.ReportFilter{
		DeviceID:   q.Get("device_id"),
		Status:     attest.VerificationStatus(q.Get("status")),
		Compliance: attest.ComplianceStatus(q.Get("compliance")),
		TrustLevel: attest.TrustLevel(q.Get("trust_level")),
		Since:      since,
		Until:      until,
	}, page)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if reports == nil {
		reports = []*attest.Report{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"reports": reports, "count": len(reports)})
}

func (a *api) queryEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := parsePage(q.Get("limit"), q.Get("offset"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	since, err := parseTime(q.Get("since"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	events, err := a.svc.QueryEvents(r.Context(), store.EventFilter{
		DeviceID:  q.Get("device_id"),
		ReportID:  q.Get("report_id"),
		EventType: q.Get("event_type"),
		Severity:  attest.Severity(q.Get("severity")),
		Since:     since,
	}, page)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if events == nil {
		events = []attest.SecurityEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

func (a *api) stats(w http.ResponseWriter, r *http.Request) {
	period := 24 * time.Hour
	if s := r.URL.Query().Get("period"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: fmt.Sprintf("invalid period %q", s)})
			return
		}
		period = d
	}
	st, err := a.svc.Stats(r.Context(), period)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// writeError maps domain errors to HTTP status codes. Unexpected errors are
// logged and hidden from the client.
func (a *api) writeError(w http.ResponseWriter, r *http.Request, err error) {
	body := errorBody{Error: err.Error(), Code: attest.Reason(err)}
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, attest.ErrInvalidReport), errors.Is(err, attest.ErrInvalidDevice):
		status = http.StatusBadRequest
		body.Code = "invalid_request"
	case errors.Is(err, attest.ErrDeviceNotFound), errors.Is(err, attest.ErrReportNotFound):
		status = http.StatusNotFound
		body.Code = "not_found"
	case errors.Is(err, attest.ErrDeviceNotEligible):
		status = http.StatusForbidden
		body.Code = attest.ReasonDeviceNotEligible
	case errors.Is(err, attest.ErrDuplicateSerial), errors.Is(err, attest.ErrConflict):
		status = http.StatusConflict
		body.Code = "conflict"
	case errors.Is(err, device.ErrInvalidTransition):
		status = http.StatusConflict
		body.Code = "invalid_transition"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		status = http.StatusServiceUnavailable
		body = errorBody{Error: "request cancelled before the verdict was ready", Code: "unavailable"}
	default:
		a.logger.Error("request failed", "path", r.URL.Path, "request_id", RequestID(r.Context()), "error", err)
		body = errorBody{Error: "internal server error"}
	}
	writeJSON(w, status, body)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON: " + err.Error(), Code: "invalid_request"})
		return false
	}
	return true
}

func parsePage(limit, offset string) (store.Page, error) {
	var p store.Page
	var err error
	if limit != "" {
		if p.Limit, err = strconv.Atoi(limit); err != nil || p.Limit < 0 {
			return p, fmt.Errorf("invalid limit %q", limit)
		}
	}
	if offset != "" {
		if p.Offset, err = strconv.Atoi(offset); err != nil || p.Offset < 0 {
			return p, fmt.Errorf("invalid offset %q", offset)
		}
	}
	return p, nil
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: want RFC 3339", s)
	}
	return t, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Error("writeJSON: encode failed", "error", err)
	}
}
