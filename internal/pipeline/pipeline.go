// Package pipeline runs attestation reports from submission to a terminal,
// persisted verdict. Submit persists a pending report and schedules it on
// the worker pool; verification admits reports through the replay guard in
// per-device sequence order, checks signatures and policies concurrently,
// and commits report and device state in sequence order again.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/oktsec/attestd/internal/attest"
	"github.com/oktsec/attestd/internal/device"
	"github.com/oktsec/attestd/internal/identity"
	"github.com/oktsec/attestd/internal/metrics"
	"github.com/oktsec/attestd/internal/policy"
	"github.com/oktsec/attestd/internal/replay"
	"github.com/oktsec/attestd/internal/store"
	"github.com/oktsec/attestd/internal/worker"
)

const tracerName = "github.com/oktsec/attestd/internal/pipeline"

// Store is the persistence the pipeline needs.
type Store interface {
	store.DeviceStore
	store.ReportStore
	store.EventStore
}

// Recorder stamps and fans out security events.
type Recorder interface {
	Record(ctx context.Context, events ...attest.SecurityEvent) []attest.SecurityEvent
}

// Deps are the collaborators of a Pipeline. Metrics may be nil.
type Deps struct {
	Store    Store
	Guard    *replay.Guard
	Verifier identity.Verifier
	Policies policy.Source
	Engine   *policy.Engine
	Machine  *device.Machine
	Events   Recorder
	Executor worker.Executor
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// RetryPolicy bounds retries of storage operations.
type RetryPolicy struct {
	Attempts     int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// Config tunes the pipeline. Zero values select defaults.
type Config struct {
	SignatureTimeout time.Duration
	PendingTTL       time.Duration
	SweepInterval    time.Duration
	Retry            RetryPolicy
	EligibleStatuses []attest.DeviceStatus
}

// Defaults.
const (
	DefaultSignatureTimeout = 30 * time.Second
	DefaultPendingTTL       = 15 * time.Minute
	DefaultSweepInterval    = time.Minute
)

// DefaultEligibleStatuses accept submissions from every non-terminal,
// non-quarantined device. Maintenance is included on top of active and
// provisioning: a device leaves maintenance only through a compliant
// report, so refusing its submissions would strand it there.
var DefaultEligibleStatuses = []attest.DeviceStatus{
	attest.StatusProvisioning, attest.StatusActive, attest.StatusMaintenance,
}

func (c *Config) applyDefaults() {
	if c.SignatureTimeout <= 0 {
		c.SignatureTimeout = DefaultSignatureTimeout
	}
	if c.PendingTTL <= 0 {
		c.PendingTTL = DefaultPendingTTL
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.Retry.Attempts <= 0 {
		c.Retry.Attempts = 3
	}
	if c.Retry.InitialDelay <= 0 {
		c.Retry.InitialDelay = 50 * time.Millisecond
	}
	if c.Retry.MaxDelay < c.Retry.InitialDelay {
		c.Retry.MaxDelay = time.Second
	}
	if len(c.EligibleStatuses) == 0 {
		c.EligibleStatuses = DefaultEligibleStatuses
	}
}

// Receipt acknowledges an accepted submission.
type Receipt struct {
	ReportID string `json:"report_id"`
	Sequence int64  `json:"sequence"`
	Status   string `json:"status"`
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// Pipeline verifies attestation reports.
type Pipeline struct {
	store    Store
	guard    *replay.Guard
	verifier identity.Verifier
	policies policy.Source
	engine   *policy.Engine
	machine  *device.Machine
	events   Recorder
	exec     worker.Executor
	metrics  *metrics.Metrics
	logger   *slog.Logger
	tracer   trace.Tracer
	cfg      Config
	now      func() time.Time

	seq    *sequencer
	flight singleflight.Group
	locks  *keyedMutex

	// life bounds background verification; Close cancels it.
	life   context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	inflight map[string]bool
}

// New builds a pipeline. Store, Guard, Verifier, Policies and Executor are
// required.
func New(d Deps, cfg Config, opts ...Option) (*Pipeline, error) {
	switch {
	case d.Store == nil:
		return nil, errors.New("pipeline: store is required")
	case d.Guard == nil:
		return nil, errors.New("pipeline: replay guard is required")
	case d.Verifier == nil:
		return nil, errors.New("pipeline: verifier is required")
	case d.Policies == nil:
		return nil, errors.New("pipeline: policy source is required")
	case d.Executor == nil:
		return nil, errors.New("pipeline: executor is required")
	}
	cfg.applyDefaults()
	if d.Engine == nil {
		d.Engine = policy.NewEngine()
	}
	if d.Machine == nil {
		d.Machine = device.NewMachine(0, 0)
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Events == nil {
		d.Events = nopRecorder{}
	}

	life, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		store:    d.Store,
		guard:    d.Guard,
		verifier: d.Verifier,
		policies: d.Policies,
		engine:   d.Engine,
		machine:  d.Machine,
		events:   d.Events,
		exec:     d.Executor,
		metrics:  d.Metrics,
		logger:   d.Logger,
		tracer:   otel.Tracer(tracerName),
		cfg:      cfg,
		now:      time.Now,
		seq:      newSequencer(),
		locks:    newKeyedMutex(),
		life:     life,
		cancel:   cancel,
		inflight: make(map[string]bool),
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Close stops background verification. Reports interrupted mid-flight stay
// pending and are picked up by Recover or the sweeper.
func (p *Pipeline) Close() {
	p.cancel()
}

// Submit validates and persists a report and schedules its verification.
// It returns without waiting for the verdict.
func (p *Pipeline) Submit(ctx context.Context, deviceID string, payload attest.ReportPayload) (Receipt, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.Submit", trace.WithAttributes(attribute.String("device.id", deviceID)))
	defer span.End()

	if err := attest.ValidatePayload(payload); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Receipt{}, err
	}

	unlock := p.locks.lock(deviceID)
	defer unlock()

	var r *attest.Report
	err := p.retry(ctx, "submit", func() error {
		d, err := p.store.GetDevice(ctx, deviceID)
		if err != nil {
			return err
		}
		if !device.Eligible(d, p.cfg.EligibleStatuses) {
			return &attest.ReasonError{
				Reason: attest.ReasonDeviceNotEligible,
				Err:    fmt.Errorf("%w: device %s is %s (attestation enabled: %t)", attest.ErrDeviceNotEligible, d.ID, d.Status, d.AttestationEnabled),
			}
		}
		now := p.now().UTC()
		r = &attest.Report{
			ID:                 uuid.NewString(),
			DeviceID:           d.ID,
			Sequence:           d.NextSequence,
			SubmittedAt:        now,
			ReportPayload:      clonePayload(payload),
			VerificationStatus: attest.VerificationPending,
			TrustLevel:         attest.TrustUnknown,
			ComplianceStatus:   attest.ComplianceUnknown,
			PolicyViolations:   []attest.Violation{},
		}
		d.NextSequence++
		d.UpdatedAt = now
		return p.store.SubmitReport(ctx, r, d)
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Receipt{}, err
	}
	span.SetAttributes(attribute.String("report.id", r.ID), attribute.Int64("report.sequence", r.Sequence))

	p.seq.register(r.DeviceID, r.Sequence)
	p.metrics.ReportSubmitted()
	p.events.Record(ctx, attest.SecurityEvent{
		EventType:   attest.EventReportSubmitted,
		Severity:    attest.SeverityLow,
		DeviceID:    r.DeviceID,
		ReportID:    r.ID,
		Description: fmt.Sprintf("report %d submitted", r.Sequence),
		Metadata:    map[string]string{"nonce": r.Nonce, "algorithm": r.SignatureAlgorithm},
	})
	p.logger.Debug("report submitted", "device_id", r.DeviceID, "report_id", r.ID, "sequence", r.Sequence)

	p.schedule(r, modeVerify)
	return Receipt{ReportID: r.ID, Sequence: r.Sequence, Status: "submitted"}, nil
}

// Verify returns the verdict for a report, running verification now if the
// report is still pending. Terminal reports are returned as stored.
// Concurrent calls for the same report share one verification.
func (p *Pipeline) Verify(ctx context.Context, reportID string) (*attest.Report, error) {
	r, err := p.store.GetReport(ctx, reportID)
	if err != nil {
		return nil, err
	}
	if r.VerificationStatus.Terminal() {
		return r, nil
	}
	return p.await(ctx, reportID, modeVerify)
}

// Reverify is Verify for an operator who asks for a fresh evaluation. A
// terminal report is immutable: the stored verdict is returned and the
// attempt is recorded as a security event.
func (p *Pipeline) Reverify(ctx context.Context, reportID, actor string) (*attest.Report, error) {
	r, err := p.store.GetReport(ctx, reportID)
	if err != nil {
		return nil, err
	}
	if !r.VerificationStatus.Terminal() {
		return p.await(ctx, reportID, modeVerify)
	}
	p.events.Record(ctx, attest.SecurityEvent{
		EventType:   attest.EventReverifyAttempt,
		Severity:    attest.SeverityLow,
		DeviceID:    r.DeviceID,
		ReportID:    r.ID,
		Description: fmt.Sprintf("re-verification of %s report refused; stored verdict returned", r.VerificationStatus),
		Metadata:    map[string]string{"actor": actor, "status": string(r.VerificationStatus)},
	})
	return r, nil
}

// GetReport returns a stored report.
func (p *Pipeline) GetReport(ctx context.Context, id string) (*attest.Report, error) {
	return p.store.GetReport(ctx, id)
}

// QueryReports lists reports matching the filter, newest first.
func (p *Pipeline) QueryReports(ctx context.Context, f store.ReportFilter, page store.Page) ([]*attest.Report, error) {
	return p.store.FindReports(ctx, f, page)
}

// QueryEvents lists security events matching the filter, newest first.
func (p *Pipeline) QueryEvents(ctx context.Context, f store.EventFilter, page store.Page) ([]attest.SecurityEvent, error) {
	return p.store.QueryEvents(ctx, f, page)
}

// Stats counts reports submitted during the last period. A non-positive
// period means the last 24 hours.
func (p *Pipeline) Stats(ctx context.Context, period time.Duration) (store.Stats, error) {
	if period <= 0 {
		period = 24 * time.Hour
	}
	now := p.now().UTC()
	return p.store.ReportStats(ctx, now.Add(-period), now)
}

type mode int

const (
	modeVerify mode = iota
	modeExpire
)

// await runs process for the report once across concurrent callers. The
// work is bound to the pipeline lifetime, not the caller: a caller that
// gives up does not abort a verification others may be waiting on.
func (p *Pipeline) await(ctx context.Context, reportID string, m mode) (*attest.Report, error) {
	ch := p.flight.DoChan(reportID, func() (any, error) {
		pctx := trace.ContextWithSpanContext(p.life, trace.SpanContextFromContext(ctx))
		return p.process(pctx, reportID, m)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*attest.Report).Clone(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// schedule hands a report to the executor unless it is already queued.
// The task is gated on the device's earlier reports passing admission, so
// it takes a worker slot only once it can make progress. A slot holder
// then waits at most on reports that are already past admission and
// running.
func (p *Pipeline) schedule(r *attest.Report, m mode) {
	reportID := r.ID
	p.mu.Lock()
	if p.inflight[reportID] {
		p.mu.Unlock()
		return
	}
	p.inflight[reportID] = true
	p.mu.Unlock()

	release := func() {
		p.mu.Lock()
		delete(p.inflight, reportID)
		p.mu.Unlock()
	}
	gate := func(ctx context.Context) error {
		ctx, stop := context.WithCancel(ctx)
		defer stop()
		defer context.AfterFunc(p.life, stop)()
		if err := p.seq.waitAdmit(ctx, r.DeviceID, r.Sequence); err != nil {
			release()
			return err
		}
		return nil
	}
	_, err := p.exec.SubmitAfter(gate, func(ctx context.Context) {
		defer release()
		if _, err := p.await(ctx, reportID, m); err != nil {
			p.logger.Error("background verification failed", "report_id", reportID, "error", err)
		}
	})
	if err != nil {
		release()
		p.logger.Warn("could not schedule verification; sweeper will retry", "report_id", reportID, "error", err)
	}
}

func (p *Pipeline) isInflight(reportID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inflight[reportID]
}

func clonePayload(p attest.ReportPayload) attest.ReportPayload {
	r := (&attest.Report{ReportPayload: p}).Clone()
	return r.ReportPayload
}

type nopRecorder struct{}

func (nopRecorder) Record(_ context.Context, events ...attest.SecurityEvent) []attest.SecurityEvent {
	return events
}
