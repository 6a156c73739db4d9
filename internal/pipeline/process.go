package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/oktsec/attestd/internal/attest"
	"github.com/oktsec/attestd/internal/device"
	"github.com/oktsec/attestd/internal/identity"
	"github.com/oktsec/attestd/internal/policy"
	"github.com/oktsec/attestd/internal/replay"
	"github.com/oktsec/attestd/internal/trust"
)

// failure is a terminal negative verdict.
type failure struct {
	reason    string
	detail    string
	escalates bool
}

// verdict is what the concurrent phase hands to the commit phase.
type verdict struct {
	fail        *failure
	result      policy.Result
	fingerprint string
	expired     bool
}

// process drives one pending report to a terminal state:
//
//	admit   replay guard, in sequence order per device
//	check   key lookup, signature, policy; concurrent across reports
//	commit  trust score, state machine, atomic write; in sequence order
//
// A report whose commit cannot be persisted stays pending and is retried
// by the sweeper.
func (p *Pipeline) process(ctx context.Context, reportID string, m mode) (*attest.Report, error) {
	start := p.now()
	ctx, span := p.tracer.Start(ctx, "pipeline.verify", trace.WithAttributes(attribute.String("report.id", reportID)))
	defer span.End()

	r, err := p.store.GetReport(ctx, reportID)
	if err != nil {
		return nil, err
	}
	if r.VerificationStatus.Terminal() {
		return r, nil
	}
	span.SetAttributes(attribute.String("device.id", r.DeviceID), attribute.Int64("report.sequence", r.Sequence))

	p.seq.register(r.DeviceID, r.Sequence)
	defer p.seq.done(r.DeviceID, r.Sequence)

	v, err := p.admit(ctx, r, m)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if v.fail == nil {
		if err := p.check(ctx, r, &v); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
	}

	if err := p.seq.waitCommit(ctx, r.DeviceID, r.Sequence); err != nil {
		return nil, err
	}
	final, events, err := p.commit(ctx, r, v)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		p.logger.Error("verification commit failed; report stays pending",
			"device_id", r.DeviceID, "report_id", r.ID, "error", err)
		return nil, err
	}
	if events == nil {
		// Someone else committed first.
		return final, nil
	}

	p.events.Record(ctx, events...)
	p.metrics.ReportCompleted(final, p.now().Sub(start))
	span.SetAttributes(
		attribute.String("report.status", string(final.VerificationStatus)),
		attribute.Int("report.trust_score", final.TrustScore),
	)
	p.logger.Info("report verified",
		"device_id", final.DeviceID,
		"report_id", final.ID,
		"sequence", final.Sequence,
		"status", final.VerificationStatus,
		"reason", final.FailureReason,
		"trust_score", final.TrustScore,
		"compliance", final.ComplianceStatus,
	)
	return final, nil
}

// admit runs the replay guard once every earlier report of the device has
// been admitted, so nonce first-use follows submission order.
func (p *Pipeline) admit(ctx context.Context, r *attest.Report, m mode) (verdict, error) {
	if err := p.seq.waitAdmit(ctx, r.DeviceID, r.Sequence); err != nil {
		return verdict{}, err
	}
	defer p.seq.admitted(r.DeviceID, r.Sequence)

	if m == modeExpire {
		return verdict{expired: true, fail: &failure{
			reason: attest.ReasonVerificationTimeout,
			detail: fmt.Sprintf("pending for longer than %s", p.cfg.PendingTTL),
		}}, nil
	}

	var dec replay.Decision
	err := p.retry(ctx, "replay check", func() error {
		var err error
		dec, err = p.guard.Check(ctx, replay.Claim{
			DeviceID:  r.DeviceID,
			ReportID:  r.ID,
			Nonce:     r.Nonce,
			Timestamp: r.Timestamp,
			At:        r.SubmittedAt,
		})
		return err
	})
	if err != nil {
		return verdict{}, fmt.Errorf("replay check: %w", err)
	}
	if !dec.Accepted {
		return verdict{fail: &failure{reason: dec.Reason, detail: replayDetail(dec.Reason, r)}}, nil
	}
	return verdict{}, nil
}

func replayDetail(reason string, r *attest.Report) string {
	switch reason {
	case attest.ReasonReplayDetected:
		return fmt.Sprintf("nonce %q already used by this device", r.Nonce)
	case attest.ReasonStaleReport:
		return fmt.Sprintf("report timestamp %s is older than the replay window", r.Timestamp.Format(time.RFC3339))
	case attest.ReasonFutureTimestamp:
		return fmt.Sprintf("report timestamp %s is ahead of the allowed clock skew", r.Timestamp.Format(time.RFC3339))
	}
	return reason
}

// check verifies the signature and, if it holds, evaluates policies. An
// error means the verdict could not be reached and the report stays pending.
func (p *Pipeline) check(ctx context.Context, r *attest.Report, v *verdict) error {
	var d *attest.Device
	err := p.retry(ctx, "load device", func() error {
		var err error
		d, err = p.store.GetDevice(ctx, r.DeviceID)
		return err
	})
	if err != nil {
		return err
	}

	fail, fingerprint, err := p.checkSignature(ctx, d, r)
	if err != nil {
		return err
	}
	if fail != nil {
		v.fail = fail
		return nil
	}
	v.fingerprint = fingerprint

	var policies []policy.Policy
	if set := p.policies.Current(); set != nil {
		policies = set.ForClass(d.Class)
	}
	v.result = p.engine.Evaluate(&r.ReportPayload, policies, p.now())
	return nil
}

func (p *Pipeline) checkSignature(ctx context.Context, d *attest.Device, r *attest.Report) (*failure, string, error) {
	key, ok := d.KeyFor(r.SignatureAlgorithm, r.SubmittedAt)
	if !ok {
		return &failure{
			reason:    attest.ReasonNoValidKey,
			detail:    fmt.Sprintf("no %s key valid at %s", r.SignatureAlgorithm, r.SubmittedAt.Format(time.RFC3339)),
			escalates: true,
		}, "", nil
	}

	ctx, span := p.tracer.Start(ctx, "pipeline.signature", trace.WithAttributes(attribute.String("signature.algorithm", r.SignatureAlgorithm)))
	defer span.End()

	sctx, cancel := context.WithTimeout(ctx, p.cfg.SignatureTimeout)
	defer cancel()

	start := time.Now()
	done := make(chan identity.VerifyResult, 1)
	go func() {
		done <- identity.VerifyReport(sctx, p.verifier, key, d.Serial, r.ReportPayload)
	}()

	var res identity.VerifyResult
	select {
	case res = <-done:
	case <-sctx.Done():
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		res = identity.VerifyResult{Error: sctx.Err()}
	}
	p.metrics.SignatureChecked(r.SignatureAlgorithm, time.Since(start))

	switch {
	case res.Verified:
		return nil, res.Fingerprint, nil
	case errors.Is(res.Error, identity.ErrSignatureInvalid):
		return &failure{reason: attest.ReasonInvalidSignature, detail: res.Error.Error(), escalates: true}, "", nil
	case errors.Is(res.Error, context.DeadlineExceeded):
		return &failure{
			reason:    attest.ReasonVerificationTimeout,
			detail:    fmt.Sprintf("signature check exceeded %s", p.cfg.SignatureTimeout),
			escalates: true,
		}, "", nil
	case ctx.Err() != nil:
		return nil, "", ctx.Err()
	default:
		detail := "verifier returned no verdict"
		if res.Error != nil {
			detail = res.Error.Error()
		}
		return &failure{reason: attest.ReasonVerificationError, detail: detail, escalates: true}, "", nil
	}
}

// commit persists the verdict together with the updated device. It reloads
// both rows on every attempt: the device may have been changed by an
// operator, and the report may have been finished by another node. A nil
// event slice with a nil error means the report was already terminal.
func (p *Pipeline) commit(ctx context.Context, r *attest.Report, v verdict) (*attest.Report, []attest.SecurityEvent, error) {
	var (
		final  *attest.Report
		events []attest.SecurityEvent
	)
	err := p.retry(ctx, "commit", func() error {
		cur, err := p.store.GetReport(ctx, r.ID)
		if err != nil {
			return err
		}
		if cur.VerificationStatus.Terminal() {
			final, events = cur, nil
			return nil
		}
		d, err := p.store.GetDevice(ctx, r.DeviceID)
		if err != nil {
			return err
		}

		at := p.now().UTC()
		next, outcome := p.judge(cur, d, v, at)

		var updated *attest.Device
		var deviceEvents []attest.SecurityEvent
		if cur.Sequence < d.LastAppliedSequence {
			// A later report already moved the device on; this verdict is
			// recorded but must not roll device state back.
			p.logger.Warn("late verdict recorded without device update",
				"device_id", d.ID, "report_id", cur.ID, "sequence", cur.Sequence, "last_applied", d.LastAppliedSequence)
			updated = d.Clone()
		} else {
			updated, deviceEvents = p.machine.Apply(d, outcome)
		}
		updated.UpdatedAt = at
		if err := device.CheckInvariants(updated); err != nil {
			return permanent(err)
		}
		if err := p.store.ApplyVerification(ctx, next, updated); err != nil {
			return err
		}

		final = next
		events = append([]attest.SecurityEvent{reportEvent(next, v)}, deviceEvents...)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return final, events, nil
}

// judge builds the terminal report and the state machine input.
func (p *Pipeline) judge(cur *attest.Report, d *attest.Device, v verdict, at time.Time) (*attest.Report, device.Outcome) {
	next := cur.Clone()
	next.VerificationTimestamp = at
	outcome := device.Outcome{ReportID: cur.ID, Sequence: cur.Sequence, At: at}

	if v.fail != nil {
		a := trust.Score(false, policy.Result{}, trust.SnapshotOf(d), at)
		next.VerificationStatus = attest.VerificationFailed
		next.FailureReason = v.fail.reason
		next.VerificationDetails = v.fail.detail
		next.TrustScore = a.Score
		next.TrustLevel = a.Level
		next.ComplianceStatus = attest.ComplianceUnknown
		next.PolicyViolations = []attest.Violation{}

		outcome.Kind = device.OutcomeFailed
		outcome.Reason = v.fail.reason
		outcome.Escalates = v.fail.escalates
		outcome.Assessment = a
		return next, outcome
	}

	a := trust.Score(true, v.result, trust.SnapshotOf(d), at)
	next.VerificationStatus = attest.VerificationVerified
	next.TrustScore = a.Score
	next.TrustLevel = a.Level
	next.PolicyViolations = v.result.Violations
	if next.PolicyViolations == nil {
		next.PolicyViolations = []attest.Violation{}
	}
	next.ComplianceStatus = attest.ComplianceNonCompliant
	if v.result.Compliant {
		next.ComplianceStatus = attest.ComplianceCompliant
	}
	next.VerificationDetails = "signature verified with key " + v.fingerprint
	if n := len(next.PolicyViolations); n > 0 {
		next.VerificationDetails += fmt.Sprintf("; %d policy violation(s)", n)
	}

	outcome.Kind = device.OutcomeVerified
	outcome.Compliant = v.result.Compliant
	outcome.Assessment = a
	return next, outcome
}

// reportEvent is the audit record of a terminal report.
func reportEvent(r *attest.Report, v verdict) attest.SecurityEvent {
	e := attest.SecurityEvent{
		DeviceID: r.DeviceID,
		ReportID: r.ID,
		Metadata: map[string]string{
			"sequence":    fmt.Sprint(r.Sequence),
			"trust_score": fmt.Sprint(r.TrustScore),
			"trust_level": string(r.TrustLevel),
		},
	}
	switch {
	case r.VerificationStatus == attest.VerificationVerified && r.ComplianceStatus == attest.ComplianceCompliant:
		e.EventType = attest.EventReportVerified
		e.Severity = attest.SeverityLow
		e.Description = fmt.Sprintf("report verified, trust score %d (%s)", r.TrustScore, r.TrustLevel)

	case r.VerificationStatus == attest.VerificationVerified:
		e.EventType = attest.EventPolicyViolation
		e.Severity = maxSeverity(r.PolicyViolations)
		rules := make([]string, 0, len(r.PolicyViolations))
		for _, vi := range r.PolicyViolations {
			rules = append(rules, vi.PolicyID+"/"+vi.Rule)
		}
		e.Description = fmt.Sprintf("%d policy violation(s), trust score %d (%s)", len(r.PolicyViolations), r.TrustScore, r.TrustLevel)
		e.Metadata["violations"] = strings.Join(rules, ",")

	case v.expired:
		e.EventType = attest.EventVerificationExpired
		e.Severity = attest.SeverityMedium
		e.Description = "report expired before verification: " + r.VerificationDetails
		e.Metadata["reason"] = r.FailureReason

	case r.FailureReason == attest.ReasonReplayDetected:
		e.EventType = attest.EventReplayDetected
		e.Severity = attest.SeverityHigh
		e.Description = r.VerificationDetails
		e.Metadata["nonce"] = r.Nonce

	default:
		e.EventType = attest.EventReportFailed
		e.Severity = attest.SeverityHigh
		if v.fail != nil && !v.fail.escalates {
			e.Severity = attest.SeverityMedium
		}
		e.Description = fmt.Sprintf("verification failed (%s): %s", r.FailureReason, r.VerificationDetails)
		e.Metadata["reason"] = r.FailureReason
	}
	return e
}

var severityRank = map[attest.Severity]int{
	attest.SeverityLow:      1,
	attest.SeverityMedium:   2,
	attest.SeverityHigh:     3,
	attest.SeverityCritical: 4,
}

func maxSeverity(vs []attest.Violation) attest.Severity {
	best := attest.SeverityLow
	for _, v := range vs {
		if severityRank[v.Severity] > severityRank[best] {
			best = v.Severity
		}
	}
	return best
}
