package pipeline

import (
	"context"
	"time"

	"github.com/oktsec/attestd/internal/attest"
)

// Recover schedules every pending report left behind by a previous run.
// All of them are registered with the sequencer before any is scheduled so
// per-device order survives the restart.
func (p *Pipeline) Recover(ctx context.Context) (int, error) {
	pending, err := p.store.ListPending(ctx, p.now().UTC(), 0)
	if err != nil {
		return 0, err
	}
	for _, r := range pending {
		p.seq.register(r.DeviceID, r.Sequence)
	}
	for _, r := range pending {
		p.schedule(r, modeVerify)
	}
	if len(pending) > 0 {
		p.logger.Info("recovered pending reports", "count", len(pending))
	}
	return len(pending), nil
}

// SweepResult counts what one sweep did.
type SweepResult struct {
	Retried int
	Expired int
}

// Sweep finishes reports that have been pending for at least one sweep
// interval and are not queued. Reports older than the pending TTL expire
// as failed with verification_timeout; the rest are verified again. Work
// runs on the calling goroutine, in device and sequence order.
func (p *Pipeline) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := p.now().UTC()
	pending, err := p.store.ListPending(ctx, now.Add(-p.cfg.SweepInterval), 0)
	if err != nil {
		return res, err
	}
	for _, r := range pending {
		if p.isInflight(r.ID) {
			continue
		}
		m := modeVerify
		if now.Sub(r.SubmittedAt) > p.cfg.PendingTTL {
			m = modeExpire
		}
		out, err := p.await(ctx, r.ID, m)
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			p.logger.Warn("sweep could not finish report", "report_id", r.ID, "error", err)
			continue
		}
		if m == modeExpire && out.FailureReason == attest.ReasonVerificationTimeout {
			res.Expired++
		} else {
			res.Retried++
		}
	}
	if res.Retried+res.Expired > 0 {
		p.logger.Info("sweep finished pending reports", "retried", res.Retried, "expired", res.Expired)
	}
	return res, nil
}

// RunSweeper sweeps every interval until ctx is done.
func (p *Pipeline) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.Sweep(ctx); err != nil && ctx.Err() == nil {
				p.logger.Error("pending sweep failed", "error", err)
			}
		}
	}
}
