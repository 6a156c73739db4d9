// Package trust turns verification and policy outcomes into a trust score
// and a discrete trust level.
package trust

import (
	"time"

	"github.com/oktsec/attestd/internal/attest"
	"github.com/oktsec/attestd/internal/policy"
)

const (
	maxScore     = 100
	recencyBonus = 5
)

var penalties = map[attest.Severity]int{
	attest.SeverityCritical: 40,
	attest.SeverityHigh:     25,
	attest.SeverityMedium:   10,
	attest.SeverityLow:      5,
}

// Snapshot is the slice of device history the scorer looks at.
type Snapshot struct {
	LastAttestationResult attest.AttestationResult
	LastAttestationTime   time.Time
	ExpectedInterval      time.Duration
}

// SnapshotOf captures the scoring inputs from a device.
func SnapshotOf(d *attest.Device) Snapshot {
	return Snapshot{
		LastAttestationResult: d.LastAttestationResult,
		LastAttestationTime:   d.LastAttestationTime,
		ExpectedInterval:      d.ExpectedInterval,
	}
}

// Assessment is the scorer output.
type Assessment struct {
	Score int               `json:"trust_score"`
	Level attest.TrustLevel `json:"trust_level"`
}

// Score computes the assessment for one report. at is the verification time;
// the scorer never reads the clock.
func Score(signatureValid bool, result policy.Result, s Snapshot, at time.Time) Assessment {
	if !signatureValid {
		return Assessment{Score: 0, Level: attest.TrustLow}
	}

	score := maxScore
	for _, v := range result.Violations {
		score -= penalties[v.Severity]
	}
	if score < 0 {
		score = 0
	}
	if recent(s, at) {
		score += recencyBonus
	}
	if score > maxScore {
		score = maxScore
	}
	return Assessment{Score: score, Level: LevelFor(score)}
}

func recent(s Snapshot, at time.Time) bool {
	if s.LastAttestationResult != attest.ResultSuccess || s.LastAttestationTime.IsZero() || s.ExpectedInterval <= 0 {
		return false
	}
	gap := at.Sub(s.LastAttestationTime)
	return gap >= 0 && gap <= s.ExpectedInterval
}

// LevelFor maps a score to a level. Critical is reserved for corroborated
// compromise and is never returned here.
func LevelFor(score int) attest.TrustLevel {
	switch {
	case score >= 90:
		return attest.TrustHigh
	case score >= 70:
		return attest.TrustMedium
	default:
		return attest.TrustLow
	}
}
