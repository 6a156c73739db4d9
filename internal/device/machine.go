// Package device implements the device trust state machine. Machine methods
// are pure: they return an updated copy of the device plus the security
// events the transition produced, and never touch storage.
package device

import (
	"errors"
	"fmt"
	"time"

	"github.com/oktsec/attestd/internal/attest"
	"github.com/oktsec/attestd/internal/trust"
)

// ErrInvalidTransition is returned for administrative actions that are not
// allowed from the device's current status.
var ErrInvalidTransition = errors.New("invalid status transition")

// Default escalation parameters: three failures within 24 hours.
const (
	DefaultEscalationThreshold = 3
	DefaultEscalationWindow    = 24 * time.Hour
)

// OutcomeKind is the terminal verification result fed to the machine.
type OutcomeKind int

const (
	OutcomeVerified OutcomeKind = iota
	OutcomeFailed
)

// Outcome describes one finished verification.
type Outcome struct {
	Kind       OutcomeKind
	Compliant  bool
	Assessment trust.Assessment
	Reason     string
	// Escalates is false for failures that say nothing about the device
	// itself, such as replayed or stale traffic.
	Escalates bool
	ReportID  string
	Sequence  int64
	At        time.Time
}

// Machine applies outcomes and administrative actions to devices.
type Machine struct {
	Threshold int
	Window    time.Duration
}

// NewMachine returns a machine with the given escalation settings. Zero
// values select the defaults.
func NewMachine(threshold int, window time.Duration) *Machine {
	if threshold <= 0 {
		threshold = DefaultEscalationThreshold
	}
	if window <= 0 {
		window = DefaultEscalationWindow
	}
	return &Machine{Threshold: threshold, Window: window}
}

// Apply folds a verification outcome into the device.
func (m *Machine) Apply(d *attest.Device, o Outcome) (*attest.Device, []attest.SecurityEvent) {
	next := d.Clone()
	next.LastSeen = o.At
	if o.Sequence > next.LastAppliedSequence {
		next.LastAppliedSequence = o.Sequence
	}

	// Terminal and quarantined devices only record that the report arrived.
	if d.Status == attest.StatusCompromised || d.Status == attest.StatusDecommissioned {
		return next, nil
	}

	next.LastAttestationTime = o.At
	var events []attest.SecurityEvent

	switch o.Kind {
	case OutcomeVerified:
		next.RecentFailures = nil
		next.TrustLevel = o.Assessment.Level
		if o.Compliant {
			next.LastAttestationResult = attest.ResultSuccess
			if d.Status == attest.StatusMaintenance || d.Status == attest.StatusProvisioning {
				next.Status = attest.StatusActive
			}
		} else {
			next.LastAttestationResult = attest.ResultWarning
			if d.Status == attest.StatusActive {
				next.Status = attest.StatusMaintenance
			}
		}

	case OutcomeFailed:
		next.LastAttestationResult = attest.ResultFailure
		if next.TrustLevel != attest.TrustCritical {
			next.TrustLevel = attest.TrustLow
		}
		if o.Escalates {
			next.RecentFailures = m.window(next.RecentFailures, o.At)
			next.RecentFailures = append(next.RecentFailures, o.At)
			if len(next.RecentFailures) >= m.Threshold {
				compromise(next)
				events = append(events, attest.SecurityEvent{
					Timestamp: o.At,
					EventType: attest.EventDeviceCompromised,
					Severity:  attest.SeverityCritical,
					DeviceID:  d.ID,
					ReportID:  o.ReportID,
					Description: fmt.Sprintf("%d failed attestations within %s; device marked compromised and attestation disabled",
						len(next.RecentFailures), m.Window),
					Metadata: map[string]string{"last_reason": o.Reason},
				})
			}
		}
	}

	if next.Status != d.Status {
		events = append(events, statusEvent(d, next, o.At, o.ReportID, "verification outcome"))
	}
	return next, events
}

// window drops failures that fell out of the rolling escalation window.
func (m *Machine) window(failures []time.Time, at time.Time) []time.Time {
	cutoff := at.Add(-m.Window)
	kept := failures[:0:0]
	for _, f := range failures {
		if f.After(cutoff) {
			kept = append(kept, f)
		}
	}
	return kept
}

func compromise(d *attest.Device) {
	d.Status = attest.StatusCompromised
	d.AttestationEnabled = false
	d.TrustLevel = attest.TrustCritical
}

func statusEvent(before, after *attest.Device, at time.Time, reportID, cause string) attest.SecurityEvent {
	sev := attest.SeverityMedium
	if after.Status == attest.StatusCompromised {
		sev = attest.SeverityCritical
	}
	return attest.SecurityEvent{
		Timestamp:   at,
		EventType:   attest.EventStatusChanged,
		Severity:    sev,
		DeviceID:    before.ID,
		ReportID:    reportID,
		Description: fmt.Sprintf("status %s -> %s (%s)", before.Status, after.Status, cause),
		Metadata: map[string]string{
			"from":  string(before.Status),
			"to":    string(after.Status),
			"cause": cause,
		},
	}
}

// CheckInvariants reports state that must never be persisted.
func CheckInvariants(d *attest.Device) error {
	if d.Status == attest.StatusCompromised && d.AttestationEnabled {
		return fmt.Errorf("device %s: compromised with attestation enabled", d.ID)
	}
	if !d.Status.Valid() {
		return fmt.Errorf("device %s: unknown status %q", d.ID, d.Status)
	}
	return nil
}

// Eligible reports whether a device may submit reports given the set of
// statuses that accept submissions.
func Eligible(d *attest.Device, statuses []attest.DeviceStatus) bool {
	if !d.AttestationEnabled {
		return false
	}
	for _, s := range statuses {
		if d.Status == s {
			return true
		}
	}
	return false
}
