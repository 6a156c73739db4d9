package device

import (
	"fmt"
	"time"

	"github.com/oktsec/attestd/internal/attest"
)

// Action is an administrative state change.
type Action string

const (
	ActionActivate     Action = "activate"
	ActionMaintenance  Action = "maintenance"
	ActionCompromise   Action = "compromise"
	ActionReinstate    Action = "reinstate"
	ActionDecommission Action = "decommission"
)

var adminTransitions = map[Action]struct {
	from []attest.DeviceStatus
	to   attest.DeviceStatus
}{
	ActionActivate:     {from: []attest.DeviceStatus{attest.StatusProvisioning, attest.StatusMaintenance}, to: attest.StatusActive},
	ActionMaintenance:  {from: []attest.DeviceStatus{attest.StatusActive}, to: attest.StatusMaintenance},
	ActionCompromise:   {from: []attest.DeviceStatus{attest.StatusProvisioning, attest.StatusActive, attest.StatusMaintenance}, to: attest.StatusCompromised},
	ActionReinstate:    {from: []attest.DeviceStatus{attest.StatusCompromised}, to: attest.StatusActive},
	ActionDecommission: {from: []attest.DeviceStatus{attest.StatusActive, attest.StatusMaintenance, attest.StatusCompromised}, to: attest.StatusDecommissioned},
}

// ParseAction validates an action name.
func ParseAction(s string) (Action, error) {
	a := Action(s)
	if _, ok := adminTransitions[a]; !ok {
		return "", fmt.Errorf("unknown action %q", s)
	}
	return a, nil
}

// Administer applies an explicit operator action.
func (m *Machine) Administer(d *attest.Device, action Action, actor, reason string, at time.Time) (*attest.Device, []attest.SecurityEvent, error) {
	tr, ok := adminTransitions[action]
	if !ok {
		return nil, nil, fmt.Errorf("%w: unknown action %q", ErrInvalidTransition, action)
	}
	allowed := false
	for _, s := range tr.from {
		if d.Status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, nil, fmt.Errorf("%w: %s from %s", ErrInvalidTransition, action, d.Status)
	}

	next := d.Clone()
	next.Status = tr.to
	switch action {
	case ActionCompromise:
		compromise(next)
	case ActionReinstate:
		next.AttestationEnabled = true
		next.RecentFailures = nil
		next.TrustLevel = attest.TrustUnknown
	case ActionDecommission:
		next.AttestationEnabled = false
	}

	cause := "administrative " + string(action)
	adminEvent := attest.SecurityEvent{
		Timestamp:   at,
		EventType:   attest.EventAdminAction,
		Severity:    attest.SeverityMedium,
		DeviceID:    d.ID,
		Description: fmt.Sprintf("%s by %s: %s", action, actor, reason),
		Metadata:    map[string]string{"action": string(action), "actor": actor, "reason": reason},
	}
	events := []attest.SecurityEvent{adminEvent, statusEvent(d, next, at, "", cause)}
	if action == ActionCompromise {
		events = append(events, attest.SecurityEvent{
			Timestamp:   at,
			EventType:   attest.EventDeviceCompromised,
			Severity:    attest.SeverityCritical,
			DeviceID:    d.ID,
			Description: "device marked compromised by operator",
			Metadata:    map[string]string{"actor": actor},
		})
	}
	return next, events, nil
}
