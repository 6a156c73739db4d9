package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/oktsec/attestd/internal/attest"
	"github.com/oktsec/attestd/internal/device"
	"github.com/oktsec/attestd/internal/store"
)

// Registration describes a device to enroll.
type Registration struct {
	Serial           string             `json:"serial"`
	Class            string             `json:"class"`
	PublicKeys       []attest.PublicKey `json:"public_keys"`
	ExpectedInterval time.Duration      `json:"expected_interval"`
}

// RegisterDevice enrolls a device in provisioning.
func (p *Pipeline) RegisterDevice(ctx context.Context, reg Registration) (*attest.Device, error) {
	reg.Serial = strings.TrimSpace(reg.Serial)
	if reg.Serial == "" {
		return nil, fmt.Errorf("%w: serial is required", attest.ErrInvalidDevice)
	}
	if len(reg.PublicKeys) == 0 {
		return nil, fmt.Errorf("%w: at least one public key is required", attest.ErrInvalidDevice)
	}
	for i, k := range reg.PublicKeys {
		if k.Algorithm == "" || len(k.Key) == 0 {
			return nil, fmt.Errorf("%w: public key %d needs an algorithm and key bytes", attest.ErrInvalidDevice, i)
		}
		if !k.NotAfter.IsZero() && k.NotAfter.Before(k.NotBefore) {
			return nil, fmt.Errorf("%w: public key %d expires before it becomes valid", attest.ErrInvalidDevice, i)
		}
	}

	now := p.now().UTC()
	d := &attest.Device{
		ID:                 uuid.NewString(),
		Serial:             reg.Serial,
		Class:              reg.Class,
		PublicKeys:         reg.PublicKeys,
		Status:             attest.StatusProvisioning,
		TrustLevel:         attest.TrustUnknown,
		AttestationEnabled: true,
		ExpectedInterval:   reg.ExpectedInterval,
		NextSequence:       1,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := p.store.CreateDevice(ctx, d); err != nil {
		return nil, err
	}
	p.events.Record(ctx, attest.SecurityEvent{
		EventType:   attest.EventAdminAction,
		Severity:    attest.SeverityLow,
		DeviceID:    d.ID,
		Description: fmt.Sprintf("device %s registered (class %q, %d key(s))", d.Serial, d.Class, len(d.PublicKeys)),
		Metadata:    map[string]string{"action": "register", "serial": d.Serial},
	})
	p.logger.Info("device registered", "device_id", d.ID, "serial", d.Serial, "class", d.Class)
	return d, nil
}

// GetDevice returns a device by ID.
func (p *Pipeline) GetDevice(ctx context.Context, id string) (*attest.Device, error) {
	return p.store.GetDevice(ctx, id)
}

// ListDevices lists devices matching the filter.
func (p *Pipeline) ListDevices(ctx context.Context, f store.DeviceFilter) ([]*attest.Device, error) {
	return p.store.ListDevices(ctx, f)
}

// Administer applies an operator action to a device. It takes the same
// per-device lock as Submit and retries on concurrent verdict commits.
func (p *Pipeline) Administer(ctx context.Context, deviceID string, action device.Action, actor, reason string) (*attest.Device, error) {
	unlock := p.locks.lock(deviceID)
	defer unlock()

	var (
		updated *attest.Device
		events  []attest.SecurityEvent
	)
	err := p.retry(ctx, "administer", func() error {
		d, err := p.store.GetDevice(ctx, deviceID)
		if err != nil {
			return err
		}
		at := p.now().UTC()
		next, evs, err := p.machine.Administer(d, action, actor, reason, at)
		if err != nil {
			return err
		}
		next.UpdatedAt = at
		if err := device.CheckInvariants(next); err != nil {
			return permanent(err)
		}
		if err := p.store.SaveDevice(ctx, next); err != nil {
			return err
		}
		updated, events = next, evs
		return nil
	})
	if err != nil {
		return nil, err
	}
	p.events.Record(ctx, events...)
	p.logger.Info("device administered", "device_id", deviceID, "action", action, "actor", actor, "status", updated.Status)
	return updated, nil
}
