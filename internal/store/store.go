// Package store persists devices, attestation reports, security events and
// replay nonces in SQL. SQLite is the default backend; Postgres is used for
// shared deployments.
package store

import (
	"context"
	"time"

	"github.com/oktsec/attestd/internal/attest"
)

// DeviceStore persists devices. Device rows are mutable and versioned.
type DeviceStore interface {
	CreateDevice(ctx context.Context, d *attest.Device) error
	GetDevice(ctx context.Context, id string) (*attest.Device, error)
	GetDeviceBySerial(ctx context.Context, serial string) (*attest.Device, error)
	ListDevices(ctx context.Context, f DeviceFilter) ([]*attest.Device, error)
	// SaveDevice writes d if its Version still matches the stored row and
	// bumps d.Version. A stale version returns attest.ErrConflict.
	SaveDevice(ctx context.Context, d *attest.Device) error
}

// ReportStore persists attestation reports.
type ReportStore interface {
	// SubmitReport saves the device (sequence bump) and inserts the pending
	// report in one transaction.
	SubmitReport(ctx context.Context, r *attest.Report, d *attest.Device) error
	GetReport(ctx context.Context, id string) (*attest.Report, error)
	FindReports(ctx context.Context, f ReportFilter, p Page) ([]*attest.Report, error)
	// ListPending returns pending reports submitted before the cutoff,
	// ordered by device and sequence.
	ListPending(ctx context.Context, before time.Time, limit int) ([]*attest.Report, error)
	// ApplyVerification moves a pending report to its terminal state and
	// writes the updated device in one transaction. A report that already
	// left pending, or a stale device version, returns attest.ErrConflict.
	ApplyVerification(ctx context.Context, r *attest.Report, d *attest.Device) error
	ReportStats(ctx context.Context, since, until time.Time) (Stats, error)
}

// EventStore is the append-only security event log.
type EventStore interface {
	AppendEvent(ctx context.Context, e attest.SecurityEvent) error
	QueryEvents(ctx context.Context, f EventFilter, p Page) ([]attest.SecurityEvent, error)
}

// Store is the full persistence surface.
type Store interface {
	DeviceStore
	ReportStore
	EventStore
	Close() error
}

// Page bounds a list query.
type Page struct {
	Limit  int
	Offset int
}

const (
	defaultLimit = 50
	maxLimit     = 1000
)

func (p Page) limit() int {
	switch {
	case p.Limit <= 0:
		return defaultLimit
	case p.Limit > maxLimit:
		return maxLimit
	}
	return p.Limit
}

// DeviceFilter narrows ListDevices.
type DeviceFilter struct {
	Status attest.DeviceStatus
	Class  string
}

// ReportFilter narrows FindReports. Zero fields match everything.
type ReportFilter struct {
	DeviceID   string
	Status     attest.VerificationStatus
	Compliance attest.ComplianceStatus
	TrustLevel attest.TrustLevel
	Since      time.Time
	Until      time.Time
}

// EventFilter narrows QueryEvents.
type EventFilter struct {
	DeviceID  string
	ReportID  string
	EventType string
	Severity  attest.Severity
	Since     time.Time
}

// Stats counts reports submitted within a period.
type Stats struct {
	Since        time.Time                         `json:"since"`
	Until        time.Time                         `json:"until"`
	Total        int                               `json:"total"`
	ByStatus     map[attest.VerificationStatus]int `json:"by_status"`
	ByTrustLevel map[attest.TrustLevel]int         `json:"by_trust_level"`
	ByCompliance map[attest.ComplianceStatus]int   `json:"by_compliance"`
}
