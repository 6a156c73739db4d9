// Package attest defines the records shared by the attestation engine:
// devices, attestation reports, policy violations and security events.
package attest

import (
	"slices"
	"time"
)

// DeviceStatus is the lifecycle state of a device.
type DeviceStatus string

const (
	StatusProvisioning   DeviceStatus = "provisioning"
	StatusActive         DeviceStatus = "active"
	StatusMaintenance    DeviceStatus = "maintenance"
	StatusCompromised    DeviceStatus = "compromised"
	StatusDecommissioned DeviceStatus = "decommissioned"
)

// Valid reports whether s is a known device status.
func (s DeviceStatus) Valid() bool {
	switch s {
	case StatusProvisioning, StatusActive, StatusMaintenance, StatusCompromised, StatusDecommissioned:
		return true
	}
	return false
}

// TrustLevel is the discrete trust classification of a device or report.
type TrustLevel string

const (
	TrustUnknown  TrustLevel = "unknown"
	TrustLow      TrustLevel = "low"
	TrustMedium   TrustLevel = "medium"
	TrustHigh     TrustLevel = "high"
	TrustCritical TrustLevel = "critical"
)

// AttestationResult summarizes the last attestation outcome on a device.
type AttestationResult string

const (
	ResultNone    AttestationResult = ""
	ResultSuccess AttestationResult = "success"
	ResultFailure AttestationResult = "failure"
	ResultWarning AttestationResult = "warning"
)

// VerificationStatus is the state of a single report.
type VerificationStatus string

const (
	VerificationPending  VerificationStatus = "pending"
	VerificationVerified VerificationStatus = "verified"
	VerificationFailed   VerificationStatus = "failed"
	VerificationExpired  VerificationStatus = "expired"
)

// Terminal reports whether the status can no longer change.
func (s VerificationStatus) Terminal() bool {
	return s == VerificationVerified || s == VerificationFailed || s == VerificationExpired
}

// ComplianceStatus is the policy outcome of a verified report.
type ComplianceStatus string

const (
	ComplianceUnknown      ComplianceStatus = "unknown"
	ComplianceCompliant    ComplianceStatus = "compliant"
	ComplianceNonCompliant ComplianceStatus = "non_compliant"
)

// Severity ranks violations and security events.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// PublicKey is one piece of device trust material.
type PublicKey struct {
	Algorithm string    `json:"algorithm"`
	Key       []byte    `json:"key"`
	NotBefore time.Time `json:"not_before,omitzero"`
	NotAfter  time.Time `json:"not_after,omitzero"`
}

// ValidAt reports whether the key may be used at t. Zero bounds are open.
func (k PublicKey) ValidAt(t time.Time) bool {
	if !k.NotBefore.IsZero() && t.Before(k.NotBefore) {
		return false
	}
	if !k.NotAfter.IsZero() && t.After(k.NotAfter) {
		return false
	}
	return true
}

// Device is a registered edge device and its mutable trust state.
type Device struct {
	ID     string `json:"id"`
	Serial string `json:"serial"`
	Class  string `json:"class"`

	PublicKeys []PublicKey `json:"public_keys"`

	Status                DeviceStatus      `json:"status"`
	TrustLevel            TrustLevel        `json:"trust_level"`
	AttestationEnabled    bool              `json:"attestation_enabled"`
	LastAttestationTime   time.Time         `json:"last_attestation_time,omitzero"`
	LastAttestationResult AttestationResult `json:"last_attestation_result,omitempty"`
	LastSeen              time.Time         `json:"last_seen,omitzero"`
	ExpectedInterval      time.Duration     `json:"expected_interval"`

	// NextSequence is the sequence the next submitted report receives.
	NextSequence int64 `json:"next_sequence"`
	// LastAppliedSequence never decreases.
	LastAppliedSequence int64       `json:"last_applied_sequence"`
	RecentFailures      []time.Time `json:"recent_failures,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Version   int64     `json:"version"`
}

// Clone returns a deep copy so callers can mutate without aliasing.
func (d *Device) Clone() *Device {
	if d == nil {
		return nil
	}
	c := *d
	c.PublicKeys = make([]PublicKey, len(d.PublicKeys))
	for i, k := range d.PublicKeys {
		k.Key = slices.Clone(k.Key)
		c.PublicKeys[i] = k
	}
	c.RecentFailures = slices.Clone(d.RecentFailures)
	return &c
}

// KeyFor returns the first key for algorithm valid at t.
func (d *Device) KeyFor(algorithm string, t time.Time) (PublicKey, bool) {
	for _, k := range d.PublicKeys {
		if k.Algorithm == algorithm && k.ValidAt(t) {
			return k, true
		}
	}
	return PublicKey{}, false
}

// Measurement is one measured value in a report.
type Measurement struct {
	Index     int    `json:"index"`
	Type      string `json:"type"`
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

// Violation is a named, severity-tagged policy failure.
type Violation struct {
	PolicyID string   `json:"policy_id"`
	Rule     string   `json:"rule"`
	Severity Severity `json:"severity"`
	Index    *int     `json:"index,omitempty"`
	Message  string   `json:"message"`
}

// ReportVersion is the payload format version devices sign.
const ReportVersion = "1"

// ReportPayload is what a device submits.
type ReportPayload struct {
	ReportVersion      string        `json:"report_version"`
	Timestamp          time.Time     `json:"timestamp"`
	Nonce              string        `json:"nonce"`
	Measurements       []Measurement `json:"measurements"`
	Signature          []byte        `json:"signature"`
	SignatureAlgorithm string        `json:"signature_algorithm"`
}

// Report is a stored attestation report.
type Report struct {
	ID          string    `json:"id"`
	DeviceID    string    `json:"device_id"`
	Sequence    int64     `json:"sequence"`
	SubmittedAt time.Time `json:"submitted_at"`

	ReportPayload

	VerificationStatus    VerificationStatus `json:"verification_status"`
	VerificationTimestamp time.Time          `json:"verification_timestamp,omitzero"`
	VerificationDetails   string             `json:"verification_details,omitempty"`
	FailureReason         string             `json:"failure_reason,omitempty"`
	TrustScore            int                `json:"trust_score"`
	TrustLevel            TrustLevel         `json:"trust_level"`
	ComplianceStatus      ComplianceStatus   `json:"compliance_status"`
	PolicyViolations      []Violation        `json:"policy_violations"`
}

// Clone returns a deep copy of the report.
func (r *Report) Clone() *Report {
	if r == nil {
		return nil
	}
	c := *r
	c.Measurements = slices.Clone(r.Measurements)
	c.Signature = slices.Clone(r.Signature)
	c.PolicyViolations = slices.Clone(r.PolicyViolations)
	return &c
}

// SecurityEvent is an append-only audit record.
type SecurityEvent struct {
	ID          string            `json:"id"`
	Timestamp   time.Time         `json:"timestamp"`
	EventType   string            `json:"event_type"`
	Severity    Severity          `json:"severity"`
	DeviceID    string            `json:"device_id"`
	ReportID    string            `json:"report_id,omitempty"`
	Description string            `json:"description"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Security event types.
const (
	EventReportSubmitted     = "report_submitted"
	EventReportVerified      = "report_verified"
	EventReportFailed        = "report_failed"
	EventPolicyViolation     = "policy_violation"
	EventReplayDetected      = "replay_detected"
	EventStatusChanged       = "device_status_changed"
	EventDeviceCompromised   = "device_compromised"
	EventAdminAction         = "admin_action"
	EventReverifyAttempt     = "reverification_attempt"
	EventVerificationExpired = "verification_expired"
)
