package attest

import (
	"errors"
	"fmt"
)

// Failure reason codes recorded on failed reports.
const (
	ReasonReplayDetected      = "replay_detected"
	ReasonStaleReport         = "stale_report"
	ReasonFutureTimestamp     = "future_timestamp"
	ReasonInvalidSignature    = "invalid_signature"
	ReasonNoValidKey          = "no_valid_key"
	ReasonVerificationError   = "verification_error"
	ReasonVerificationTimeout = "verification_timeout"
	ReasonDeviceNotEligible   = "device_not_eligible"
)

var (
	ErrDeviceNotFound    = errors.New("device not found")
	ErrReportNotFound    = errors.New("report not found")
	ErrDeviceNotEligible = errors.New(ReasonDeviceNotEligible)
	ErrInvalidReport     = errors.New("invalid report")
	ErrInvalidDevice     = errors.New("invalid device")
	ErrDuplicateSerial   = errors.New("device serial already registered")
	// ErrConflict means a conditional write lost a race or hit a terminal row.
	ErrConflict = errors.New("conflicting update")
)

// ReasonError is an error carrying a report failure reason code.
type ReasonError struct {
	Reason string
	Err    error
}

func (e *ReasonError) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *ReasonError) Unwrap() error { return e.Err }

// Reason extracts the reason code from err, or "" if it carries none.
func Reason(err error) string {
	var re *ReasonError
	if errors.As(err, &re) {
		return re.Reason
	}
	return ""
}

// ValidatePayload checks a submitted payload for structural problems.
func ValidatePayload(p ReportPayload) error {
	switch {
	case p.Nonce == "":
		return fmt.Errorf("%w: nonce is required", ErrInvalidReport)
	case p.Timestamp.IsZero():
		return fmt.Errorf("%w: timestamp is required", ErrInvalidReport)
	case len(p.Signature) == 0:
		return fmt.Errorf("%w: signature is required", ErrInvalidReport)
	case p.SignatureAlgorithm == "":
		return fmt.Errorf("%w: signature_algorithm is required", ErrInvalidReport)
	case len(p.Measurements) == 0:
		return fmt.Errorf("%w: at least one measurement is required", ErrInvalidReport)
	}
	seen := make(map[string]bool, len(p.Measurements))
	for _, m := range p.Measurements {
		if m.Index < 0 {
			return fmt.Errorf("%w: negative measurement index %d", ErrInvalidReport, m.Index)
		}
		if m.Value == "" {
			return fmt.Errorf("%w: measurement %d has no value", ErrInvalidReport, m.Index)
		}
		key := fmt.Sprintf("%d/%s/%s", m.Index, m.Type, m.Algorithm)
		if seen[key] {
			return fmt.Errorf("%w: duplicate measurement %s", ErrInvalidReport, key)
		}
		seen[key] = true
	}
	return nil
}
