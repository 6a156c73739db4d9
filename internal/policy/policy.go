// Package policy evaluates attestation reports against versioned,
// device-class-scoped policies.
package policy

import (
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/oktsec/attestd/internal/attest"
	"github.com/oktsec/attestd/internal/safefile"
	"gopkg.in/yaml.v3"
)

// Kind selects the evaluation function of a policy.
type Kind string

const (
	KindPCRBaseline          Kind = "pcr_baseline"
	KindMeasurementIntegrity Kind = "measurement_integrity"
	KindTemporalFreshness    Kind = "temporal_freshness"
)

// Violation rules.
const (
	RulePCRMismatch        = "pcr_mismatch"
	RuleMissingMeasurement = "missing_measurement"
	RuleStaleMeasurement   = "stale_measurement"
)

// DefaultMeasurementType is the measurement type a PCR baseline applies to.
const DefaultMeasurementType = "pcr"

// ErrInvalidPolicy is returned when a policy definition is unusable.
var ErrInvalidPolicy = errors.New("invalid policy")

// Policy is one named, versioned rule set. Only the parameters of its Kind
// are meaningful.
type Policy struct {
	ID            string   `yaml:"id" json:"id"`
	Name          string   `yaml:"name" json:"name"`
	Version       int      `yaml:"version" json:"version"`
	Kind          Kind     `yaml:"kind" json:"kind"`
	DeviceClasses []string `yaml:"device_classes,omitempty" json:"device_classes,omitempty"`

	// pcr_baseline. Only measurements of MeasurementType (default "pcr")
	// are compared.
	Baseline        map[int]string `yaml:"baseline,omitempty" json:"baseline,omitempty"`
	Algorithm       string         `yaml:"algorithm,omitempty" json:"algorithm,omitempty"`
	MeasurementType string         `yaml:"measurement_type,omitempty" json:"measurement_type,omitempty"`

	// measurement_integrity
	RequiredMeasurements []string `yaml:"required_measurements,omitempty" json:"required_measurements,omitempty"`

	// temporal_freshness
	MaxAgeMinutes int `yaml:"max_age_minutes,omitempty" json:"max_age_minutes,omitempty"`
}

// AppliesTo reports whether the policy is scoped to the device class.
func (p Policy) AppliesTo(class string) bool {
	return len(p.DeviceClasses) == 0 || slices.Contains(p.DeviceClasses, class)
}

// Validate checks the parameters required by the policy kind.
func (p Policy) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidPolicy)
	}
	switch p.Kind {
	case KindPCRBaseline:
		if len(p.Baseline) == 0 {
			return fmt.Errorf("%w: %s: baseline is empty", ErrInvalidPolicy, p.ID)
		}
		for idx, v := range p.Baseline {
			if idx < 0 {
				return fmt.Errorf("%w: %s: negative PCR index %d", ErrInvalidPolicy, p.ID, idx)
			}
			if _, err := hex.DecodeString(v); err != nil || v == "" {
				return fmt.Errorf("%w: %s: PCR %d baseline is not hex", ErrInvalidPolicy, p.ID, idx)
			}
		}
	case KindMeasurementIntegrity:
		if len(p.RequiredMeasurements) == 0 {
			return fmt.Errorf("%w: %s: required_measurements is empty", ErrInvalidPolicy, p.ID)
		}
	case KindTemporalFreshness:
		if p.MaxAgeMinutes <= 0 {
			return fmt.Errorf("%w: %s: max_age_minutes must be positive", ErrInvalidPolicy, p.ID)
		}
	default:
		return fmt.Errorf("%w: %s: unknown kind %q", ErrInvalidPolicy, p.ID, p.Kind)
	}
	return nil
}

// Set is an ordered, immutable collection of policies.
type Set struct {
	Version  string   `yaml:"version" json:"version"`
	Policies []Policy `yaml:"policies" json:"policies"`
}

// NewSet builds a validated set. Policy IDs must be unique.
func NewSet(version string, policies ...Policy) (*Set, error) {
	s := &Set{Version: version, Policies: policies}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks every policy and ID uniqueness.
func (s *Set) Validate() error {
	if len(s.Policies) == 0 {
		return fmt.Errorf("%w: set has no policies", ErrInvalidPolicy)
	}
	ids := make(map[string]bool, len(s.Policies))
	for i := range s.Policies {
		p := &s.Policies[i]
		if err := p.Validate(); err != nil {
			return err
		}
		if ids[p.ID] {
			return fmt.Errorf("%w: duplicate id %q", ErrInvalidPolicy, p.ID)
		}
		ids[p.ID] = true
		for idx, v := range p.Baseline {
			p.Baseline[idx] = strings.ToLower(v)
		}
	}
	return nil
}

// ForClass returns the policies applicable to a device class, in set order.
func (s *Set) ForClass(class string) []Policy {
	if s == nil {
		return nil
	}
	var out []Policy
	for _, p := range s.Policies {
		if p.AppliesTo(class) {
			out = append(out, p)
		}
	}
	return out
}

// Parse decodes and validates a YAML policy set.
func Parse(data []byte) (*Set, error) {
	var s Set
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing policies: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// LoadSet reads a YAML policy set from disk.
func LoadSet(path string) (*Set, error) {
	data, err := safefile.ReadFileMax(path, safefile.MaxPolicies)
	if err != nil {
		return nil, fmt.Errorf("reading policies: %w", err)
	}
	return Parse(data)
}

// Violations and compliance of one evaluation.
type Result struct {
	Compliant  bool               `json:"compliant"`
	Violations []attest.Violation `json:"violations"`
}
