package policy

import (
	"crypto/subtle"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/oktsec/attestd/internal/attest"
)

type evalFunc func(p Policy, r *attest.ReportPayload, now time.Time) []attest.Violation

// Engine evaluates reports against policies. It holds no mutable state and
// is safe for concurrent use.
type Engine struct {
	evaluators map[Kind]evalFunc
}

// NewEngine builds the dispatch table for all policy kinds.
func NewEngine() *Engine {
	return &Engine{
		evaluators: map[Kind]evalFunc{
			KindPCRBaseline:          evalPCRBaseline,
			KindMeasurementIntegrity: evalMeasurementIntegrity,
			KindTemporalFreshness:    evalTemporalFreshness,
		},
	}
}

// Evaluate runs every policy and unions the violations. It never stops at
// the first failure.
func (e *Engine) Evaluate(r *attest.ReportPayload, policies []Policy, now time.Time) Result {
	res := Result{Violations: []attest.Violation{}}
	for _, p := range policies {
		fn, ok := e.evaluators[p.Kind]
		if !ok {
			// Sets are validated at load; an unknown kind here is a programming error.
			res.Violations = append(res.Violations, attest.Violation{
				PolicyID: p.ID,
				Rule:     "unknown_policy_kind",
				Severity: attest.SeverityHigh,
				Message:  fmt.Sprintf("policy kind %q has no evaluator", p.Kind),
			})
			continue
		}
		res.Violations = append(res.Violations, fn(p, r, now)...)
	}
	res.Compliant = len(res.Violations) == 0
	return res
}

// evalPCRBaseline compares every measurement of the baseline's type at a
// baseline index. All of them must match, so entry order in the report
// cannot hide a tampered value.
func evalPCRBaseline(p Policy, r *attest.ReportPayload, _ time.Time) []attest.Violation {
	kind := p.MeasurementType
	if kind == "" {
		kind = DefaultMeasurementType
	}
	values := make(map[int][]string, len(r.Measurements))
	for _, m := range r.Measurements {
		if !strings.EqualFold(m.Type, kind) {
			continue
		}
		if p.Algorithm != "" && !strings.EqualFold(m.Algorithm, p.Algorithm) {
			continue
		}
		values[m.Index] = append(values[m.Index], strings.ToLower(m.Value))
	}

	indices := make([]int, 0, len(p.Baseline))
	for idx := range p.Baseline {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	var out []attest.Violation
	for _, idx := range indices {
		want := strings.ToLower(p.Baseline[idx])
		got := values[idx]
		if len(got) > 0 && allEqual(got, want) {
			continue
		}
		msg := fmt.Sprintf("PCR %d does not match baseline", idx)
		if len(got) == 0 {
			msg = fmt.Sprintf("PCR %d missing from report", idx)
		}
		out = append(out, attest.Violation{
			PolicyID: p.ID,
			Rule:     RulePCRMismatch,
			Severity: attest.SeverityHigh,
			Index:    &idx,
			Message:  msg,
		})
	}
	return out
}

func allEqual(got []string, want string) bool {
	ok := true
	for _, v := range got {
		ok = digestEqual(v, want) && ok
	}
	return ok
}

func digestEqual(a, b string) bool {
	return len(a) == len(b) && subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func evalMeasurementIntegrity(p Policy, r *attest.ReportPayload, _ time.Time) []attest.Violation {
	present := make(map[string]bool, len(r.Measurements))
	for _, m := range r.Measurements {
		present[m.Type] = true
	}
	var out []attest.Violation
	for _, req := range p.RequiredMeasurements {
		if present[req] {
			continue
		}
		out = append(out, attest.Violation{
			PolicyID: p.ID,
			Rule:     RuleMissingMeasurement,
			Severity: attest.SeverityCritical,
			Message:  fmt.Sprintf("required measurement %q missing", req),
		})
	}
	return out
}

func evalTemporalFreshness(p Policy, r *attest.ReportPayload, now time.Time) []attest.Violation {
	maxAge := time.Duration(p.MaxAgeMinutes) * time.Minute
	age := now.Sub(r.Timestamp)
	if age <= maxAge {
		return nil
	}
	return []attest.Violation{{
		PolicyID: p.ID,
		Rule:     RuleStaleMeasurement,
		Severity: attest.SeverityMedium,
		Message:  fmt.Sprintf("measurement age %s exceeds %s", age.Round(time.Second), maxAge),
	}}
}
