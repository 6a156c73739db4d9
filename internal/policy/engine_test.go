package policy

import (
	"strings"
	"testing"
	"time"

	"github.com/oktsec/attestd/internal/attest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	zeros = strings.Repeat("00", 32)
	ones  = strings.Repeat("11", 32)
	now   = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
)

func report(ms ...attest.Measurement) *attest.ReportPayload {
	return &attest.ReportPayload{Timestamp: now.Add(-time.Minute), Nonce: "n", Measurements: ms}
}

func TestPCRBaseline_Match(t *testing.T) {
	p := Policy{ID: "pcr", Kind: KindPCRBaseline, Baseline: map[int]string{0: zeros}}
	res := NewEngine().Evaluate(report(attest.Measurement{Index: 0, Type: "pcr", Value: zeros}), []Policy{p}, now)
	assert.True(t, res.Compliant)
	assert.Empty(t, res.Violations)
}

func TestPCRBaseline_MismatchIsHighWithIndex(t *testing.T) {
	p := Policy{ID: "pcr", Kind: KindPCRBaseline, Baseline: map[int]string{0: zeros}}
	res := NewEngine().Evaluate(report(attest.Measurement{Index: 0, Type: "pcr", Value: ones}), []Policy{p}, now)
	require.False(t, res.Compliant)
	require.Len(t, res.Violations, 1)
	v := res.Violations[0]
	assert.Equal(t, RulePCRMismatch, v.Rule)
	assert.Equal(t, attest.SeverityHigh, v.Severity)
	require.NotNil(t, v.Index)
	assert.Equal(t, 0, *v.Index)
}

func TestPCRBaseline_CaseInsensitiveAndMissing(t *testing.T) {
	p := Policy{ID: "pcr", Kind: KindPCRBaseline, Baseline: map[int]string{0: "ABCD", 4: "00ff"}}
	res := NewEngine().Evaluate(report(attest.Measurement{Index: 0, Type: "pcr", Value: "abcd"}), []Policy{p}, now)
	require.Len(t, res.Violations, 1)
	assert.Equal(t, 4, *res.Violations[0].Index)
	assert.Contains(t, res.Violations[0].Message, "missing")
}

func TestPCRBaseline_AlgorithmFilter(t *testing.T) {
	p := Policy{ID: "pcr", Kind: KindPCRBaseline, Algorithm: "sha384", Baseline: map[int]string{0: zeros}}
	r := report(
		attest.Measurement{Index: 0, Type: "pcr", Algorithm: "sha256", Value: ones},
		attest.Measurement{Index: 0, Type: "pcr", Algorithm: "sha384", Value: zeros},
	)
	assert.True(t, NewEngine().Evaluate(r, []Policy{p}, now).Compliant)
}

func TestPCRBaseline_OnlyPCRTypeCounts(t *testing.T) {
	p := Policy{ID: "pcr", Kind: KindPCRBaseline, Baseline: map[int]string{0: zeros}}
	e := NewEngine()

	tampered := report(
		attest.Measurement{Index: 0, Type: "kernel", Value: zeros},
		attest.Measurement{Index: 0, Type: "pcr", Value: ones},
	)
	require.NoError(t, attest.ValidatePayload(attest.ReportPayload{
		Timestamp: now, Nonce: "n", Signature: []byte("s"), SignatureAlgorithm: "ed25519",
		Measurements: tampered.Measurements,
	}))
	res := e.Evaluate(tampered, []Policy{p}, now)
	require.Len(t, res.Violations, 1, "a kernel entry at the same index must not mask the PCR")
	assert.Equal(t, RulePCRMismatch, res.Violations[0].Rule)

	clean := report(
		attest.Measurement{Index: 0, Type: "kernel", Value: ones},
		attest.Measurement{Index: 0, Type: "pcr", Value: zeros},
	)
	assert.True(t, e.Evaluate(clean, []Policy{p}, now).Compliant, "non-PCR values at the index are ignored")

	onlyKernel := report(attest.Measurement{Index: 0, Type: "kernel", Value: zeros})
	res = e.Evaluate(onlyKernel, []Policy{p}, now)
	require.Len(t, res.Violations, 1)
	assert.Contains(t, res.Violations[0].Message, "missing")
}

func TestPCRBaseline_EveryMatchingEntryMustAgree(t *testing.T) {
	p := Policy{ID: "pcr", Kind: KindPCRBaseline, Baseline: map[int]string{0: zeros}}
	for name, ms := range map[string][]attest.Measurement{
		"good first": {
			{Index: 0, Type: "pcr", Algorithm: "sha1", Value: zeros},
			{Index: 0, Type: "pcr", Algorithm: "sha256", Value: ones},
		},
		"good last": {
			{Index: 0, Type: "pcr", Algorithm: "sha256", Value: ones},
			{Index: 0, Type: "pcr", Algorithm: "sha1", Value: zeros},
		},
	} {
		res := NewEngine().Evaluate(report(ms...), []Policy{p}, now)
		assert.False(t, res.Compliant, name)
	}
}

func TestPCRBaseline_CustomMeasurementType(t *testing.T) {
	p := Policy{ID: "fw", Kind: KindPCRBaseline, MeasurementType: "firmware", Baseline: map[int]string{2: zeros}}
	r := report(
		attest.Measurement{Index: 2, Type: "pcr", Value: ones},
		attest.Measurement{Index: 2, Type: "FIRMWARE", Value: zeros},
	)
	assert.True(t, NewEngine().Evaluate(r, []Policy{p}, now).Compliant)
}

func TestMeasurementIntegrity_OneViolationPerMissingType(t *testing.T) {
	p := Policy{ID: "mi", Kind: KindMeasurementIntegrity, RequiredMeasurements: []string{"bootloader", "kernel", "initrd"}}
	res := NewEngine().Evaluate(report(attest.Measurement{Index: 1, Type: "kernel", Value: zeros}), []Policy{p}, now)
	require.Len(t, res.Violations, 2)
	for _, v := range res.Violations {
		assert.Equal(t, RuleMissingMeasurement, v.Rule)
		assert.Equal(t, attest.SeverityCritical, v.Severity)
	}
}

func TestTemporalFreshness(t *testing.T) {
	p := Policy{ID: "fresh", Kind: KindTemporalFreshness, MaxAgeMinutes: 30}
	r := report(attest.Measurement{Index: 0, Type: "pcr", Value: zeros})

	r.Timestamp = now.Add(-30 * time.Minute)
	assert.True(t, NewEngine().Evaluate(r, []Policy{p}, now).Compliant, "boundary age is fresh")

	r.Timestamp = now.Add(-31 * time.Minute)
	res := NewEngine().Evaluate(r, []Policy{p}, now)
	require.Len(t, res.Violations, 1)
	assert.Equal(t, RuleStaleMeasurement, res.Violations[0].Rule)
	assert.Equal(t, attest.SeverityMedium, res.Violations[0].Severity)
}

func TestEvaluate_UnionsAllPolicies(t *testing.T) {
	policies := []Policy{
		{ID: "mi", Kind: KindMeasurementIntegrity, RequiredMeasurements: []string{"bootloader", "kernel"}},
		{ID: "pcr", Kind: KindPCRBaseline, Baseline: map[int]string{0: zeros}},
	}
	res := NewEngine().Evaluate(report(attest.Measurement{Index: 0, Type: "pcr", Value: ones}), policies, now)
	assert.False(t, res.Compliant)
	assert.Len(t, res.Violations, 3)
}

func TestEvaluate_Deterministic(t *testing.T) {
	p := Policy{ID: "pcr", Kind: KindPCRBaseline, Baseline: map[int]string{0: zeros, 1: zeros, 2: zeros, 3: zeros}}
	r := report(attest.Measurement{Index: 9, Type: "pcr", Value: ones})
	e := NewEngine()
	first := e.Evaluate(r, []Policy{p}, now)
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, e.Evaluate(r, []Policy{p}, now))
	}
	for i, v := range first.Violations {
		assert.Equal(t, i, *v.Index, "violations ordered by PCR index")
	}
}

func TestEvaluate_NoPoliciesIsCompliant(t *testing.T) {
	res := NewEngine().Evaluate(report(), nil, now)
	assert.True(t, res.Compliant)
	assert.NotNil(t, res.Violations)
}
