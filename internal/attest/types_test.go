package attest

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validPayload() ReportPayload {
	return ReportPayload{
		ReportVersion:      "1",
		Timestamp:          time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Nonce:              "n-1",
		Measurements:       []Measurement{{Index: 0, Type: "bootloader", Algorithm: "sha256", Value: "00"}},
		Signature:          []byte{1},
		SignatureAlgorithm: "ed25519",
	}
}

func TestValidatePayload(t *testing.T) {
	require.NoError(t, ValidatePayload(validPayload()))

	cases := map[string]func(*ReportPayload){
		"no nonce":        func(p *ReportPayload) { p.Nonce = "" },
		"no timestamp":    func(p *ReportPayload) { p.Timestamp = time.Time{} },
		"no signature":    func(p *ReportPayload) { p.Signature = nil },
		"no algorithm":    func(p *ReportPayload) { p.SignatureAlgorithm = "" },
		"no measurements": func(p *ReportPayload) { p.Measurements = nil },
		"negative index": func(p *ReportPayload) {
			p.Measurements[0].Index = -1
		},
		"duplicate": func(p *ReportPayload) {
			p.Measurements = append(p.Measurements, p.Measurements[0])
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			p := validPayload()
			p.Measurements = append([]Measurement(nil), p.Measurements...)
			mutate(&p)
			err := ValidatePayload(p)
			assert.True(t, errors.Is(err, ErrInvalidReport), "got %v", err)
		})
	}
}

func TestPublicKeyValidAt(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	k := PublicKey{NotBefore: now.Add(-time.Hour), NotAfter: now.Add(time.Hour)}
	assert.True(t, k.ValidAt(now))
	assert.False(t, k.ValidAt(now.Add(-2*time.Hour)))
	assert.False(t, k.ValidAt(now.Add(2*time.Hour)))
	assert.True(t, PublicKey{}.ValidAt(now))
}

func TestDeviceCloneIsDeep(t *testing.T) {
	d := &Device{
		PublicKeys:     []PublicKey{{Algorithm: "ed25519", Key: []byte{1, 2}}},
		RecentFailures: []time.Time{time.Unix(1, 0)},
	}
	c := d.Clone()
	c.PublicKeys[0].Key[0] = 9
	c.RecentFailures[0] = time.Unix(2, 0)
	assert.Equal(t, byte(1), d.PublicKeys[0].Key[0])
	assert.Equal(t, time.Unix(1, 0), d.RecentFailures[0])
}

func TestReasonError(t *testing.T) {
	err := &ReasonError{Reason: ReasonInvalidSignature, Err: errors.New("bad")}
	wrapped := errors.Join(errors.New("outer"), err)
	assert.Equal(t, ReasonInvalidSignature, Reason(wrapped))
	assert.Equal(t, "", Reason(errors.New("plain")))
	assert.Equal(t, "invalid_signature: bad", err.Error())
}
