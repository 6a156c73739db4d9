package identity

import (
	"fmt"
	"strings"
	"time"

	"github.com/oktsec/attestd/internal/attest"
)

// SignReport signs the canonical representation of a report payload and
// stores the signature and algorithm on it.
func SignReport(reg *Registry, kp *Keypair, serial string, p *attest.ReportPayload) error {
	s, ok := reg.Get(kp.Algorithm)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownAlgorithm, kp.Algorithm)
	}
	sig, err := s.Sign(kp.PrivateKey, CanonicalPayload(serial, *p))
	if err != nil {
		return fmt.Errorf("signing report: %w", err)
	}
	p.Signature = sig
	p.SignatureAlgorithm = kp.Algorithm
	return nil
}

// CanonicalPayload builds the deterministic byte sequence that gets signed.
// The signature covers: serial, version, timestamp, nonce and every
// measurement in submission order.
func CanonicalPayload(serial string, p attest.ReportPayload) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n%s\n%s\n%s", serial, p.ReportVersion,
		p.Timestamp.UTC().Format(time.RFC3339Nano), p.Nonce)
	for _, m := range p.Measurements {
		fmt.Fprintf(&b, "\n%d|%s|%s|%s", m.Index, m.Type, m.Algorithm, strings.ToLower(m.Value))
	}
	return []byte(b.String())
}
