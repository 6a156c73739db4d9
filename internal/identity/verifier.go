package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/oktsec/attestd/internal/attest"
)

// ErrSignatureInvalid means the signature did not verify under the key.
var ErrSignatureInvalid = errors.New("signature verification failed")

// Verifier checks a signature under a named algorithm. *Registry
// implements it.
type Verifier interface {
	Verify(ctx context.Context, message, signature, publicKey []byte, algorithm string) (bool, error)
}

var _ Verifier = (*Registry)(nil)

// VerifyResult captures the outcome of signature verification.
type VerifyResult struct {
	Verified    bool   // true if signature is valid
	Fingerprint string // SHA-256 fingerprint of the public key used
	Error       error  // non-nil if verification failed
}

// VerifyReport checks a report signature against a device public key.
func VerifyReport(ctx context.Context, v Verifier, key attest.PublicKey, serial string, p attest.ReportPayload) VerifyResult {
	fp := Fingerprint(key.Key)
	if key.Algorithm != p.SignatureAlgorithm {
		return VerifyResult{
			Fingerprint: fp,
			Error:       fmt.Errorf("%w: key algorithm %q does not match report algorithm %q", ErrSignatureInvalid, key.Algorithm, p.SignatureAlgorithm),
		}
	}

	ok, err := v.Verify(ctx, CanonicalPayload(serial, p), p.Signature, key.Key, p.SignatureAlgorithm)
	if err != nil {
		return VerifyResult{Fingerprint: fp, Error: err}
	}
	if !ok {
		return VerifyResult{
			Fingerprint: fp,
			Error:       ErrSignatureInvalid,
		}
	}
	return VerifyResult{Verified: true, Fingerprint: fp}
}
