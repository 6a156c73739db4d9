package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"github.com/cloudflare/circl/sign"
	"github.com/cloudflare/circl/sign/mldsa/mldsa44"
	"github.com/cloudflare/circl/sign/mldsa/mldsa65"
	"github.com/cloudflare/circl/sign/mldsa/mldsa87"
)

// Algorithm identifiers accepted in reports and device key material.
const (
	AlgEd25519 = "ed25519"
	AlgMLDSA44 = "ml-dsa-44"
	AlgMLDSA65 = "ml-dsa-65"
	AlgMLDSA87 = "ml-dsa-87"
)

// Scheme is a signature algorithm over raw key bytes.
type Scheme interface {
	Name() string
	GenerateKey() (pub, priv []byte, err error)
	Sign(priv, message []byte) ([]byte, error)
	// Verify returns an error only for malformed key material.
	Verify(pub, message, signature []byte) (bool, error)
}

type ed25519Scheme struct{}

func (ed25519Scheme) Name() string { return AlgEd25519 }

func (ed25519Scheme) GenerateKey() ([]byte, []byte, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generating ed25519 key: %w", err)
	}
	return pub, priv, nil
}

func (ed25519Scheme) Sign(priv, message []byte) ([]byte, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("ed25519 private key has %d bytes, want %d", len(priv), ed25519.PrivateKeySize)
	}
	return ed25519.Sign(ed25519.PrivateKey(priv), message), nil
}

func (ed25519Scheme) Verify(pub, message, signature []byte) (bool, error) {
	if len(pub) != ed25519.PublicKeySize {
		return false, fmt.Errorf("ed25519 public key has %d bytes, want %d", len(pub), ed25519.PublicKeySize)
	}
	return ed25519.Verify(ed25519.PublicKey(pub), message, signature), nil
}

// circlScheme adapts a circl signature scheme (ML-DSA) to raw key bytes.
type circlScheme struct {
	name string
	s    sign.Scheme
}

func (c circlScheme) Name() string { return c.name }

func (c circlScheme) GenerateKey() ([]byte, []byte, error) {
	pk, sk, err := c.s.GenerateKey()
	if err != nil {
		return nil, nil, fmt.Errorf("generating %s key: %w", c.name, err)
	}
	pub, err := pk.MarshalBinary()
	if err != nil {
		return nil, nil, fmt.Errorf("encoding %s public key: %w", c.name, err)
	}
	priv, err := sk.MarshalBinary()
	if err != nil {
		return nil, nil, fmt.Errorf("encoding %s private key: %w", c.name, err)
	}
	return pub, priv, nil
}

func (c circlScheme) Sign(priv, message []byte) ([]byte, error) {
	sk, err := c.s.UnmarshalBinaryPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("decoding %s private key: %w", c.name, err)
	}
	return c.s.Sign(sk, message, nil), nil
}

func (c circlScheme) Verify(pub, message, signature []byte) (bool, error) {
	pk, err := c.s.UnmarshalBinaryPublicKey(pub)
	if err != nil {
		return false, fmt.Errorf("decoding %s public key: %w", c.name, err)
	}
	if len(signature) != c.s.SignatureSize() {
		return false, nil
	}
	return c.s.Verify(pk, message, signature, nil), nil
}

// DefaultSchemes returns every scheme the service ships with.
func DefaultSchemes() []Scheme {
	return []Scheme{
		ed25519Scheme{},
		circlScheme{name: AlgMLDSA44, s: mldsa44.Scheme()},
		circlScheme{name: AlgMLDSA65, s: mldsa65.Scheme()},
		circlScheme{name: AlgMLDSA87, s: mldsa87.Scheme()},
	}
}
