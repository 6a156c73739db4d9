package identity

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/oktsec/attestd/internal/attest"
)

func testPayload() attest.ReportPayload {
	return attest.ReportPayload{
		ReportVersion: "1",
		Timestamp:     time.Date(2026, 2, 22, 10, 0, 0, 0, time.UTC),
		Nonce:         "nonce-1",
		Measurements: []attest.Measurement{
			{Index: 0, Type: "bootloader", Algorithm: "sha256", Value: "AB01"},
			{Index: 7, Type: "kernel", Algorithm: "sha256", Value: "cd02"},
		},
	}
}

func TestGenerateKeypair(t *testing.T) {
	reg := NewRegistry(DefaultSchemes()...)
	kp, err := GenerateKeypair(reg, "dev-1", AlgEd25519)
	if err != nil {
		t.Fatal(err)
	}
	if kp.Name != "dev-1" {
		t.Errorf("name = %q, want %q", kp.Name, "dev-1")
	}
	if len(kp.PublicKey) != 32 {
		t.Errorf("public key length = %d, want 32", len(kp.PublicKey))
	}
	if len(kp.PrivateKey) != 64 {
		t.Errorf("private key length = %d, want 64", len(kp.PrivateKey))
	}

	if _, err := GenerateKeypair(reg, "dev-1", "rsa-1024"); !errors.Is(err, ErrUnknownAlgorithm) {
		t.Errorf("unknown algorithm error = %v", err)
	}
}

func TestSaveAndLoad(t *testing.T) {
	reg := NewRegistry(DefaultSchemes()...)
	dir := t.TempDir()
	kp, err := GenerateKeypair(reg, "dev-a", AlgMLDSA65)
	if err != nil {
		t.Fatal(err)
	}
	if err := kp.Save(dir); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(filepath.Join(dir, "dev-a.key")); err != nil {
		t.Errorf("private key file not found: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "dev-a.pub")); err != nil {
		t.Errorf("public key file not found: %v", err)
	}

	loaded, err := LoadKeypair(dir, "dev-a")
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Algorithm != AlgMLDSA65 {
		t.Errorf("algorithm = %q, want %q", loaded.Algorithm, AlgMLDSA65)
	}
	if string(loaded.PublicKey) != string(kp.PublicKey) {
		t.Error("loaded public key doesn't match original")
	}
}

func TestSignAndVerifyAllSchemes(t *testing.T) {
	reg := NewRegistry(DefaultSchemes()...)
	for _, alg := range reg.Algorithms() {
		t.Run(alg, func(t *testing.T) {
			kp, err := GenerateKeypair(reg, "dev", alg)
			if err != nil {
				t.Fatal(err)
			}
			p := testPayload()
			if err := SignReport(reg, kp, "SER-1", &p); err != nil {
				t.Fatal(err)
			}
			key := attest.PublicKey{Algorithm: alg, Key: kp.PublicKey}

			result := VerifyReport(context.Background(), reg, key, "SER-1", p)
			if !result.Verified {
				t.Fatalf("signature should be valid, got error: %v", result.Error)
			}
			if len(result.Fingerprint) != 64 {
				t.Errorf("fingerprint length = %d, want 64", len(result.Fingerprint))
			}

			tampered := p
			tampered.Measurements = append([]attest.Measurement(nil), p.Measurements...)
			tampered.Measurements[1].Value = "ffff"
			if VerifyReport(context.Background(), reg, key, "SER-1", tampered).Verified {
				t.Error("tampered measurement should not verify")
			}
			if VerifyReport(context.Background(), reg, key, "SER-2", p).Verified {
				t.Error("wrong serial should not verify")
			}
		})
	}
}

func TestVerifyWrongKey(t *testing.T) {
	reg := NewRegistry(DefaultSchemes()...)
	kp1, _ := GenerateKeypair(reg, "dev-1", AlgEd25519)
	kp2, _ := GenerateKeypair(reg, "dev-2", AlgEd25519)

	p := testPayload()
	if err := SignReport(reg, kp1, "SER-1", &p); err != nil {
		t.Fatal(err)
	}
	result := VerifyReport(context.Background(), reg, attest.PublicKey{Algorithm: AlgEd25519, Key: kp2.PublicKey}, "SER-1", p)
	if result.Verified {
		t.Error("wrong key should not verify")
	}
	if !errors.Is(result.Error, ErrSignatureInvalid) {
		t.Errorf("wrong key error = %v, want ErrSignatureInvalid", result.Error)
	}
}

func TestVerifyMalformedKey(t *testing.T) {
	reg := NewRegistry(DefaultSchemes()...)
	ok, err := reg.Verify(context.Background(), []byte("m"), []byte("s"), []byte{1, 2, 3}, AlgMLDSA44)
	if ok || err == nil {
		t.Errorf("malformed key: ok=%v err=%v, want false and error", ok, err)
	}
	if _, err := reg.Verify(context.Background(), nil, nil, nil, "nope"); !errors.Is(err, ErrUnknownAlgorithm) {
		t.Errorf("unknown algorithm error = %v", err)
	}
}

func TestVerifyAlgorithmMismatch(t *testing.T) {
	reg := NewRegistry(DefaultSchemes()...)
	kp, _ := GenerateKeypair(reg, "dev", AlgEd25519)
	p := testPayload()
	if err := SignReport(reg, kp, "S", &p); err != nil {
		t.Fatal(err)
	}
	result := VerifyReport(context.Background(), reg, attest.PublicKey{Algorithm: AlgMLDSA44, Key: kp.PublicKey}, "S", p)
	if result.Verified || !errors.Is(result.Error, ErrSignatureInvalid) {
		t.Errorf("algorithm mismatch error = %v, want ErrSignatureInvalid", result.Error)
	}
}

func TestCanonicalPayloadNormalizesHexCase(t *testing.T) {
	a := testPayload()
	b := testPayload()
	b.Measurements = append([]attest.Measurement(nil), a.Measurements...)
	b.Measurements[0].Value = "ab01"
	if string(CanonicalPayload("S", a)) != string(CanonicalPayload("S", b)) {
		t.Error("canonical payload should be case-insensitive over hex values")
	}
}

func TestFingerprint(t *testing.T) {
	reg := NewRegistry(DefaultSchemes()...)
	kp, _ := GenerateKeypair(reg, "test", AlgEd25519)
	fp := Fingerprint(kp.PublicKey)

	if len(fp) != 64 {
		t.Errorf("fingerprint length = %d, want 64", len(fp))
	}
	if fp != Fingerprint(kp.PublicKey) {
		t.Error("fingerprint should be deterministic")
	}
}
