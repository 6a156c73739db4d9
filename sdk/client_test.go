package sdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/oktsec/attestd/internal/attest"
	"github.com/oktsec/attestd/internal/identity"
)

func testKeypair(t *testing.T, alg string) *Keypair {
	t.Helper()
	reg := identity.NewRegistry(identity.DefaultSchemes()...)
	kp, err := identity.GenerateKeypair(reg, "gw-1", alg)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	return kp
}

func TestNewClient(t *testing.T) {
	c := NewClient("http://localhost:8080", "dev-1", "SN-1", nil)
	if c.baseURL != "http://localhost:8080" {
		t.Errorf("baseURL = %q", c.baseURL)
	}
	if c.deviceID != "dev-1" {
		t.Errorf("deviceID = %q", c.deviceID)
	}
	if _, err := c.Sign(nil); err == nil {
		t.Error("expected error signing without a key")
	}
}

func TestSign_VerifiesWithPublicKey(t *testing.T) {
	for _, alg := range []string{identity.AlgEd25519, identity.AlgMLDSA65} {
		t.Run(alg, func(t *testing.T) {
			kp := testKeypair(t, alg)
			c := NewClient("http://unused", "dev-1", "SN-1", kp)
			p, err := c.Sign([]Measurement{{Index: 0, Type: "pcr", Algorithm: "sha256", Value: "AB"}})
			if err != nil {
				t.Fatalf("sign: %v", err)
			}
			if p.Nonce == "" || p.Timestamp.IsZero() || p.ReportVersion != ReportVersion {
				t.Fatalf("payload not populated: %+v", p)
			}
			if p.SignatureAlgorithm != alg {
				t.Errorf("algorithm = %q", p.SignatureAlgorithm)
			}

			reg := identity.NewRegistry(identity.DefaultSchemes()...)
			ok, err := reg.Verify(context.Background(), identity.CanonicalPayload("SN-1", p), p.Signature, kp.PublicKey, alg)
			if err != nil || !ok {
				t.Fatalf("signature did not verify: ok=%v err=%v", ok, err)
			}
			// Serial is bound into the signature.
			ok, _ = reg.Verify(context.Background(), identity.CanonicalPayload("SN-2", p), p.Signature, kp.PublicKey, alg)
			if ok {
				t.Error("signature verified for a different serial")
			}
		})
	}
}

func TestAttest(t *testing.T) {
	var submitted attest.ReportPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/devices/dev-1/reports":
			if ct := r.Header.Get("Content-Type"); ct != "application/json" {
				t.Errorf("content-type = %q", ct)
			}
			if err := json.NewDecoder(r.Body).Decode(&submitted); err != nil {
				t.Fatalf("decode: %v", err)
			}
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(Receipt{ReportID: "rep-9", Sequence: 4, Status: "pending"})
		case r.Method == http.MethodPost && r.URL.Path == "/v1/reports/rep-9/verify":
			_ = json.NewEncoder(w).Encode(Report{
				ID:                 "rep-9",
				DeviceID:           "dev-1",
				Sequence:           4,
				ReportPayload:      submitted,
				VerificationStatus: attest.VerificationVerified,
				TrustScore:         100,
				TrustLevel:         attest.TrustHigh,
				ComplianceStatus:   attest.ComplianceCompliant,
			})
		default:
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "dev-1", "SN-1", testKeypair(t, identity.AlgEd25519))
	fixed := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return fixed }

	rep, err := c.Attest(context.Background(), []Measurement{{Index: 0, Type: "pcr", Algorithm: "sha256", Value: "00"}})
	if err != nil {
		t.Fatalf("attest: %v", err)
	}
	if rep.TrustScore != 100 || rep.VerificationStatus != attest.VerificationVerified {
		t.Errorf("report = %+v", rep)
	}
	if !submitted.Timestamp.Equal(fixed) {
		t.Errorf("timestamp = %v, want %v", submitted.Timestamp, fixed)
	}
	if len(submitted.Signature) == 0 {
		t.Error("payload was not signed")
	}
}

func TestAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":"device_not_eligible: device is compromised","code":"device_not_eligible"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "dev-1", "SN-1", testKeypair(t, identity.AlgEd25519))
	_, err := c.Attest(context.Background(), []Measurement{{Index: 0, Type: "pcr", Algorithm: "sha256", Value: "00"}})

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d", apiErr.StatusCode)
	}
	if apiErr.Code != "device_not_eligible" {
		t.Errorf("code = %q", apiErr.Code)
	}
}

func TestAPIError_NonJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream gone", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "dev-1", "SN-1", nil).GetReport(context.Background(), "rep-1")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Message != http.StatusText(http.StatusBadGateway) {
		t.Errorf("message = %q", apiErr.Message)
	}
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(HealthResponse{Status: "ok", Version: "0.3.0"})
	}))
	defer srv.Close()

	h, err := NewClient(srv.URL, "dev-1", "SN-1", nil).Health(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if h.Status != "ok" || h.Version != "0.3.0" {
		t.Errorf("health = %+v", h)
	}
}

func TestLoadKeypair(t *testing.T) {
	dir := t.TempDir()
	kp := testKeypair(t, identity.AlgEd25519)
	if err := kp.Save(dir); err != nil {
		t.Fatal(err)
	}
	loaded, err := LoadKeypair(dir, "gw-1")
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Algorithm != identity.AlgEd25519 {
		t.Errorf("algorithm = %q", loaded.Algorithm)
	}
	if string(loaded.PublicKey) != string(kp.PublicKey) {
		t.Error("public key mismatch")
	}
}
