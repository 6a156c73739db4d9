// Package identity provides device key generation, report signing and
// signature verification for Ed25519 and the ML-DSA post-quantum schemes.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"github.com/oktsec/attestd/internal/safefile"
)

const (
	privatePEMType = "ATTESTD PRIVATE KEY"
	publicPEMType  = "ATTESTD PUBLIC KEY"
	algHeader      = "Algorithm"
)

// Keypair holds a device signing key pair.
type Keypair struct {
	Name       string
	Algorithm  string
	PublicKey  []byte
	PrivateKey []byte
}

// GenerateKeypair creates a new key pair for the named device.
func GenerateKeypair(reg *Registry, name, algorithm string) (*Keypair, error) {
	s, ok := reg.Get(algorithm)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, algorithm)
	}
	pub, priv, err := s.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generating keypair: %w", err)
	}
	return &Keypair{
		Name:       name,
		Algorithm:  algorithm,
		PublicKey:  pub,
		PrivateKey: priv,
	}, nil
}

// Save writes the keypair to disk as PEM files.
// Creates <dir>/<name>.key (private) and <dir>/<name>.pub (public).
func (kp *Keypair) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating keys directory: %w", err)
	}

	headers := map[string]string{algHeader: kp.Algorithm}

	privBlock := &pem.Block{Type: privatePEMType, Headers: headers, Bytes: kp.PrivateKey}
	privPath := filepath.Join(dir, kp.Name+".key")
	if err := safefile.WriteFile(privPath, pem.EncodeToMemory(privBlock), 0o600); err != nil {
		return fmt.Errorf("writing private key: %w", err)
	}

	pubBlock := &pem.Block{Type: publicPEMType, Headers: headers, Bytes: kp.PublicKey}
	pubPath := filepath.Join(dir, kp.Name+".pub")
	if err := safefile.WriteFile(pubPath, pem.EncodeToMemory(pubBlock), 0o644); err != nil {
		return fmt.Errorf("writing public key: %w", err)
	}

	return nil
}

// LoadKeypair loads a full keypair from disk.
// Key files must not be symlinks and must not exceed 64 KB.
func LoadKeypair(dir, name string) (*Keypair, error) {
	privPath := filepath.Join(dir, name+".key")
	alg, priv, err := readPEM(privPath, privatePEMType)
	if err != nil {
		return nil, fmt.Errorf("reading private key: %w", err)
	}
	_, pub, err := LoadPublicKey(dir, name)
	if err != nil {
		return nil, err
	}
	return &Keypair{
		Name:       name,
		Algorithm:  alg,
		PublicKey:  pub,
		PrivateKey: priv,
	}, nil
}

// LoadPublicKey loads only the public key and its algorithm from disk.
func LoadPublicKey(dir, name string) (string, []byte, error) {
	alg, pub, err := readPEM(filepath.Join(dir, name+".pub"), publicPEMType)
	if err != nil {
		return "", nil, fmt.Errorf("reading public key: %w", err)
	}
	return alg, pub, nil
}

func readPEM(path, wantType string) (string, []byte, error) {
	data, err := safefile.ReadFileMax(path, safefile.MaxKey)
	if err != nil {
		return "", nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return "", nil, fmt.Errorf("invalid PEM in %s", path)
	}
	if block.Type != wantType {
		return "", nil, fmt.Errorf("%s: PEM type %q, want %q", path, block.Type, wantType)
	}
	alg := block.Headers[algHeader]
	if alg == "" {
		return "", nil, fmt.Errorf("%s: missing %s header", path, algHeader)
	}
	return alg, block.Bytes, nil
}

// Fingerprint returns the SHA-256 hex fingerprint of a public key.
func Fingerprint(pub []byte) string {
	h := sha256.Sum256(pub)
	return hex.EncodeToString(h[:])
}
