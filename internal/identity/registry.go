package identity

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownAlgorithm is returned for algorithms with no registered scheme.
var ErrUnknownAlgorithm = errors.New("unknown signature algorithm")

// Registry holds the signature schemes available for verification, keyed by
// algorithm identifier. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	schemes map[string]Scheme
}

// NewRegistry creates a registry holding the given schemes.
func NewRegistry(schemes ...Scheme) *Registry {
	r := &Registry{schemes: make(map[string]Scheme, len(schemes))}
	for _, s := range schemes {
		r.schemes[s.Name()] = s
	}
	return r
}

// Register adds or replaces a scheme.
func (r *Registry) Register(s Scheme) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemes[s.Name()] = s
}

// Get returns the scheme for an algorithm.
func (r *Registry) Get(algorithm string) (Scheme, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemes[algorithm]
	return s, ok
}

// Algorithms returns the registered algorithm names, sorted.
func (r *Registry) Algorithms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.schemes))
	for name := range r.schemes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Verify checks signature over message with publicKey. It returns an error
// for unknown algorithms and malformed keys, and (false, nil) for a
// well-formed signature that does not verify.
func (r *Registry) Verify(ctx context.Context, message, signature, publicKey []byte, algorithm string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s, ok := r.Get(algorithm)
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, algorithm)
	}
	return s.Verify(publicKey, message, signature)
}
