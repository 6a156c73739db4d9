package dashboard

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"
)

const (
	sessionCookieName = "attestd_session"
	sessionDuration   = 24 * time.Hour

	maxFailures = 5
	lockoutTime = 15 * time.Minute
)

type session struct {
	createdAt time.Time
}

type failures struct {
	count       int
	lockedUntil time.Time
}

// Auth manages access-code authentication and session tokens for the dashboard.
type Auth struct {
	accessCode string
	now        func() time.Time

	mu       sync.Mutex
	sessions map[string]session
	failed   map[string]*failures
}

// NewAuth generates a random 8-digit access code and returns a new Auth instance.
func NewAuth() *Auth {
	return &Auth{
		accessCode: generateAccessCode(),
		now:        time.Now,
		sessions:   make(map[string]session),
		failed:     make(map[string]*failures),
	}
}

// AccessCode returns the code the user must enter to authenticate.
func (a *Auth) AccessCode() string {
	return a.accessCode
}

// Login checks code for the client at ip. It returns a session token on
// success, or how long the client must wait when it is locked out.
func (a *Auth) Login(ip, code string) (token string, retryAfter time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	f := a.failed[ip]
	if f != nil && now.Before(f.lockedUntil) {
		return "", f.lockedUntil.Sub(now)
	}

	if subtle.ConstantTimeCompare([]byte(code), []byte(a.accessCode)) != 1 {
		if f == nil {
			f = &failures{}
			a.failed[ip] = f
		}
		f.count++
		if f.count >= maxFailures {
			f.count = 0
			f.lockedUntil = now.Add(lockoutTime)
		}
		return "", 0
	}

	delete(a.failed, ip)
	token = generateSessionToken()
	a.sessions[token] = session{createdAt: now}
	return token, 0
}

// ValidateSession checks if a session token is valid and not expired.
func (a *Auth) ValidateSession(token string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sessions[token]
	if !ok {
		return false
	}
	if a.now().Sub(s.createdAt) >= sessionDuration {
		delete(a.sessions, token)
		return false
	}
	return true
}

// Logout drops a session.
func (a *Auth) Logout(token string) {
	a.mu.Lock()
	delete(a.sessions, token)
	a.mu.Unlock()
}

// Middleware protects dashboard routes, redirecting unauthenticated requests to login.
func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/dashboard/login" {
			next.ServeHTTP(w, r)
			return
		}

		cookie, err := r.Cookie(sessionCookieName)
		if err != nil || !a.ValidateSession(cookie.Value) {
			http.Redirect(w, r, "/dashboard/login", http.StatusFound)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// generateAccessCode returns a random 8-digit numeric code.
func generateAccessCode() string {
	n, _ := rand.Int(rand.Reader, big.NewInt(100_000_000))
	return fmt.Sprintf("%08d", n.Int64())
}

// generateSessionToken returns a cryptographically random hex string.
func generateSessionToken() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return fmt.Sprintf("%x", b)
}
