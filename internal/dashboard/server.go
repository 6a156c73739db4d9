// Package dashboard serves a read-only web view of device trust, reports
// and security events, protected by a one-time access code.
package dashboard

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/oktsec/attestd/internal/attest"
	"github.com/oktsec/attestd/internal/store"
)

// Source is the read side of the store. *store.SQL implements it.
type Source interface {
	GetDevice(ctx context.Context, id string) (*attest.Device, error)
	ListDevices(ctx context.Context, f store.DeviceFilter) ([]*attest.Device, error)
	FindReports(ctx context.Context, f store.ReportFilter, p store.Page) ([]*attest.Report, error)
	QueryEvents(ctx context.Context, f store.EventFilter, p store.Page) ([]attest.SecurityEvent, error)
	ReportStats(ctx context.Context, since, until time.Time) (store.Stats, error)
}

// Server serves the attestd dashboard UI.
type Server struct {
	auth   *Auth
	src    Source
	logger *slog.Logger
	mux    *http.ServeMux
	now    func() time.Time
}

// NewServer creates a dashboard server with access-code authentication.
func NewServer(src Source, logger *slog.Logger) *Server {
	s := &Server{
		auth:   NewAuth(),
		src:    src,
		logger: logger,
		mux:    http.NewServeMux(),
		now:    time.Now,
	}
	s.routes()
	return s
}

// AccessCode returns the one-time access code displayed in the terminal.
func (s *Server) AccessCode() string {
	return s.auth.AccessCode()
}

// Handler returns the dashboard HTTP handler with auth middleware applied.
func (s *Server) Handler() http.Handler {
	return csp(s.auth.Middleware(s.mux))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /dashboard/login", s.handleLoginPage)
	s.mux.HandleFunc("POST /dashboard/login", s.handleLoginSubmit)
	s.mux.HandleFunc("POST /dashboard/logout", s.handleLogout)
	s.mux.HandleFunc("GET /dashboard", s.handleOverview)
	s.mux.HandleFunc("GET /dashboard/devices", s.handleDevices)
	s.mux.HandleFunc("GET /dashboard/devices/{id}", s.handleDeviceDetail)
	s.mux.HandleFunc("GET /dashboard/events", s.handleEvents)
}

// csp relaxes the API's policy just enough for server-rendered pages with
// inline styles.
func csp(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Security-Policy",
			"default-src 'none'; style-src 'unsafe-inline'; form-action 'self'; frame-ancestors 'none'")
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
