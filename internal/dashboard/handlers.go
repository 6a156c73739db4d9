package dashboard

import (
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"time"

	"github.com/oktsec/attestd/internal/attest"
	"github.com/oktsec/attestd/internal/store"
)

func (s *Server) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = loginTmpl.Execute(w, nil)
}

func (s *Server) handleLoginSubmit(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	token, retryAfter := s.auth.Login(ip, r.FormValue("code"))
	if token == "" {
		msg := "Invalid access code. Check your terminal."
		if retryAfter > 0 {
			s.logger.Warn("login rate-limited", "ip", ip, "retry_after", retryAfter.Round(time.Second).String())
			msg = fmt.Sprintf("Too many failed attempts. Try again in %d minutes.", int(retryAfter.Minutes())+1)
		} else {
			s.logger.Info("login failed", "ip", ip)
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusUnauthorized)
		_ = loginTmpl.Execute(w, map[string]any{"Error": msg})
		return
	}

	s.logger.Info("login success", "ip", ip)
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/dashboard",
		MaxAge:   int(sessionDuration.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
	http.Redirect(w, r, "/dashboard", http.StatusFound)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(sessionCookieName); err == nil {
		s.auth.Logout(c.Value)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/dashboard",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
	http.Redirect(w, r, "/dashboard/login", http.StatusFound)
}

func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now := s.now().UTC()

	stats, err := s.src.ReportStats(ctx, now.Add(-24*time.Hour), now)
	if err != nil {
		s.fail(w, "stats", err)
		return
	}
	events, err := s.src.QueryEvents(ctx, store.EventFilter{}, store.Page{Limit: 15})
	if err != nil {
		s.fail(w, "events", err)
		return
	}
	flagged, err := s.src.FindReports(ctx, store.ReportFilter{Compliance: attest.ComplianceNonCompliant}, store.Page{Limit: 15})
	if err != nil {
		s.fail(w, "reports", err)
		return
	}
	devices, err := s.src.ListDevices(ctx, store.DeviceFilter{})
	if err != nil {
		s.fail(w, "devices", err)
		return
	}
	byStatus := make(map[attest.DeviceStatus]int)
	for _, d := range devices {
		byStatus[d.Status]++
	}

	s.render(w, overviewTmpl, map[string]any{
		"Active":       "overview",
		"Stats":        stats,
		"Verified":     stats.ByStatus[attest.VerificationVerified],
		"Failed":       stats.ByStatus[attest.VerificationFailed],
		"Pending":      stats.ByStatus[attest.VerificationPending],
		"NonCompliant": stats.ByCompliance[attest.ComplianceNonCompliant],
		"DeviceCount":  len(devices),
		"DeviceActive": byStatus[attest.StatusActive],
		"Compromised":  byStatus[attest.StatusCompromised],
		"Events":       events,
		"Flagged":      flagged,
	})
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	f := store.DeviceFilter{
		Status: attest.DeviceStatus(r.URL.Query().Get("status")),
		Class:  r.URL.Query().Get("class"),
	}
	devices, err := s.src.ListDevices(r.Context(), f)
	if err != nil {
		s.fail(w, "devices", err)
		return
	}
	s.render(w, devicesTmpl, map[string]any{
		"Active":  "devices",
		"Devices": devices,
		"Filter":  f,
	})
}

func (s *Server) handleDeviceDetail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	d, err := s.src.GetDevice(ctx, id)
	if errors.Is(err, attest.ErrDeviceNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		s.fail(w, "device", err)
		return
	}
	reports, err := s.src.FindReports(ctx, store.ReportFilter{DeviceID: id}, store.Page{Limit: 25})
	if err != nil {
		s.fail(w, "reports", err)
		return
	}
	events, err := s.src.QueryEvents(ctx, store.EventFilter{DeviceID: id}, store.Page{Limit: 25})
	if err != nil {
		s.fail(w, "events", err)
		return
	}
	s.render(w, deviceTmpl, map[string]any{
		"Active":  "devices",
		"Device":  d,
		"Reports": reports,
		"Events":  events,
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.EventFilter{
		DeviceID:  q.Get("device"),
		EventType: q.Get("type"),
		Severity:  attest.Severity(q.Get("severity")),
	}
	events, err := s.src.QueryEvents(r.Context(), f, store.Page{Limit: 200})
	if err != nil {
		s.fail(w, "events", err)
		return
	}
	s.render(w, eventsTmpl, map[string]any{
		"Active": "events",
		"Events": events,
		"Filter": f,
	})
}

func (s *Server) render(w http.ResponseWriter, t *template.Template, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := t.Execute(w, data); err != nil {
		s.logger.Error("dashboard render", "template", t.Name(), "error", err)
	}
}

func (s *Server) fail(w http.ResponseWriter, what string, err error) {
	s.logger.Error("dashboard query failed", "query", what, "error", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}
