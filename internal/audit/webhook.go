package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/oktsec/attestd/internal/attest"
	"github.com/oktsec/attestd/internal/config"
)

// WebhookEvent is the JSON body posted to webhook endpoints.
type WebhookEvent struct {
	Event       string            `json:"event"`
	EventID     string            `json:"event_id"`
	Severity    string            `json:"severity"`
	DeviceID    string            `json:"device_id"`
	ReportID    string            `json:"report_id,omitempty"`
	Description string            `json:"description"`
	Timestamp   string            `json:"timestamp"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

func webhookEventOf(e attest.SecurityEvent) WebhookEvent {
	return WebhookEvent{
		Event:       e.EventType,
		EventID:     e.ID,
		Severity:    string(e.Severity),
		DeviceID:    e.DeviceID,
		ReportID:    e.ReportID,
		Description: e.Description,
		Timestamp:   e.Timestamp.UTC().Format(time.RFC3339),
		Metadata:    e.Metadata,
	}
}

var severityRank = map[attest.Severity]int{
	attest.SeverityLow:      1,
	attest.SeverityMedium:   2,
	attest.SeverityHigh:     3,
	attest.SeverityCritical: 4,
}

type delivery struct {
	hook  config.Webhook
	event WebhookEvent
}

// WebhookSink posts matching events to configured endpoints from a
// background goroutine. When the queue is full events are dropped with a
// warning; webhooks never hold up verification.
type WebhookSink struct {
	hooks  []config.Webhook
	client *http.Client
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan delivery
	done   chan struct{}
}

// NewWebhookSink validates the endpoints and starts the sender. Invalid
// URLs are logged and skipped.
func NewWebhookSink(hooks []config.Webhook, logger *slog.Logger) *WebhookSink {
	var valid []config.Webhook
	for _, h := range hooks {
		if err := validateWebhookURL(h.URL); err != nil {
			logger.Warn("skipping invalid webhook URL", "url", h.URL, "error", err)
			continue
		}
		valid = append(valid, h)
	}
	return newWebhookSink(valid, &http.Client{
		Timeout:   5 * time.Second,
		Transport: &http.Transport{DialContext: safeDial},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 2 {
				return errors.New("too many redirects")
			}
			if err := validateWebhookURL(req.URL.String()); err != nil {
				return fmt.Errorf("redirect to blocked URL: %w", err)
			}
			return nil
		},
	}, logger)
}

func newWebhookSink(hooks []config.Webhook, client *http.Client, logger *slog.Logger) *WebhookSink {
	s := &WebhookSink{
		hooks:  hooks,
		client: client,
		logger: logger,
		queue:  make(chan delivery, 256),
		done:   make(chan struct{}),
	}
	go s.sendLoop()
	return s
}

// Append implements Sink.
func (s *WebhookSink) Append(_ context.Context, e attest.SecurityEvent) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.New("webhook sink closed")
	}
	for _, h := range s.hooks {
		if !matches(h, e) {
			continue
		}
		select {
		case s.queue <- delivery{hook: h, event: webhookEventOf(e)}:
		default:
			s.logger.Warn("webhook queue full, dropping event", "event_id", e.ID, "url", h.URL)
		}
	}
	return nil
}

// Close stops accepting events and waits for queued deliveries.
func (s *WebhookSink) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()
	<-s.done
}

func (s *WebhookSink) sendLoop() {
	defer close(s.done)
	for d := range s.queue {
		body, err := render(d.hook.Template, d.event)
		if err != nil {
			s.logger.Error("webhook marshal failed", "error", err)
			continue
		}
		s.send(d.hook.URL, body)
	}
}

func (s *WebhookSink) send(url string, body []byte) {
	resp, err := s.client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		s.logger.Warn("webhook delivery failed", "url", url, "error", err)
		return
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 400 {
		s.logger.Warn("webhook returned error", "url", url, "status", resp.StatusCode)
	}
}

func matches(h config.Webhook, e attest.SecurityEvent) bool {
	if h.MinSeverity != "" && severityRank[e.Severity] < severityRank[attest.Severity(h.MinSeverity)] {
		return false
	}
	if len(h.Events) == 0 {
		return true
	}
	for _, name := range h.Events {
		if name == e.EventType {
			return true
		}
	}
	return false
}

// render returns the JSON event, or with a template the Slack-style
// {"text": ...} body after replacing {{TAG}} placeholders.
func render(tmpl string, e WebhookEvent) ([]byte, error) {
	if tmpl == "" {
		return json.Marshal(e)
	}
	text := strings.NewReplacer(
		"{{EVENT}}", e.Event,
		"{{SEVERITY}}", e.Severity,
		"{{DEVICE}}", e.DeviceID,
		"{{REPORT}}", e.ReportID,
		"{{DESCRIPTION}}", e.Description,
		"{{TIMESTAMP}}", e.Timestamp,
	).Replace(tmpl)
	return json.Marshal(map[string]string{"text": text})
}
