// Package sdk provides a Go client for devices and tools talking to attestd.
//
// Basic usage on a device:
//
//	kp, _ := sdk.LoadKeypair("./keys", "gw-0042")
//	c := sdk.NewClient("http://localhost:8080", deviceID, "SN-0042", kp)
//	rep, err := c.Attest(ctx, []sdk.Measurement{{Index: 0, Type: "pcr", Algorithm: "sha256", Value: digest}})
package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/oktsec/attestd/internal/attest"
	"github.com/oktsec/attestd/internal/identity"
)

// Wire types shared with the server.
type (
	Payload     = attest.ReportPayload
	Measurement = attest.Measurement
	Report      = attest.Report
	Device      = attest.Device
)

// ReportVersion is the payload format version this client produces.
const ReportVersion = attest.ReportVersion

// Receipt is returned when a report is accepted for verification.
type Receipt struct {
	ReportID string `json:"report_id"`
	Sequence int64  `json:"sequence"`
	Status   string `json:"status"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
}

// APIError is returned for any non-2xx response.
type APIError struct {
	StatusCode int
	Message    string `json:"error"`
	Code       string `json:"code"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("attestd: %s (HTTP %d, code=%s)", e.Message, e.StatusCode, e.Code)
	}
	return fmt.Sprintf("attestd: %s (HTTP %d)", e.Message, e.StatusCode)
}

// Keypair is a device signing key loaded from disk.
type Keypair = identity.Keypair

// LoadKeypair loads <dir>/<name>.key and <dir>/<name>.pub as written by
// `attestd keygen`.
func LoadKeypair(dir, name string) (*Keypair, error) {
	return identity.LoadKeypair(dir, name)
}

// Client submits signed attestation reports for one device.
type Client struct {
	baseURL    string
	deviceID   string
	serial     string
	keypair    *Keypair // nil = read-only client
	registry   *identity.Registry
	httpClient *http.Client
	now        func() time.Time
}

// NewClient creates a client for the attestd API. Pass a nil keypair for a
// client that only reads.
func NewClient(baseURL, deviceID, serial string, kp *Keypair) *Client {
	return &Client{
		baseURL:    baseURL,
		deviceID:   deviceID,
		serial:     serial,
		keypair:    kp,
		registry:   identity.NewRegistry(identity.DefaultSchemes()...),
		httpClient: &http.Client{Timeout: 60 * time.Second},
		now:        time.Now,
	}
}

// Sign builds and signs a payload over the given measurements with a fresh
// nonce and the current time.
func (c *Client) Sign(measurements []Measurement) (Payload, error) {
	if c.keypair == nil {
		return Payload{}, errors.New("attestd: client has no signing key")
	}
	p := Payload{
		ReportVersion: ReportVersion,
		Timestamp:     c.now().UTC(),
		Nonce:         uuid.NewString(),
		Measurements:  measurements,
	}
	if err := identity.SignReport(c.registry, c.keypair, c.serial, &p); err != nil {
		return Payload{}, err
	}
	return p, nil
}

// Submit sends an already signed payload.
func (c *Client) Submit(ctx context.Context, p Payload) (*Receipt, error) {
	var rcpt Receipt
	if err := c.do(ctx, http.MethodPost, "/v1/devices/"+url.PathEscape(c.deviceID)+"/reports", p, &rcpt); err != nil {
		return nil, err
	}
	return &rcpt, nil
}

// Verify waits for the verdict on a submitted report.
func (c *Client) Verify(ctx context.Context, reportID string) (*Report, error) {
	var rep Report
	if err := c.do(ctx, http.MethodPost, "/v1/reports/"+url.PathEscape(reportID)+"/verify", nil, &rep); err != nil {
		return nil, err
	}
	return &rep, nil
}

// Attest signs, submits and waits for the verdict.
func (c *Client) Attest(ctx context.Context, measurements []Measurement) (*Report, error) {
	p, err := c.Sign(measurements)
	if err != nil {
		return nil, err
	}
	rcpt, err := c.Submit(ctx, p)
	if err != nil {
		return nil, err
	}
	return c.Verify(ctx, rcpt.ReportID)
}

// GetReport fetches a report without waiting.
func (c *Client) GetReport(ctx context.Context, reportID string) (*Report, error) {
	var rep Report
	if err := c.do(ctx, http.MethodGet, "/v1/reports/"+url.PathEscape(reportID), nil, &rep); err != nil {
		return nil, err
	}
	return &rep, nil
}

// Device fetches the client's device record.
func (c *Client) Device(ctx context.Context) (*Device, error) {
	var d Device
	if err := c.do(ctx, http.MethodGet, "/v1/devices/"+url.PathEscape(c.deviceID), nil, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// Health checks the server health endpoint.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var h HealthResponse
	if err := c.do(ctx, http.MethodGet, "/health", nil, &h); err != nil {
		return nil, fmt.Errorf("health check: %w", err)
	}
	return &h, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response (HTTP %d): %w", resp.StatusCode, err)
	}
	return nil
}
