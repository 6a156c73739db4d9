// Package mcp exposes read-only attestation queries as MCP tools so agents
// can inspect device trust without access to the write API.
package mcp

import (
	"context"
	"log/slog"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/oktsec/attestd/internal/attest"
	"github.com/oktsec/attestd/internal/store"
)

// Reader is the read side of the store. *store.SQL implements it.
type Reader interface {
	GetDevice(ctx context.Context, id string) (*attest.Device, error)
	GetDeviceBySerial(ctx context.Context, serial string) (*attest.Device, error)
	GetReport(ctx context.Context, id string) (*attest.Report, error)
	FindReports(ctx context.Context, f store.ReportFilter, p store.Page) ([]*attest.Report, error)
	QueryEvents(ctx context.Context, f store.EventFilter, p store.Page) ([]attest.SecurityEvent, error)
	ReportStats(ctx context.Context, since, until time.Time) (store.Stats, error)
}

// NewServer creates an MCP server exposing attestd query tools.
func NewServer(r Reader, version string, logger *slog.Logger) *mcp.Server {
	s := mcp.NewServer(&mcp.Implementation{Name: "attestd", Version: version}, &mcp.ServerOptions{
		Instructions: "attestd verifies signed attestation reports from edge devices. " +
			"Use these tools to look up devices, inspect report verdicts and policy violations, " +
			"and review the security event log. All tools are read-only.",
	})

	h := &handlers{store: r, logger: logger, now: time.Now}
	s.AddTool(queryReportsTool(), h.handleQueryReports)
	s.AddTool(getReportTool(), h.handleGetReport)
	s.AddTool(getDeviceTool(), h.handleGetDevice)
	s.AddTool(statsTool(), h.handleStats)
	s.AddTool(queryEventsTool(), h.handleQueryEvents)
	return s
}

// Serve runs the MCP server on stdio until ctx is done or the client leaves.
func Serve(ctx context.Context, s *mcp.Server) error {
	return s.Run(ctx, &mcp.StdioTransport{})
}
