package commands

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	mcpserver "github.com/oktsec/attestd/internal/mcp"
)

func newMCPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Start attestd as an MCP server (stdio)",
		Long: `Exposes read-only attestation queries as an MCP tool server. Add to your MCP client config:

  {
    "mcpServers": {
      "attestd": {
        "command": "attestd",
        "args": ["mcp", "--config", "./attestd.yaml"]
      }
    }
  }

Tools: query_reports, get_report, get_device, attestation_stats, query_events`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			// stdout carries the protocol; keep logs on stderr and quiet.
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

			s, err := openStore(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer s.Close() //nolint:errcheck // best-effort cleanup

			return mcpserver.Serve(cmd.Context(), mcpserver.NewServer(s, version, logger))
		},
	}
}
