package commands

import (
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/oktsec/attestd/internal/attest"
	"github.com/oktsec/attestd/internal/identity"
)

// version is set at build time via ldflags.
var version = "dev"

type versionInfo struct {
	Version       string   `json:"version"`
	ReportVersion string   `json:"report_version"`
	Algorithms    []string `json:"signature_algorithms"`
	Go            string   `json:"go"`
	Platform      string   `json:"platform"`
}

func currentVersion() versionInfo {
	return versionInfo{
		Version:       version,
		ReportVersion: attest.ReportVersion,
		Algorithms:    identity.NewRegistry(identity.DefaultSchemes()...).Algorithms(),
		Go:            runtime.Version(),
		Platform:      runtime.GOOS + "/" + runtime.GOARCH,
	}
}

func newVersionCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version and supported signature algorithms",
		RunE: func(cmd *cobra.Command, args []string) error {
			v := currentVersion()
			if asJSON {
				return printJSON(os.Stdout, v)
			}
			fmt.Printf("attestd %s\n", v.Version)
			fmt.Printf("  reports:    v%s\n", v.ReportVersion)
			fmt.Printf("  signatures: %s\n", strings.Join(v.Algorithms, ", "))
			fmt.Printf("  go:         %s (%s)\n", v.Go, v.Platform)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "output as JSON")
	return cmd
}
