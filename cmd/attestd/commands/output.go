package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"golang.org/x/term"

	"github.com/oktsec/attestd/internal/attest"
)

var (
	okFmt   = color.New(color.FgGreen).SprintFunc()
	warnFmt = color.New(color.FgYellow).SprintFunc()
	badFmt  = color.New(color.FgRed, color.Bold).SprintFunc()
	dimFmt  = color.New(color.Faint).SprintFunc()
)

// isTerminal reports whether stdout is an interactive terminal.
func isTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func colorStatus(s attest.DeviceStatus) string {
	switch s {
	case attest.StatusActive:
		return okFmt(s)
	case attest.StatusMaintenance, attest.StatusProvisioning:
		return warnFmt(s)
	case attest.StatusCompromised:
		return badFmt(s)
	}
	return dimFmt(s)
}

func colorLevel(l attest.TrustLevel) string {
	switch l {
	case attest.TrustHigh:
		return okFmt(l)
	case attest.TrustMedium:
		return warnFmt(l)
	case attest.TrustLow:
		return badFmt(l)
	}
	return dimFmt(l)
}

func colorVerification(r *attest.Report) string {
	switch r.VerificationStatus {
	case attest.VerificationVerified:
		if r.ComplianceStatus == attest.ComplianceNonCompliant {
			return warnFmt("non_compliant")
		}
		return okFmt("verified")
	case attest.VerificationFailed:
		return badFmt("failed:" + r.FailureReason)
	}
	return dimFmt(r.VerificationStatus)
}

func colorSeverity(s attest.Severity) string {
	switch s {
	case attest.SeverityCritical, attest.SeverityHigh:
		return badFmt(s)
	case attest.SeverityMedium:
		return warnFmt(s)
	}
	return string(s)
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

// sinceFlag turns a "1h"-style flag into an absolute time.
func sinceFlag(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return time.Now().Add(-d).UTC(), nil
}
