package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/oktsec/attestd/internal/attest"
	"github.com/oktsec/attestd/internal/store"
)

func newReportsCmd() *cobra.Command {
	var deviceID, status, compliance, level, since string
	var limit int
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "reports [report-id]",
		Short: "Query attestation reports",
		Example: `  attestd reports
  attestd reports --device 3f1c... --since 24h
  attestd reports --status failed
  attestd reports --compliance non_compliant --json
  attestd reports 9a0e...`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := readStore(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close() //nolint:errcheck // best-effort cleanup

			if len(args) == 1 {
				r, err := s.GetReport(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(os.Stdout, r)
			}

			from, err := sinceFlag(since)
			if err != nil {
				return err
			}
			reports, err := s.FindReports(cmd.Context(), store.ReportFilter{
				DeviceID:   deviceID,
				Status:     attest.VerificationStatus(status),
				Compliance: attest.ComplianceStatus(compliance),
				TrustLevel: attest.TrustLevel(level),
				Since:      from,
			}, store.Page{Limit: limit})
			if err != nil {
				return err
			}
			if asJSON || !isTerminal() {
				return printJSON(os.Stdout, reports)
			}
			if len(reports) == 0 {
				fmt.Println("No reports found.")
				return nil
			}

			tw := newTable(os.Stdout)
			fmt.Fprintf(tw, "SUBMITTED\tREPORT\tDEVICE\tSEQ\tVERDICT\tSCORE\tTRUST\tVIOLATIONS\n") //nolint:errcheck // CLI output
			for _, r := range reports {
				score := "-"
				if r.VerificationStatus != attest.VerificationPending {
					score = fmt.Sprint(r.TrustScore)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%s\t%d\n", //nolint:errcheck // CLI output
					fmtTime(r.SubmittedAt), r.ID, r.DeviceID, r.Sequence, colorVerification(r),
					score, colorLevel(r.TrustLevel), len(r.PolicyViolations))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&deviceID, "device", "", "filter by device ID")
	cmd.Flags().StringVar(&status, "status", "", "filter by verification status (pending, verified, failed)")
	cmd.Flags().StringVar(&compliance, "compliance", "", "filter by compliance (compliant, non_compliant, unknown)")
	cmd.Flags().StringVar(&level, "trust", "", "filter by trust level")
	cmd.Flags().StringVar(&since, "since", "", "show reports since duration (e.g. 1h, 30m)")
	cmd.Flags().IntVar(&limit, "limit", 50, "max reports to return")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newEventsCmd() *cobra.Command {
	var deviceID, reportID, eventType, severity, since string
	var limit int
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Query the security event log",
		Example: `  attestd events
  attestd events --severity critical
  attestd events --type replay_detected --since 1h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := readStore(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close() //nolint:errcheck // best-effort cleanup

			from, err := sinceFlag(since)
			if err != nil {
				return err
			}
			events, err := s.QueryEvents(cmd.Context(), store.EventFilter{
				DeviceID:  deviceID,
				ReportID:  reportID,
				EventType: eventType,
				Severity:  attest.Severity(severity),
				Since:     from,
			}, store.Page{Limit: limit})
			if err != nil {
				return err
			}
			if asJSON || !isTerminal() {
				return printJSON(os.Stdout, events)
			}
			if len(events) == 0 {
				fmt.Println("No security events found.")
				return nil
			}
			return printEvents(events)
		},
	}

	cmd.Flags().StringVar(&deviceID, "device", "", "filter by device ID")
	cmd.Flags().StringVar(&reportID, "report", "", "filter by report ID")
	cmd.Flags().StringVar(&eventType, "type", "", "filter by event type")
	cmd.Flags().StringVar(&severity, "severity", "", "filter by severity (low, medium, high, critical)")
	cmd.Flags().StringVar(&since, "since", "", "show events since duration (e.g. 1h, 30m)")
	cmd.Flags().IntVar(&limit, "limit", 50, "max events to return")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func printEvents(events []attest.SecurityEvent) error {
	tw := newTable(os.Stdout)
	fmt.Fprintf(tw, "TIME\tSEVERITY\tTYPE\tDEVICE\tDESCRIPTION\n") //nolint:errcheck // CLI output
	for _, e := range events {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", //nolint:errcheck // CLI output
			fmtTime(e.Timestamp), colorSeverity(e.Severity), e.EventType, e.DeviceID, e.Description)
	}
	return tw.Flush()
}
