package commands

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/oktsec/attestd/internal/store"
)

func newStatsCmd() *cobra.Command {
	var period time.Duration
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarize report outcomes over a period",
		RunE: func(cmd *cobra.Command, args []string) error {
			if period <= 0 {
				return fmt.Errorf("--period must be positive")
			}
			s, err := readStore(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close() //nolint:errcheck // best-effort cleanup

			now := time.Now().UTC()
			st, err := s.ReportStats(cmd.Context(), now.Add(-period), now)
			if err != nil {
				return err
			}
			if asJSON || !isTerminal() {
				return printJSON(os.Stdout, st)
			}
			printStats(st, period)
			return nil
		},
	}

	cmd.Flags().DurationVar(&period, "period", 24*time.Hour, "look-back period")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func printStats(st store.Stats, period time.Duration) {
	fmt.Printf("Reports in the last %s: %d\n", period, st.Total)
	section := func(title string, counts map[string]int) {
		if len(counts) == 0 {
			return
		}
		keys := make([]string, 0, len(counts))
		for k := range counts {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Printf("\n  %s\n", title)
		for _, k := range keys {
			fmt.Printf("    %-16s %d\n", k, counts[k])
		}
	}
	section("By status", stringKeys(st.ByStatus))
	section("By trust level", stringKeys(st.ByTrustLevel))
	section("By compliance", stringKeys(st.ByCompliance))
}

func stringKeys[K ~string](m map[K]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[string(k)] = v
	}
	return out
}
