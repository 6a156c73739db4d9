package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/oktsec/attestd/internal/policy"
)

func newPoliciesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policies",
		Short: "Inspect and validate policy sets",
	}
	cmd.AddCommand(newPoliciesValidateCmd(), newPoliciesListCmd())
	return cmd
}

// policyFile resolves an explicit argument or the configured file.
func policyFile(args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	return cfg.Policies.File, nil
}

func newPoliciesValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [file]",
		Short: "Check a policy file without loading it into a server",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := policyFile(args)
			if err != nil {
				return err
			}
			set, err := policy.LoadSet(path)
			if err != nil {
				fmt.Printf("%s %s\n", badFmt("invalid"), path)
				return err
			}
			fmt.Printf("%s %s (version %s, %d policies)\n", okFmt("ok"), path, set.Version, len(set.Policies))
			return nil
		},
	}
}

func newPoliciesListCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list [file]",
		Short: "List the policies in a policy file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := policyFile(args)
			if err != nil {
				return err
			}
			set, err := policy.LoadSet(path)
			if err != nil {
				return err
			}
			if asJSON || !isTerminal() {
				return printJSON(os.Stdout, set)
			}

			tw := newTable(os.Stdout)
			fmt.Fprintf(tw, "ID\tVERSION\tKIND\tCLASSES\tDETAIL\n") //nolint:errcheck // CLI output
			for _, p := range set.Policies {
				classes := "all"
				if len(p.DeviceClasses) > 0 {
					classes = strings.Join(p.DeviceClasses, ",")
				}
				fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n", //nolint:errcheck // CLI output
					p.ID, p.Version, p.Kind, classes, policyDetail(p))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func policyDetail(p policy.Policy) string {
	switch p.Kind {
	case policy.KindPCRBaseline:
		return fmt.Sprintf("%d baseline indices", len(p.Baseline))
	case policy.KindMeasurementIntegrity:
		return "requires " + strings.Join(p.RequiredMeasurements, ", ")
	case policy.KindTemporalFreshness:
		return fmt.Sprintf("max age %dm", p.MaxAgeMinutes)
	}
	return ""
}
