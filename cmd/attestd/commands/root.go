package commands

import (
	"github.com/spf13/cobra"
)

var cfgFile string

func NewRoot() *cobra.Command {
	root := &cobra.Command{
		Use:   "attestd",
		Short: "Attestation verification and trust engine for edge devices",
		Long: "attestd verifies signed attestation reports from edge devices, evaluates them against " +
			"measurement policies, scores trust and quarantines devices that keep failing.",
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "attestd.yaml", "config file path")

	root.AddCommand(
		newServeCmd(),
		newKeygenCmd(),
		newSignCmd(),
		newDeviceCmd(),
		newReportsCmd(),
		newEventsCmd(),
		newStatsCmd(),
		newPoliciesCmd(),
		newWatchCmd(),
		newMCPCmd(),
		newVersionCmd(),
	)

	return root
}
