package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/oktsec/attestd/internal/attest"
	"github.com/oktsec/attestd/internal/device"
	"github.com/oktsec/attestd/internal/identity"
	"github.com/oktsec/attestd/internal/pipeline"
	"github.com/oktsec/attestd/internal/store"
)

func newDeviceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "device",
		Short: "Register and administer devices",
	}
	cmd.AddCommand(newDeviceRegisterCmd(), newDeviceListCmd(), newDeviceShowCmd())
	for _, a := range []device.Action{
		device.ActionActivate, device.ActionMaintenance, device.ActionCompromise,
		device.ActionReinstate, device.ActionDecommission,
	} {
		cmd.AddCommand(newDeviceActionCmd(a))
	}
	return cmd
}

func newDeviceRegisterCmd() *cobra.Command {
	var serial, class, dir string
	var keys []string
	var interval time.Duration
	var activate bool

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a device with one or more public keys",
		Example: `  attestd device register --serial SN-0042 --class gateway --key gw-0042
  attestd device register --serial SN-7 --key gw-7 --key gw-7-pq --activate`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(keys) == 0 {
				return fmt.Errorf("at least one --key is required")
			}
			reg := pipeline.Registration{Serial: serial, Class: class, ExpectedInterval: interval}
			dir := keysDir(cmd, "keys", dir)
			for _, name := range keys {
				alg, pub, err := identity.LoadPublicKey(dir, name)
				if err != nil {
					return fmt.Errorf("loading key %s: %w", name, err)
				}
				reg.PublicKeys = append(reg.PublicKeys, attest.PublicKey{Algorithm: alg, Key: pub})
			}

			st, err := operatorPipeline(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			d, err := st.pipeline.RegisterDevice(cmd.Context(), reg)
			if err != nil {
				return err
			}
			if activate {
				if d, err = st.pipeline.Administer(cmd.Context(), d.ID, device.ActionActivate, operator(), "activated at registration"); err != nil {
					return err
				}
			}
			fmt.Printf("Registered %s\n", d.Serial)
			fmt.Printf("  ID:     %s\n", d.ID)
			fmt.Printf("  Status: %s\n", colorStatus(d.Status))
			for _, k := range d.PublicKeys {
				fmt.Printf("  Key:    %s %s\n", k.Algorithm, identity.Fingerprint(k.Key)[:16]+"...")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&serial, "serial", "", "device serial number")
	cmd.Flags().StringVar(&class, "class", "", "device class used to scope policies")
	cmd.Flags().StringVar(&dir, "keys", "./keys", "directory holding public keys (overrides identity.keys_dir)")
	cmd.Flags().StringSliceVar(&keys, "key", nil, "public key name(s) in --keys")
	cmd.Flags().DurationVar(&interval, "interval", time.Hour, "expected attestation interval")
	cmd.Flags().BoolVar(&activate, "activate", false, "move the device straight to active")
	return cmd
}

func newDeviceListCmd() *cobra.Command {
	var status, class string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := operatorPipeline(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			devices, err := st.pipeline.ListDevices(cmd.Context(), store.DeviceFilter{
				Status: attest.DeviceStatus(status),
				Class:  class,
			})
			if err != nil {
				return err
			}
			if asJSON || !isTerminal() {
				return printJSON(os.Stdout, devices)
			}
			if len(devices) == 0 {
				fmt.Println("No devices registered.")
				return nil
			}

			tw := newTable(os.Stdout)
			fmt.Fprintf(tw, "ID\tSERIAL\tCLASS\tSTATUS\tTRUST\tLAST ATTESTED\tRESULT\n") //nolint:errcheck // CLI output
			for _, d := range devices {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", //nolint:errcheck // CLI output
					d.ID, d.Serial, d.Class, colorStatus(d.Status), colorLevel(d.TrustLevel),
					fmtTime(d.LastAttestationTime), d.LastAttestationResult)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&class, "class", "", "filter by device class")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newDeviceShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <device-id>",
		Short: "Show one device as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := operatorPipeline(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			d, err := st.pipeline.GetDevice(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(os.Stdout, d)
		},
	}
}

func newDeviceActionCmd(action device.Action) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   string(action) + " <device-id>",
		Short: fmt.Sprintf("Apply the %s action to a device", action),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := operatorPipeline(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			d, err := st.pipeline.Administer(cmd.Context(), args[0], action, operator(), reason)
			if err != nil {
				return err
			}
			fmt.Printf("%s is now %s\n", d.Serial, colorStatus(d.Status))
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the audit log")
	return cmd
}

// operator names the human running the CLI for audit events.
func operator() string {
	if u := os.Getenv("USER"); u != "" {
		return "cli:" + u
	}
	return "cli"
}
