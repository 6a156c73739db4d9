package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/oktsec/attestd/internal/safefile"
	"github.com/oktsec/attestd/sdk"
)

func newSignCmd() *cobra.Command {
	var keys, name, serial, measurementsFile, submitURL, deviceID string

	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Sign measurements into an attestation report",
		Long: `Builds a report payload from a JSON array of measurements, signs it with a
device key and prints it. With --submit the report is sent to a running
server and the verdict is printed instead.`,
		Example: `  attestd sign --name gw-0042 --serial SN-0042 --measurements pcrs.json
  attestd sign --name gw-0042 --serial SN-0042 --measurements pcrs.json \
      --submit http://127.0.0.1:8443 --device-id 3f1c...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" || serial == "" || measurementsFile == "" {
				return fmt.Errorf("--name, --serial and --measurements are required")
			}
			data, err := safefile.ReadFileMax(measurementsFile, safefile.MaxMeasurements)
			if err != nil {
				return fmt.Errorf("reading measurements: %w", err)
			}
			var ms []sdk.Measurement
			if err := json.Unmarshal(data, &ms); err != nil {
				return fmt.Errorf("parsing measurements: %w", err)
			}

			kp, err := sdk.LoadKeypair(keysDir(cmd, "keys", keys), name)
			if err != nil {
				return err
			}
			client := sdk.NewClient(submitURL, deviceID, serial, kp)
			payload, err := client.Sign(ms)
			if err != nil {
				return err
			}
			if submitURL == "" {
				return printJSON(os.Stdout, payload)
			}
			if deviceID == "" {
				return fmt.Errorf("--device-id is required with --submit")
			}

			rcpt, err := client.Submit(cmd.Context(), payload)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "submitted report %s (sequence %d)\n", rcpt.ReportID, rcpt.Sequence)
			rep, err := client.Verify(cmd.Context(), rcpt.ReportID)
			if err != nil {
				return err
			}
			return printJSON(os.Stdout, rep)
		},
	}

	cmd.Flags().StringVar(&keys, "keys", "./keys", "directory holding the device keypair (overrides identity.keys_dir)")
	cmd.Flags().StringVar(&name, "name", "", "keypair name")
	cmd.Flags().StringVar(&serial, "serial", "", "device serial number bound into the signature")
	cmd.Flags().StringVar(&measurementsFile, "measurements", "", "JSON file with an array of measurements")
	cmd.Flags().StringVar(&submitURL, "submit", "", "server URL to submit the signed report to")
	cmd.Flags().StringVar(&deviceID, "device-id", "", "device ID to submit as")
	return cmd
}
