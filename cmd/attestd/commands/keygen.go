package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/oktsec/attestd/internal/identity"
)

func newKeygenCmd() *cobra.Command {
	var devices []string
	var outDir, alg string

	reg := identity.NewRegistry(identity.DefaultSchemes()...)

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate device signing keypairs",
		Example: `  attestd keygen --device gw-0042 --out ./keys/
  attestd keygen --device gw-1 --device gw-2 --alg ml-dsa-65`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(devices) == 0 {
				return fmt.Errorf("at least one --device is required")
			}
			outDir := keysDir(cmd, "out", outDir)

			for _, name := range devices {
				kp, err := identity.GenerateKeypair(reg, name, alg)
				if err != nil {
					return fmt.Errorf("generating keypair for %s: %w", name, err)
				}
				if err := kp.Save(outDir); err != nil {
					return fmt.Errorf("saving keypair for %s: %w", name, err)
				}
				fp := identity.Fingerprint(kp.PublicKey)
				fmt.Printf("Generated %s keypair for %s\n", alg, name)
				fmt.Printf("  Private: %s/%s.key\n", outDir, name)
				fmt.Printf("  Public:  %s/%s.pub\n", outDir, name)
				fmt.Printf("  Fingerprint: %s\n\n", fp[:16]+"...")
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&devices, "device", nil, "device name(s) to generate keys for")
	cmd.Flags().StringVar(&outDir, "out", "./keys", "output directory for keys (overrides identity.keys_dir)")
	cmd.Flags().StringVar(&alg, "alg", identity.AlgEd25519,
		"signature algorithm ("+strings.Join(reg.Algorithms(), ", ")+")")
	return cmd
}
