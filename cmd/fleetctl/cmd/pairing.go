package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"fleetplane/pkg/api"
)

var pairingTokenCmd = &cobra.Command{
	Use:   "pairing-token",
	Short: "Manage agent pairing tokens",
}

var pairingTokenCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Issue a single-use pairing token",
	Long: `Issue a single-use pairing token for onboarding a new host agent.

The plaintext token is shown exactly once. Hand it to the agent; it trades
the token for a long-lived credential on first contact.

Example:
  fleetctl pairing-token create --ttl 900`,
	Run: func(cmd *cobra.Command, args []string) {
		ttl, _ := cmd.Flags().GetInt("ttl")

		token := viper.GetString("token")
		if token == "" {
			cmd.Println("API token not found. Please set it using the --token flag or the FLEETPLANE_TOKEN environment variable")
			return
		}
		if viper.GetString("org") == "" {
			cmd.Println("Error: --org is required")
			return
		}

		client := NewClient(viper.GetString("url"), token, viper.GetString("org"))
		result, err := client.CreatePairingToken(api.CreatePairingTokenRequest{TTLSeconds: ttl})
		if err != nil {
			printClientError(cmd, err)
			return
		}

		cmd.Printf("✓ Pairing token issued!\nToken (shown once): %s\nExpires: %s\n", result.Token, result.ExpiresAt)
	},
}

var rotateKeyCmd = &cobra.Command{
	Use:   "rotate-key [host_id]",
	Short: "Rotate a host's agent key",
	Long: `Rotate the agent key of a host, revoking every credential minted
before the rotation. The fresh credential is printed for redeployment.

Example:
  fleetctl rotate-key 6b1f...`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		token := viper.GetString("token")
		if token == "" {
			cmd.Println("API token not found. Please set it using the --token flag or the FLEETPLANE_TOKEN environment variable")
			return
		}
		if viper.GetString("org") == "" {
			cmd.Println("Error: --org is required")
			return
		}

		client := NewClient(viper.GetString("url"), token, viper.GetString("org"))
		result, err := client.RotateKey(args[0])
		if err != nil {
			printClientError(cmd, err)
			return
		}

		cmd.Printf("✓ Key rotated!\nHost: %s\nNew credential: %s\n", result.HostID, result.Credential)
	},
}

func init() {
	pairingTokenCreateCmd.Flags().Int("ttl", 0, "Token lifetime in seconds (default 900, clamped to [60, 86400])")

	pairingTokenCmd.AddCommand(pairingTokenCreateCmd)
	rootCmd.AddCommand(pairingTokenCmd)
	rootCmd.AddCommand(rotateKeyCmd)
}
