package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"fleetplane/pkg/api"
)

var orgCmd = &cobra.Command{
	Use:   "org",
	Short: "Manage orgs",
}

var orgCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Register a new org",
	Long: `Register a new org and print its API key.

The key is shown exactly once; store it somewhere safe.

Example:
  fleetctl org create --name "acme-hosting"`,
	Run: func(cmd *cobra.Command, args []string) {
		name, _ := cmd.Flags().GetString("name")
		if name == "" {
			cmd.Println("Error: --name is required")
			return
		}

		client := NewClient(viper.GetString("url"), viper.GetString("token"), viper.GetString("org"))
		result, err := client.CreateOrg(api.CreateOrgRequest{Name: name})
		if err != nil {
			printClientError(cmd, err)
			return
		}

		cmd.Printf("✓ Org created!\nID: %s\nAPI key (shown once): %s\n", result.ID, result.ApiKey)
	},
}

func printClientError(cmd *cobra.Command, err error) {
	if apiErr, ok := err.(*APIError); ok {
		cmd.Printf("Error (%d): %s\n", apiErr.StatusCode, apiErr.Message)
		return
	}
	cmd.Printf("Error: %v\n", err)
}

func init() {
	orgCreateCmd.Flags().StringP("name", "n", "", "Name of the org (required)")

	orgCmd.AddCommand(orgCreateCmd)
	rootCmd.AddCommand(orgCmd)
}
