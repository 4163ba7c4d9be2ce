package cmd

import (
	"encoding/json"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"fleetplane/pkg/api"
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Manage fleet-wide batch operations",
}

var batchCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Fan an operation out across a fleet",
	Long: `Create a batch that dispatches one job per server instance.

Batch types: restart_wave, update_wave, bulk_mod_install, custom.

Example:
  fleetctl batch create --type restart_wave --instances 6b1f...,9c2e...
  fleetctl batch create --type bulk_mod_install --instances 6b1f... --payload '{"mod_url": "https://mods.example/pack.zip"}'`,
	Run: func(cmd *cobra.Command, args []string) {
		flags := cmd.Flags()
		batchType, _ := flags.GetString("type")
		instances, _ := flags.GetStringSlice("instances")
		payload, _ := flags.GetString("payload")

		token := viper.GetString("token")
		if token == "" {
			cmd.Println("API token not found. Please set it using the --token flag or the FLEETPLANE_TOKEN environment variable")
			return
		}
		if batchType == "" {
			cmd.Println("Error: --type is required")
			return
		}
		if len(instances) == 0 {
			cmd.Println("Error: --instances is required")
			return
		}

		req := api.CreateBatchRequest{
			Type:              batchType,
			ServerInstanceIDs: instances,
		}
		if payload != "" {
			req.Payload = json.RawMessage(payload)
		}

		client := NewClient(viper.GetString("url"), token, viper.GetString("org"))
		result, err := client.CreateBatch(req)
		if err != nil {
			printClientError(cmd, err)
			return
		}

		cmd.Printf("✓ Batch created!\nID: %s\nType: %s\nInstances: %d\n", result.ID, result.Type, result.TotalCount)
	},
}

var batchListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the org's batches",
	Run: func(cmd *cobra.Command, args []string) {
		token := viper.GetString("token")
		if token == "" {
			cmd.Println("API token not found. Please set it using the --token flag or the FLEETPLANE_TOKEN environment variable")
			return
		}

		client := NewClient(viper.GetString("url"), token, viper.GetString("org"))
		batches, err := client.ListBatches()
		if err != nil {
			printClientError(cmd, err)
			return
		}

		if len(batches) == 0 {
			cmd.Println("No batches found")
			return
		}
		for _, b := range batches {
			cmd.Printf("%s  %-16s  %-24s  %d/%d done\n",
				b.ID, b.Type, b.Status, b.SuccessCount+b.FailedCount+b.CancelledCount, b.TotalCount)
		}
	},
}

var batchStatusCmd = &cobra.Command{
	Use:   "status [batch_id]",
	Short: "Show a batch's progress counters",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		token := viper.GetString("token")
		if token == "" {
			cmd.Println("API token not found. Please set it using the --token flag or the FLEETPLANE_TOKEN environment variable")
			return
		}

		client := NewClient(viper.GetString("url"), token, viper.GetString("org"))
		b, err := client.GetBatch(args[0])
		if err != nil {
			printClientError(cmd, err)
			return
		}

		cmd.Printf("Batch: %s\nType: %s\nStatus: %s\n", b.ID, b.Type, b.Status)
		cmd.Printf("Total: %d\nPending: %d\nRunning: %d\nSucceeded: %d\nFailed: %d\nCancelled: %d\n",
			b.TotalCount, b.PendingCount, b.RunningCount, b.SuccessCount, b.FailedCount, b.CancelledCount)
		if b.CompletedAt != nil {
			cmd.Printf("Completed: %s\n", b.CompletedAt)
		}
	},
}

var batchCancelCmd = &cobra.Command{
	Use:   "cancel [batch_id]",
	Short: "Cancel a running batch's pending jobs",
	Long: `Cancel a running batch. Jobs not yet claimed by an agent are
cancelled; jobs already running finish and still count toward the totals.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		token := viper.GetString("token")
		if token == "" {
			cmd.Println("API token not found. Please set it using the --token flag or the FLEETPLANE_TOKEN environment variable")
			return
		}

		client := NewClient(viper.GetString("url"), token, viper.GetString("org"))
		b, err := client.CancelBatch(args[0])
		if err != nil {
			printClientError(cmd, err)
			return
		}

		cmd.Printf("✓ Batch cancelled!\nCancelled jobs: %d\nStill running: %d\n", b.CancelledCount, b.RunningCount)
	},
}

func init() {
	flags := batchCreateCmd.Flags()
	flags.StringP("type", "T", "", "Batch type (required)")
	flags.StringSliceP("instances", "i", []string{}, "Server instance IDs (required)")
	flags.String("payload", "", "JSON payload forwarded to every job")

	batchCmd.AddCommand(batchCreateCmd)
	batchCmd.AddCommand(batchListCmd)
	batchCmd.AddCommand(batchStatusCmd)
	batchCmd.AddCommand(batchCancelCmd)
	rootCmd.AddCommand(batchCmd)
}
