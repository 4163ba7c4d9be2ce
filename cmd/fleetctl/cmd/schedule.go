package cmd

import (
	"encoding/json"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"fleetplane/pkg/api"
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Manage recurring job schedules",
}

var scheduleCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a recurring job schedule",
	Long: `Create a cron schedule that dispatches a job against a server instance.

An optional execution window (--window-start/--window-end, "HH:MM" UTC)
pushes fires that land outside the window to the next window opening.

Example:
  fleetctl schedule create --instance 6b1f... --cron "0 4 * * *" --job-type SERVER_RESTART
  fleetctl schedule create --instance 6b1f... --cron "*/30 * * * *" --job-type SERVER_UPDATE --window-start 02:00 --window-end 06:00`,
	Run: func(cmd *cobra.Command, args []string) {
		flags := cmd.Flags()
		instance, _ := flags.GetString("instance")
		cronExpr, _ := flags.GetString("cron")
		jobType, _ := flags.GetString("job-type")
		windowStart, _ := flags.GetString("window-start")
		windowEnd, _ := flags.GetString("window-end")
		payload, _ := flags.GetString("payload")

		token := viper.GetString("token")
		if token == "" {
			cmd.Println("API token not found. Please set it using the --token flag or the FLEETPLANE_TOKEN environment variable")
			return
		}
		if instance == "" {
			cmd.Println("Error: --instance is required")
			return
		}
		if cronExpr == "" {
			cmd.Println("Error: --cron is required")
			return
		}
		if jobType == "" {
			cmd.Println("Error: --job-type is required")
			return
		}

		req := api.CreateScheduleRequest{
			ServerInstanceID: instance,
			CronExpression:   cronExpr,
			JobType:          jobType,
			WindowStart:      windowStart,
			WindowEnd:        windowEnd,
		}
		if payload != "" {
			req.Payload = json.RawMessage(payload)
		}

		client := NewClient(viper.GetString("url"), token, viper.GetString("org"))
		result, err := client.CreateSchedule(req)
		if err != nil {
			printClientError(cmd, err)
			return
		}

		cmd.Printf("✓ Schedule created!\nID: %s\n", result.ID)
		if result.NextRunAt != nil {
			cmd.Printf("Next run: %s\n", result.NextRunAt)
		}
	},
}

var scheduleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the org's schedules",
	Run: func(cmd *cobra.Command, args []string) {
		token := viper.GetString("token")
		if token == "" {
			cmd.Println("API token not found. Please set it using the --token flag or the FLEETPLANE_TOKEN environment variable")
			return
		}

		client := NewClient(viper.GetString("url"), token, viper.GetString("org"))
		schedules, err := client.ListSchedules()
		if err != nil {
			printClientError(cmd, err)
			return
		}

		if len(schedules) == 0 {
			cmd.Println("No schedules found")
			return
		}
		for _, s := range schedules {
			next := "-"
			if s.NextRunAt != nil {
				next = s.NextRunAt.Format("2006-01-02 15:04:05")
			}
			cmd.Printf("%s  %-16s  %-12s  runs=%d failures=%d  next=%s\n",
				s.ID, s.CronExpression, s.JobType, s.RunCount, s.FailureCount, next)
		}
	},
}

func init() {
	flags := scheduleCreateCmd.Flags()
	flags.StringP("instance", "i", "", "Server instance ID (required)")
	flags.StringP("cron", "c", "", "Five-field cron expression (required)")
	flags.StringP("job-type", "j", "", "Job type to dispatch (required)")
	flags.String("window-start", "", "Execution window start, HH:MM UTC")
	flags.String("window-end", "", "Execution window end, HH:MM UTC")
	flags.String("payload", "", "JSON payload forwarded to the agent")

	scheduleCmd.AddCommand(scheduleCreateCmd)
	scheduleCmd.AddCommand(scheduleListCmd)
	rootCmd.AddCommand(scheduleCmd)
}
