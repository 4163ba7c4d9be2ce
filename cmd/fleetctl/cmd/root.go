package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "fleetctl",
	Short: "Fleetctl is a command line tool for interacting with the fleetplane control plane",
	Long: `fleetctl is the command-line interface for the fleetplane game-server
fleet orchestration platform.

Fleetplane keeps a control plane for orgs that operate fleets of game-server
hosts: it schedules recurring maintenance jobs, fans operations out across
whole fleets as batches, and pairs remote host agents over single-use tokens.

Common workflows:

  Bootstrap an org:
    fleetctl org create --name "acme-hosting"

  Issue a pairing token for a new host:
    fleetctl pairing-token create --ttl 900

  Schedule a nightly restart:
    fleetctl schedule create --instance <id> --cron "0 4 * * *" --job-type SERVER_RESTART

  Restart a whole fleet:
    fleetctl batch create --type restart_wave --instances <id>,<id>,<id>

  Watch a batch settle:
    fleetctl batch status <batch-id>

Configuration:
  Set the API endpoint and credentials via environment variables or a config file:
    FLEETPLANE_URL      API endpoint (default: http://localhost:8080)
    FLEETPLANE_TOKEN    Org API key for authentication
    FLEETPLANE_ORG      Org ID the commands operate on`,
}

func Execute() error {
	return rootCmd.Execute()
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		// Search config in home directory with name ".fleetctl"
		viper.AddConfigPath(home)
		viper.SetConfigName(".fleetctl")
		viper.SetConfigType("yaml")
	}

	// Read environment variables that match "FLEETPLANE_VARNAME"
	viper.SetEnvPrefix("FLEETPLANE")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Println("Using config file:", viper.ConfigFileUsed())
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.fleetctl.yaml)")

	rootCmd.PersistentFlags().String("url", "http://localhost:8080", "Fleetplane control plane URL")
	viper.BindPFlag("url", rootCmd.PersistentFlags().Lookup("url"))

	rootCmd.PersistentFlags().StringP("token", "t", "", "Org API key for authentication")
	viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))

	rootCmd.PersistentFlags().StringP("org", "o", "", "Org ID the commands operate on")
	viper.BindPFlag("org", rootCmd.PersistentFlags().Lookup("org"))
}
