package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var cfgPath string

var rootCmd = &cobra.Command{
	Use:           "meterwatch",
	Short:         "Water meter polling daemon",
	Long:          "meterwatch scrapes a utility portal for the water meter reading,\nreconciles it against the last known-good value, and serves it over HTTP.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("meterwatch", version)
	},
}

func main() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "./config.json", "path to config file (json or yaml)")
	rootCmd.AddCommand(serveCmd, onceCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
