package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	var logLevel string
	var logFile string

	root := &cobra.Command{
		Use:   "fleetd",
		Short: "fleetd — ESP32 fleet development and telemetry orchestrator",
		Long:  "Coordinates serial monitoring, compile/upload/reset, and live telemetry for a bench of ESP32 boards.",
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&logFile, "log-file", "", "additional log file path (logs always go to stdout)")

	root.AddCommand(
		serveCmd(&logLevel, &logFile),
		doctorCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
