package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"dsdreports/internal/app"
)

var rootCmd = &cobra.Command{
	Use:           "dsdreports",
	Short:         "Retrieve, reconcile and mail DSD dashboard reports",
	Version:       app.VERSION,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "path to a YAML configuration file")
	rootCmd.AddCommand(runCmd, reconcileCmd, historyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
