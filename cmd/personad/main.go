package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "personad",
		Short: "Persona Orchestrator - background run manager",
		Long: `Persona Orchestrator tracks long-running backend runs for persona
workflows. It starts and cancels runs, correlates the backend's event
stream, infers progress phases from output, and recovers runs after a
restart from authoritative snapshots.`,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
