// Command flowctl is the control-plane daemon and operator CLI for the
// streaming SQL pipeline platform: it compiles SQL programs, deploys
// them as worker processes, and proxies ingress/egress/query traffic
// to them through the API façade.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	apiAddr    string
	apiKey     string
	configFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "flowctl",
		Short: "flowctl - streaming SQL pipeline control plane",
		Long:  "flowctl compiles SQL programs into pipeline binaries and manages their deployment lifecycle.",
	}

	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "http://127.0.0.1:8080", "Control plane API address")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("FLOWCTL_API_KEY"), "API key")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (daemon only; flags/env override)")

	rootCmd.AddCommand(
		daemonCmd(),
		listCmd(),
		getCmd(),
		createCmd(),
		startCmd(),
		pauseCmd(),
		shutdownCmd(),
		deleteCmd(),
		logsCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("flowctl dev")
			return nil
		},
	}
}
