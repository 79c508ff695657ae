// Command x402-gateway puts pay-per-call x402 payments in front of a tool server.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:     "x402-gateway",
		Short:   "x402 payment gateway for tool servers",
		Long:    `x402-gateway charges for every tool call with an x402 payment, rate limits paying callers and forwards allowed calls to an upstream tool server.`,
		Version: version,

		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(pricingCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
