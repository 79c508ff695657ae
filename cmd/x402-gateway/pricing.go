package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	x402 "github.com/becomeliminal/x402-tool-gateway"
)

func pricingCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "pricing [file]",
		Short: "Validate and print a pricing catalog",
		Long:  `Validate a YAML pricing catalog and print the effective price of every tool. Without a file, PRICING_FILE or the built-in default catalog is used.`,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := os.Getenv("PRICING_FILE")
			if len(args) == 1 {
				path = args[0]
			}

			catalog := x402.DefaultCatalog()
			if path != "" {
				var err error
				if catalog, err = x402.LoadCatalog(path); err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(catalog.Entries())
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TOOL\tCATEGORY\tPRICE\tRATE LIMIT\tDESCRIPTION")
			for _, e := range catalog.Entries() {
				limit := fmt.Sprint(e.RateLimit)
				if e.RateLimit == 0 {
					limit = "unlimited"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", e.Tool, e.Category, e.Price, limit, e.Description)
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}
