// Package cmd defines the offerscout command tree.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "offerscout",
		Short: "Grocery store and offer scraping service.",
		Long: `offerscout discovers grocery stores by postal code and keeps their
current offers fresh. Scrapes run through a chain of strategies, from a
structured flyer API down to a vision model reading rendered pages, so a
single broken upstream never takes the whole pipeline down.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is environment only)")

	cmd.AddCommand(newServeCmd())

	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "offerscout: %v\n", err)
		os.Exit(1)
	}
}
