// Package cmd defines the newsgather command line interface.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dmaraist/newsgather/internal/app"
)

var cfgFile string

type appKeyType struct{}

// newApp is the application factory, replaceable in tests.
var newApp = func(ctx context.Context) (*app.App, error) {
	return app.New(ctx, cfgFile)
}

func appFromContext(cmd *cobra.Command) *app.App {
	a, _ := cmd.Context().Value(appKeyType{}).(*app.App)
	return a
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "newsgather",
		Short: "A news article crawler with layered discovery and extraction.",
		Long: `newsgather ingests registered news websites: it discovers article
URLs through sitemaps, feeds, category pages, and homepage links, then
extracts normalized articles through a fallback of structural,
similarity, and generative strategies.`,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to initialize application: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKeyType{}, a))
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if a := appFromContext(cmd); a != nil {
				a.Close()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")

	cmd.AddCommand(newCrawlCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newExtractCmd())
	return cmd
}

// Execute runs the CLI.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
