package cmd

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

func newExtractCmd() *cobra.Command {
	var rawURL string

	cmd := &cobra.Command{
		Use:   "extract",
		Short: "Extracts a single article URL and prints the result",
		Long: `Fetches one URL through the guard and runs the extraction fallback
over it, printing the structured article as JSON. Useful for tuning
per-site schemas without a full crawl.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := appFromContext(cmd)
			if a == nil {
				return errors.New("application not initialized")
			}

			result, err := a.Chain.Run(cmd.Context(), rawURL)
			if err != nil {
				return fmt.Errorf("extraction failed: %w", err)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}

	cmd.Flags().StringVar(&rawURL, "url", "", "article url to extract")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}
