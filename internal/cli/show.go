package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"ooda-engine/internal/app"
)

var (
	showAsset string
	showID    string
	showLimit int
)

var showCmd = &cobra.Command{
	Use:       "show <findings|diagnostics|risk|schedule|boms|orders|tracking>",
	Short:     "Display stored artifacts",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"findings", "diagnostics", "risk", "schedule", "boms", "orders", "tracking"},
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Stage:   args[0],
			AssetID: showAsset,
			ID:      showID,
			Limit:   showLimit,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().StringVar(&showAsset, "asset", "", "Filter by asset (required for findings)")
	showCmd.Flags().StringVar(&showID, "id", "", "Print a single artifact as JSON")
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of artifacts to display")
}
