package cli

import (
	"errors"

	"github.com/spf13/cobra"
)

var simulateAsset string

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "Send the alert for an asset's stored diagnosis",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateAsset == "" {
			return errors.New("--asset must be provided")
		}
		return getApp().SimulateAlert(cmd.Context(), simulateAsset)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateAsset, "asset", "", "Asset whose diagnosis to alert on")
}
