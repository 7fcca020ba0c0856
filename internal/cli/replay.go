package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"ooda-engine/internal/app"
)

var (
	replayAsset   string
	replayFrom    string
	replayTo      string
	replayStep    time.Duration
	replayWorkers int
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Rerun detection over historical observations",
	RunE: func(cmd *cobra.Command, args []string) error {
		if replayFrom == "" || replayTo == "" {
			return fmt.Errorf("--from and --to must be provided")
		}

		from, err := parseTime("from", replayFrom)
		if err != nil {
			return err
		}
		to, err := parseTime("to", replayTo)
		if err != nil {
			return err
		}
		if !from.Before(to) {
			return fmt.Errorf("--from must be before --to")
		}

		opts := app.ReplayOptions{
			AssetID: replayAsset,
			From:    from,
			To:      to,
			Step:    replayStep,
			Workers: replayWorkers,
		}
		return getApp().Replay(cmd.Context(), opts)
	},
}

func init() {
	replayCmd.Flags().StringVar(&replayAsset, "asset", "", "Asset to replay (defaults to every asset)")
	replayCmd.Flags().StringVar(&replayFrom, "from", "", "First window end (RFC3339)")
	replayCmd.Flags().StringVar(&replayTo, "to", "", "Last window end (RFC3339, inclusive)")
	replayCmd.Flags().DurationVar(&replayStep, "step", 0, "Distance between window ends (defaults to scheduler interval)")
	replayCmd.Flags().IntVar(&replayWorkers, "workers", 2, "Number of concurrent workers")
}
