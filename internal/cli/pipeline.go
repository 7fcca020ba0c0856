package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"ooda-engine/internal/backend"
)

var (
	detectAsset     string
	detectWindow    int
	detectThreshold float64
	detectSince     string
	detectUntil     string
)

var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Score the latest observation window of an asset",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := getApp().Config
		req := backend.DetectRequest{
			AssetID:           detectAsset,
			WindowMinutes:     cfg.Detector.WindowMinutes,
			SeverityThreshold: cfg.Detector.SeverityThreshold,
		}
		if cmd.Flags().Changed("window") {
			req.WindowMinutes = detectWindow
		}
		if cmd.Flags().Changed("threshold") {
			req.SeverityThreshold = detectThreshold
		}

		var err error
		if req.Since, err = parseOptionalTime("since", detectSince); err != nil {
			return err
		}
		if req.Until, err = parseOptionalTime("until", detectUntil); err != nil {
			return err
		}
		return getApp().Detect(cmd.Context(), req)
	},
}

var (
	diagnoseAsset string
	diagnoseAsOf  string
)

var diagnoseCmd = &cobra.Command{
	Use:   "diagnose",
	Short: "Classify recent findings of an asset",
	RunE: func(cmd *cobra.Command, args []string) error {
		req := backend.DiagnoseRequest{AssetID: diagnoseAsset}
		var err error
		if req.AsOf, err = parseOptionalTime("as-of", diagnoseAsOf); err != nil {
			return err
		}
		return getApp().Diagnose(cmd.Context(), req)
	},
}

var (
	riskAsset    string
	riskHorizons []int
)

var riskCmd = &cobra.Command{
	Use:   "risk",
	Short: "Compute Energy-at-Risk for an asset's latest diagnosis",
	RunE: func(cmd *cobra.Command, args []string) error {
		req := backend.RiskRequest{
			AssetID:  riskAsset,
			Horizons: getApp().Config.ResolveHorizons(riskHorizons),
		}
		return getApp().Risk(cmd.Context(), req)
	},
}

var (
	scheduleAsset string
	scheduleRef   string
	scheduleStart string
	scheduleEnd   string
	scheduleCrews int
	scheduleHours float64
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Place one repair into the crew calendar",
	RunE: func(cmd *cobra.Command, args []string) error {
		req := backend.ScheduleRequest{
			AssetID:        scheduleAsset,
			ComponentRef:   scheduleRef,
			CrewsAvailable: scheduleCrews,
			HoursPerDay:    scheduleHours,
		}
		if err := parseWindow(scheduleStart, scheduleEnd, &req.Start, &req.End); err != nil {
			return err
		}
		return getApp().Schedule(cmd.Context(), req)
	},
}

var (
	planStart string
	planEnd   string
	planCrews int
	planHours float64
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Allocate repairs for every diagnosed asset",
	RunE: func(cmd *cobra.Command, args []string) error {
		req := backend.PlanRequest{
			CrewsAvailable: planCrews,
			HoursPerDay:    planHours,
		}
		if err := parseWindow(planStart, planEnd, &req.Start, &req.End); err != nil {
			return err
		}
		return getApp().Plan(cmd.Context(), req)
	},
}

var (
	bomSchedule string
	bomEAR      string
	bomUseRisk  bool
	bomVariants int
)

var bomCmd = &cobra.Command{
	Use:   "bom",
	Short: "Build the bill of materials for a schedule",
	RunE: func(cmd *cobra.Command, args []string) error {
		req := backend.BOMRequest{
			ScheduleID:    bomSchedule,
			UseRiskReport: bomUseRisk,
		}
		if bomEAR != "" {
			ear, err := decimal.NewFromString(bomEAR)
			if err != nil {
				return fmt.Errorf("invalid --ear value: %w", err)
			}
			if ear.IsNegative() {
				return errors.New("--ear cannot be negative")
			}
			req.EARUSDPerDay = &ear
		}
		if cmd.Flags().Changed("variants") {
			req.VariantsPerType = &bomVariants
		}
		return getApp().BOM(cmd.Context(), req)
	},
}

var (
	orderBOM   string
	orderAsset string
)

var orderCmd = &cobra.Command{
	Use:   "order",
	Short: "Validate a BOM against the asset and record the order",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Order(cmd.Context(), backend.OrderRequest{BOMID: orderBOM, AssetID: orderAsset})
	},
}

var (
	trackEmail string
	trackJob   string
)

var trackCmd = &cobra.Command{
	Use:   "track",
	Short: "Subscribe an email address to job updates",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Track(cmd.Context(), backend.TrackRequest{Email: trackEmail, JobID: trackJob})
	},
}

func parseWindow(startValue, endValue string, start, end *time.Time) error {
	if startValue != "" {
		t, err := parseTime("start", startValue)
		if err != nil {
			return err
		}
		*start = t
	}
	if endValue != "" {
		t, err := parseTime("end", endValue)
		if err != nil {
			return err
		}
		*end = t
	}
	if !start.IsZero() && !end.IsZero() && !start.Before(*end) {
		return errors.New("--start must be before --end")
	}
	return nil
}

func init() {
	detectCmd.Flags().StringVar(&detectAsset, "asset", "", "Asset identifier")
	detectCmd.Flags().IntVar(&detectWindow, "window", 0, "Window length in minutes (defaults to config)")
	detectCmd.Flags().Float64Var(&detectThreshold, "threshold", 0, "Severity threshold in [0,1] (defaults to config)")
	detectCmd.Flags().StringVar(&detectSince, "since", "", "Ignore observations before this timestamp")
	detectCmd.Flags().StringVar(&detectUntil, "until", "", "Ignore observations after this timestamp")

	diagnoseCmd.Flags().StringVar(&diagnoseAsset, "asset", "", "Asset identifier")
	diagnoseCmd.Flags().StringVar(&diagnoseAsOf, "as-of", "", "End of the lookback (RFC3339 or YYYY-MM-DD, default now)")

	riskCmd.Flags().StringVar(&riskAsset, "asset", "", "Asset identifier")
	riskCmd.Flags().IntSliceVar(&riskHorizons, "horizons", nil, "Horizons in hours (defaults to config)")

	scheduleCmd.Flags().StringVar(&scheduleAsset, "asset", "", "Asset identifier")
	scheduleCmd.Flags().StringVar(&scheduleRef, "component", "", "Component reference (defaults to the primary diagnosis)")
	scheduleCmd.Flags().StringVar(&scheduleStart, "start", "", "Window start (defaults to today)")
	scheduleCmd.Flags().StringVar(&scheduleEnd, "end", "", "Window end (defaults to start plus the configured window)")
	scheduleCmd.Flags().IntVar(&scheduleCrews, "crews", 0, "Crews available (defaults to config)")
	scheduleCmd.Flags().Float64Var(&scheduleHours, "hours-per-day", 0, "Working hours per crew-day (defaults to config)")

	planCmd.Flags().StringVar(&planStart, "start", "", "Window start (defaults to today)")
	planCmd.Flags().StringVar(&planEnd, "end", "", "Window end (defaults to start plus the configured window)")
	planCmd.Flags().IntVar(&planCrews, "crews", 0, "Crews available (defaults to config)")
	planCmd.Flags().Float64Var(&planHours, "hours-per-day", 0, "Working hours per crew-day (defaults to config)")

	bomCmd.Flags().StringVar(&bomSchedule, "schedule", "", "Schedule identifier")
	bomCmd.Flags().StringVar(&bomEAR, "ear", "", "Energy-at-Risk in USD per day used for ranking")
	bomCmd.Flags().BoolVar(&bomUseRisk, "use-risk", false, "Take the EAR rate from the asset's risk report when --ear is absent")
	bomCmd.Flags().IntVar(&bomVariants, "variants", 0, "Alternatives kept per part type (defaults to config)")

	orderCmd.Flags().StringVar(&orderBOM, "bom", "", "BOM identifier")
	orderCmd.Flags().StringVar(&orderAsset, "asset", "", "Asset identifier")

	trackCmd.Flags().StringVar(&trackEmail, "email", "", "Subscriber email address")
	trackCmd.Flags().StringVar(&trackJob, "job", "", "Job identifier")
}
