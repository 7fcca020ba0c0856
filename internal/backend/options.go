package backend

import (
	"ooda-engine/internal/config"
	"ooda-engine/internal/decide"
	"ooda-engine/internal/observe"
	"ooda-engine/internal/orient"
)

// Options carries the tuning of every pipeline stage.
type Options struct {
	Detector        observe.Options
	Diagnosis       orient.Options
	Risk            orient.RiskOptions
	Horizons        []int
	Loss            decide.LossWeights
	CrewsAvailable  int
	HoursPerDay     float64
	TaskHours       float64
	WindowDays      int
	VariantsPerType int
}

// OptionsFromConfig maps runtime configuration onto engine options.
func OptionsFromConfig(cfg *config.Config) Options {
	bounds := make(map[string]observe.Bounds, len(cfg.Detector.Bounds))
	for name, b := range cfg.Detector.Bounds {
		bounds[name] = observe.Bounds{Min: b.Min, Max: b.Max}
	}

	return Options{
		Detector: observe.Options{
			MinSamples:        cfg.Detector.MinSamples,
			ZSaturation:       cfg.Detector.ZSaturation,
			PowerSignal:       cfg.Detector.PowerSignal,
			IrradianceSignal:  cfg.Detector.IrradianceSignal,
			IdlePowerKW:       cfg.Detector.IdlePowerKW,
			CapacityTolerance: cfg.Detector.CapacityTolerance,
			ForecastWeight:    cfg.Detector.ForecastWeight,
			ForecastTolerance: cfg.Detector.ForecastTolerance,
			SignalWeights:     cfg.Detector.SignalWeights,
			Bounds:            bounds,
			GapFactor:         cfg.Detector.GapFactor,
		},
		Diagnosis: orient.Options{
			Lookback:       cfg.Diagnosis.Lookback,
			HalfLife:       cfg.Diagnosis.HalfLife,
			FrequencyScale: cfg.Diagnosis.FrequencyScale,
			Weights: orient.Weights{
				Severity:  cfg.Diagnosis.WeightSeverity,
				Frequency: cfg.Diagnosis.WeightFrequency,
				Recency:   cfg.Diagnosis.WeightRecency,
			},
			TrendEpsilon:  cfg.Diagnosis.TrendEpsilon,
			EvidenceFloor: cfg.Diagnosis.EvidenceFloor,
		},
		Risk: orient.RiskOptions{
			CapacityFactor:   cfg.Risk.CapacityFactor,
			TariffUSDPerKWh:  cfg.Risk.TariffUSDPerKWh,
			Spread:           cfg.Risk.Spread,
			ConfidenceSpread: cfg.Backend.Kind == config.BackendEnhanced,
		},
		Horizons: append([]int(nil), cfg.Risk.Horizons...),
		Loss: decide.LossWeights{
			Energy: cfg.Loss.WEnergy,
			Cost:   cfg.Loss.WCost,
			MTTR:   cfg.Loss.WMTTR,
		},
		CrewsAvailable:  cfg.Crews.CrewsAvailable,
		HoursPerDay:     cfg.Crews.HoursPerDay,
		TaskHours:       cfg.Crews.TaskHours,
		WindowDays:      cfg.Crews.WindowDays,
		VariantsPerType: cfg.BOM.VariantsPerType,
	}
}

func (o Options) withDefaults() Options {
	if len(o.Horizons) == 0 {
		o.Horizons = []int{24}
	}
	if o.CrewsAvailable < 1 {
		o.CrewsAvailable = 1
	}
	if o.HoursPerDay <= 0 {
		o.HoursPerDay = 8
	}
	if o.TaskHours <= 0 {
		o.TaskHours = 4
	}
	if o.WindowDays <= 0 {
		o.WindowDays = 7
	}
	return o
}
