package inputs

import (
	"context"

	"ooda-engine/internal/domain"
	"ooda-engine/internal/orient"
)

// Source resolves the externally supplied data the pipeline consumes.
type Source interface {
	Assets(ctx context.Context) ([]domain.Asset, error)
	Asset(ctx context.Context, id string) (domain.Asset, error)
	Observations(ctx context.Context, assetID string) ([]domain.Observation, error)
	Forecast(ctx context.Context, assetID string) ([]domain.ForecastPoint, error)
	Catalog(ctx context.Context) ([]domain.CatalogPart, error)
	Taxonomy(ctx context.Context) (orient.Taxonomy, error)
}

// ForecastFetcher retrieves forecast points for an asset.
type ForecastFetcher interface {
	FetchForecast(ctx context.Context, assetID string) ([]domain.ForecastPoint, error)
}

// withForecast overrides the forecast of a Source with a fetcher.
type withForecast struct {
	Source
	fetcher ForecastFetcher
}

// WithForecastFetcher routes forecast lookups through fetcher, falling back to
// the wrapped source when the fetcher fails. Detection proceeds on physical
// signals alone if neither has data.
func WithForecastFetcher(src Source, fetcher ForecastFetcher) Source {
	if fetcher == nil {
		return src
	}
	return &withForecast{Source: src, fetcher: fetcher}
}

func (w *withForecast) Forecast(ctx context.Context, assetID string) ([]domain.ForecastPoint, error) {
	points, err := w.fetcher.FetchForecast(ctx, assetID)
	if err == nil {
		return points, nil
	}
	return w.Source.Forecast(ctx, assetID)
}
