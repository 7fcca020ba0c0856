package inputs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"ooda-engine/internal/domain"
)

const forecastPath = "/forecast"

// ForecastAPIOptions parameterise the forecasting API fetcher.
type ForecastAPIOptions struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
}

// ForecastAPI fetches predicted power from a remote forecasting service.
type ForecastAPI struct {
	opts    ForecastAPIOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewForecastAPI constructs a forecast fetcher.
func NewForecastAPI(opts ForecastAPIOptions, logger zerolog.Logger) *ForecastAPI {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &ForecastAPI{
		opts:    opts,
		logger:  logger.With().Str("component", "forecast_api").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
	}
}

// FetchForecast retrieves the forecast series for one asset.
func (f *ForecastAPI) FetchForecast(ctx context.Context, assetID string) ([]domain.ForecastPoint, error) {
	if f.baseURL == "" {
		return nil, errors.New("forecast api base url not configured")
	}
	if assetID == "" {
		return nil, errors.New("asset id required")
	}

	endpoint := f.baseURL + forecastPath + "?asset_id=" + url.QueryEscape(assetID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(f.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "oodactl/1.0")
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, domain.NotFound("forecast", assetID)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, parseHTTPError(resp.StatusCode, payload)
	}

	var res forecastResponse
	if err := json.Unmarshal(payload, &res); err != nil {
		return nil, fmt.Errorf("decode forecast response: %w", err)
	}

	points := make([]domain.ForecastPoint, 0, len(res.Points))
	skipped := 0
	for _, p := range res.Points {
		ts, err := time.Parse(time.RFC3339, p.Timestamp)
		if err != nil || p.PowerKW == nil || *p.PowerKW < 0 {
			skipped++
			continue
		}
		points = append(points, domain.ForecastPoint{Timestamp: ts.UTC(), AssetID: assetID, PowerKW: *p.PowerKW})
	}
	if skipped > 0 {
		f.logger.Warn().Str("asset_id", assetID).Int("skipped", skipped).
			Err(domain.ErrValidation).Msg("forecast points skipped")
	}
	return points, nil
}

type forecastResponse struct {
	AssetID string `json:"asset_id"`
	Points  []struct {
		Timestamp string   `json:"timestamp"`
		PowerKW   *float64 `json:"power_kw"`
	} `json:"points"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Error != "" {
			return fmt.Errorf("forecast api error (%d): %s", status, apiErr.Error)
		}
		if apiErr.Message != "" {
			return fmt.Errorf("forecast api error (%d): %s", status, apiErr.Message)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("forecast api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("forecast api error (%d)", status)
}

var _ ForecastFetcher = (*ForecastAPI)(nil)
