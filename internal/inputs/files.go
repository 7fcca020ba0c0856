package inputs

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"ooda-engine/internal/domain"
	"ooda-engine/internal/orient"
)

// File names inside the inputs directory.
const (
	AssetsFile      = "assets.yaml"
	CatalogFile     = "catalog.yaml"
	TaxonomyFile    = "taxonomy.yaml"
	ObservationsDir = "observations"
	ForecastsDir    = "forecasts"
)

// FileSource loads inputs from a directory tree and caches the reference data.
type FileSource struct {
	dir      string
	logger   zerolog.Logger
	validate *validator.Validate

	mu       sync.RWMutex
	assets   []domain.Asset
	catalog  []domain.CatalogPart
	taxonomy *orient.Taxonomy
}

// NewFileSource creates a loader rooted at dir.
func NewFileSource(dir string, logger zerolog.Logger) *FileSource {
	return &FileSource{
		dir:      dir,
		logger:   logger.With().Str("component", "inputs").Logger(),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Dir returns the inputs root.
func (s *FileSource) Dir() string {
	return s.dir
}

// Invalidate drops cached reference data for the named file, or everything
// when name is empty.
func (s *FileSource) Invalidate(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch name {
	case AssetsFile:
		s.assets = nil
	case CatalogFile:
		s.catalog = nil
	case TaxonomyFile:
		s.taxonomy = nil
	case "":
		s.assets, s.catalog, s.taxonomy = nil, nil, nil
	}
}

type assetsDoc struct {
	Assets []domain.Asset `yaml:"assets"`
}

// Assets returns every asset sorted by id.
func (s *FileSource) Assets(ctx context.Context) ([]domain.Asset, error) {
	s.mu.RLock()
	cached := s.assets
	s.mu.RUnlock()
	if cached != nil {
		return append([]domain.Asset(nil), cached...), nil
	}

	var doc assetsDoc
	if err := s.readYAML(AssetsFile, &doc); err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(doc.Assets))
	assets := make([]domain.Asset, 0, len(doc.Assets))
	for _, a := range doc.Assets {
		if err := s.validate.Struct(a); err != nil {
			return nil, fmt.Errorf("%w: asset %q: %v", domain.ErrValidation, a.ID, err)
		}
		if _, dup := seen[a.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate asset id %q", domain.ErrValidation, a.ID)
		}
		seen[a.ID] = struct{}{}
		assets = append(assets, a)
	}
	sort.Slice(assets, func(i, j int) bool { return assets[i].ID < assets[j].ID })

	s.mu.Lock()
	s.assets = assets
	s.mu.Unlock()
	return append([]domain.Asset(nil), assets...), nil
}

// Asset resolves one asset by id.
func (s *FileSource) Asset(ctx context.Context, id string) (domain.Asset, error) {
	assets, err := s.Assets(ctx)
	if err != nil {
		return domain.Asset{}, err
	}
	for _, a := range assets {
		if a.ID == id {
			return a, nil
		}
	}
	return domain.Asset{}, domain.NotFound("asset", id)
}

type catalogDoc struct {
	Parts []catalogRow `yaml:"parts"`
}

type catalogRow struct {
	SKU              string            `yaml:"sku" validate:"required"`
	OEM              string            `yaml:"oem"`
	Model            string            `yaml:"model"`
	Description      string            `yaml:"description"`
	UOM              string            `yaml:"uom"`
	DefaultQty       int               `yaml:"default_qty" validate:"gte=0"`
	Price            *float64          `yaml:"price" validate:"omitempty,gte=0"`
	LeadTimeDays     *int              `yaml:"lead_time_days" validate:"omitempty,gte=0"`
	CompatibleAssets []string          `yaml:"compatible_assets"`
	Type             string            `yaml:"type"`
	Attributes       map[string]string `yaml:"attributes"`
}

func (r catalogRow) part() domain.CatalogPart {
	p := domain.CatalogPart{
		SKU:              r.SKU,
		OEM:              r.OEM,
		Model:            r.Model,
		Description:      r.Description,
		UOM:              r.UOM,
		DefaultQty:       r.DefaultQty,
		LeadTimeDays:     r.LeadTimeDays,
		CompatibleAssets: r.CompatibleAssets,
		Type:             r.Type,
		Attributes:       r.Attributes,
	}
	if r.Price != nil {
		price := decimal.NewFromFloat(*r.Price)
		p.Price = &price
	}
	return p
}

// Catalog returns the parts catalog in file order.
func (s *FileSource) Catalog(ctx context.Context) ([]domain.CatalogPart, error) {
	s.mu.RLock()
	cached := s.catalog
	s.mu.RUnlock()
	if cached != nil {
		return append([]domain.CatalogPart(nil), cached...), nil
	}

	var doc catalogDoc
	if err := s.readYAML(CatalogFile, &doc); err != nil {
		return nil, err
	}
	parts := make([]domain.CatalogPart, 0, len(doc.Parts))
	for i, row := range doc.Parts {
		if err := s.validate.Struct(row); err != nil {
			return nil, fmt.Errorf("%w: catalog entry %d (%s): %v", domain.ErrValidation, i, row.SKU, err)
		}
		parts = append(parts, row.part())
	}

	s.mu.Lock()
	s.catalog = parts
	s.mu.Unlock()
	return append([]domain.CatalogPart(nil), parts...), nil
}

// Taxonomy returns the validated category taxonomy and its rules.
func (s *FileSource) Taxonomy(ctx context.Context) (orient.Taxonomy, error) {
	s.mu.RLock()
	cached := s.taxonomy
	s.mu.RUnlock()
	if cached != nil {
		return *cached, nil
	}

	var tax orient.Taxonomy
	if err := s.readYAML(TaxonomyFile, &tax); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			s.logger.Warn().Msg("taxonomy file missing, all evidence will be classified as unknown")
			return orient.Taxonomy{}, nil
		}
		return orient.Taxonomy{}, err
	}
	if err := tax.Validate(); err != nil {
		return orient.Taxonomy{}, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}

	s.mu.Lock()
	s.taxonomy = &tax
	s.mu.Unlock()
	return tax, nil
}

// Observations parses observations/<asset>.csv. The header names the
// timestamp column followed by one column per signal; empty cells mean the
// signal was not reported for that row.
func (s *FileSource) Observations(ctx context.Context, assetID string) ([]domain.Observation, error) {
	rows, header, err := s.readCSV(ObservationsDir, assetID)
	if err != nil || rows == nil {
		return nil, err
	}

	observations := make([]domain.Observation, 0, len(rows))
	skipped := 0
	for _, row := range rows {
		obs, ok := parseObservation(assetID, header, row)
		if !ok {
			skipped++
			continue
		}
		observations = append(observations, obs)
	}
	if skipped > 0 {
		s.logger.Warn().Str("asset_id", assetID).Int("skipped", skipped).
			Err(domain.ErrValidation).Msg("malformed observation rows skipped")
	}
	sort.SliceStable(observations, func(i, j int) bool {
		return observations[i].Timestamp.Before(observations[j].Timestamp)
	})
	return observations, nil
}

// Forecast parses forecasts/<asset>.csv with columns timestamp and power_kw.
// A missing file yields no forecast.
func (s *FileSource) Forecast(ctx context.Context, assetID string) ([]domain.ForecastPoint, error) {
	rows, header, err := s.readCSV(ForecastsDir, assetID)
	if err != nil || rows == nil {
		return nil, err
	}

	powerCol := -1
	for i, h := range header {
		if h == "power_kw" || h == "power" {
			powerCol = i
		}
	}
	if powerCol < 0 {
		return nil, fmt.Errorf("%w: forecast for %s has no power_kw column", domain.ErrValidation, assetID)
	}

	points := make([]domain.ForecastPoint, 0, len(rows))
	skipped := 0
	for _, row := range rows {
		ts, err := parseTimestamp(row[0])
		if err != nil || powerCol >= len(row) {
			skipped++
			continue
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(row[powerCol]), 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			skipped++
			continue
		}
		points = append(points, domain.ForecastPoint{Timestamp: ts, AssetID: assetID, PowerKW: v})
	}
	if skipped > 0 {
		s.logger.Warn().Str("asset_id", assetID).Int("skipped", skipped).
			Err(domain.ErrValidation).Msg("malformed forecast rows skipped")
	}
	sort.SliceStable(points, func(i, j int) bool { return points[i].Timestamp.Before(points[j].Timestamp) })
	return points, nil
}

func (s *FileSource) readYAML(name string, out any) error {
	path := filepath.Join(s.dir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return domain.NotFound("input", path)
		}
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: parse %s: %v", domain.ErrValidation, path, err)
	}
	return nil
}

// readCSV returns nil rows without error when the file does not exist.
func (s *FileSource) readCSV(sub, assetID string) ([][]string, []string, error) {
	if assetID == "" || strings.ContainsAny(assetID, `/\`) {
		return nil, nil, fmt.Errorf("%w: invalid asset id %q", domain.ErrValidation, assetID)
	}
	path := filepath.Join(s.dir, sub, assetID+".csv")
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return [][]string{}, nil, nil
		}
		return nil, nil, fmt.Errorf("read %s header: %w", path, err)
	}
	for i := range header {
		header[i] = strings.ToLower(strings.TrimSpace(header[i]))
	}
	if len(header) == 0 || header[0] != "timestamp" {
		return nil, nil, fmt.Errorf("%w: %s must start with a timestamp column", domain.ErrValidation, path)
	}

	var rows [][]string
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			s.logger.Warn().Str("path", path).Err(err).Msg("unreadable csv row skipped")
			continue
		}
		rows = append(rows, row)
	}
	if rows == nil {
		rows = [][]string{}
	}
	return rows, header, nil
}

func parseObservation(assetID string, header, row []string) (domain.Observation, bool) {
	if len(row) == 0 {
		return domain.Observation{}, false
	}
	ts, err := parseTimestamp(row[0])
	if err != nil {
		return domain.Observation{}, false
	}
	obs := domain.Observation{Timestamp: ts, AssetID: assetID, Signals: make(map[string]float64, len(header)-1)}
	for i := 1; i < len(header) && i < len(row); i++ {
		if header[i] == "asset_id" {
			continue
		}
		cell := strings.TrimSpace(row[i])
		if cell == "" {
			continue
		}
		v, err := strconv.ParseFloat(cell, 64)
		if err != nil {
			return domain.Observation{}, false
		}
		obs.Signals[header[i]] = v
	}
	if len(obs.Signals) == 0 {
		return domain.Observation{}, false
	}
	return obs, true
}

func parseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return ts.UTC(), nil
	}
	if unix, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(unix, 0).UTC(), nil
	}
	return time.Parse("2006-01-02 15:04:05", raw)
}

var _ Source = (*FileSource)(nil)
