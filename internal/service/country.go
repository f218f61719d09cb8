package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/clip"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
)

// CountryNameProperty is the feature property holding the country name.
const CountryNameProperty = "name"

// CountryService serves the country polygons from countries.geojson.
type CountryService struct {
	path string

	mu sync.RWMutex
	fc *geojson.FeatureCollection
}

// NewCountryService creates a service reading dataDir/countries.geojson.
func NewCountryService(dataDir string) *CountryService {
	return &CountryService{path: filepath.Join(dataDir, "countries.geojson")}
}

// Load (re)reads the polygon file.
func (s *CountryService) Load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(s.path), err)
	}

	s.mu.Lock()
	s.fc = fc
	s.mu.Unlock()
	return nil
}

// Countries returns the polygons, loading them on first use.
func (s *CountryService) Countries(_ context.Context) (*geojson.FeatureCollection, error) {
	s.mu.RLock()
	fc := s.fc
	s.mu.RUnlock()
	if fc != nil {
		return fc, nil
	}
	if err := s.Load(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fc, nil
}

// Names lists the country names in the polygon file.
func (s *CountryService) Names(ctx context.Context) ([]string, error) {
	fc, err := s.Countries(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(fc.Features))
	for _, f := range fc.Features {
		if name := f.Properties.MustString(CountryNameProperty, ""); name != "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// At returns the country containing p.
func (s *CountryService) At(ctx context.Context, p orb.Point) (string, bool, error) {
	fc, err := s.Countries(ctx)
	if err != nil {
		return "", false, err
	}
	for _, f := range fc.Features {
		if f.Geometry == nil || !f.Geometry.Bound().Contains(p) {
			continue
		}
		if contains(f.Geometry, p) {
			return f.Properties.MustString(CountryNameProperty, ""), true, nil
		}
	}
	return "", false, nil
}

func contains(g orb.Geometry, p orb.Point) bool {
	switch geom := g.(type) {
	case orb.Polygon:
		return planar.PolygonContains(geom, p)
	case orb.MultiPolygon:
		return planar.MultiPolygonContains(geom, p)
	}
	return false
}

// Within returns the countries clipped to b. Each returned feature is a
// copy; the loaded polygons are never modified.
func (s *CountryService) Within(ctx context.Context, b orb.Bound) (*geojson.FeatureCollection, error) {
	fc, err := s.Countries(ctx)
	if err != nil {
		return nil, err
	}

	out := geojson.NewFeatureCollection()
	for _, f := range fc.Features {
		if f.Geometry == nil || !f.Geometry.Bound().Intersects(b) {
			continue
		}
		clipped := clip.Geometry(b, orb.Clone(f.Geometry))
		if clipped == nil {
			continue
		}
		nf := geojson.NewFeature(clipped)
		nf.ID = f.ID
		nf.Properties = f.Properties.Clone()
		out.Append(nf)
	}
	return out, nil
}
