package explorer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

var (
	wheatClimate = Selection{
		Crop: "wheat", WaterModel: "cwatm", ClimateModel: "gfdl-esm2m",
		Scenario: "rcp26", Variable: "wf", Year: 2030,
	}
	riceClimate = Selection{
		Crop: "rice", WaterModel: "h08", ClimateModel: "hadgem2-es",
		Scenario: "rcp85", Variable: "wfb", Year: 2050,
	}
	soyCrop = Selection{Crop: "soybean", CropVariable: "harvarea"}
)

type result struct {
	records []LayerRecord
	err     error
}

type pendingCall struct {
	q       Query
	release chan result
}

// gatedCatalog hands every call to the test, which decides when and with
// what it returns.
type gatedCatalog struct {
	calls chan *pendingCall
}

func newGatedCatalog() *gatedCatalog {
	return &gatedCatalog{calls: make(chan *pendingCall, 16)}
}

func (c *gatedCatalog) ResolveLayer(ctx context.Context, q Query) ([]LayerRecord, error) {
	p := &pendingCall{q: q, release: make(chan result, 1)}
	c.calls <- p
	select {
	case r := <-p.release:
		return r.records, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *gatedCatalog) next() *pendingCall {
	select {
	case p := <-c.calls:
		return p
	case <-time.After(2 * time.Second):
		panic("no catalog call")
	}
}

// staticCatalog answers every query with the same records, recording them.
type staticCatalog struct {
	mu      sync.Mutex
	records []LayerRecord
	err     error
	queries []Query
}

func (c *staticCatalog) ResolveLayer(_ context.Context, q Query) ([]LayerRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queries = append(c.queries, q)
	return c.records, c.err
}

func (c *staticCatalog) seen() []Query {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Query(nil), c.queries...)
}

type staticRefs struct {
	avail Availability
	err   error
}

func (r staticRefs) Availability(context.Context) (Availability, error) {
	return r.avail, r.err
}

type staticPolygons struct{ err error }

func (p staticPolygons) Countries(context.Context) (*geojson.FeatureCollection, error) {
	if p.err != nil {
		return nil, p.err
	}
	fc := geojson.NewFeatureCollection()
	f := geojson.NewFeature(orb.Polygon{{{0, 0}, {1, 0}, {1, 1}, {0, 1}, {0, 0}}})
	f.Properties["name"] = "Testland"
	fc.Append(f)
	return fc, nil
}

var errTransport = errors.New("connection reset")

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func fullAvailability() Availability {
	return Availability{
		DimCrop:         {"wheat", "rice", "maize", "soybean"},
		DimWaterModel:   {"cwatm", "h08", "lpjml"},
		DimClimateModel: {"gfdl-esm2m", "hadgem2-es", "ipsl-cm5a-lr"},
		DimScenario:     {"rcp26", "rcp60", "rcp85"},
		DimVariable:     {"wf", "wfb", "wfg"},
		DimCropVariable: {"harvarea"},
		DimYear:         {"2000", "2030", "2050", "2090"},
	}
}
