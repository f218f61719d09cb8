package service

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joeblew999/plat-cropwater/internal/db"
	"github.com/joeblew999/plat-cropwater/internal/explorer"
)

var wheat2030 = Layer{
	Crop:         "wheat",
	WaterModel:   "cwatm",
	ClimateModel: "gfdl-esm2m",
	Scenario:     "rcp26",
	Variable:     "wf",
	Year:         2030,
	StyleID:      "blues",
	Enabled:      true,
}

var wheatQuery = explorer.Query{
	Crop: "wheat", WaterModel: "cwatm", ClimateModel: "gfdl-esm2m",
	Scenario: "rcp26", Variable: "wf", Year: 2030, Limit: 1,
}

func newStats(t *testing.T) *StatisticsService {
	t.Helper()
	conn, err := db.Open(db.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	stats, err := NewStatisticsService(context.Background(), conn)
	require.NoError(t, err)
	return stats
}

func TestLayerValidate(t *testing.T) {
	assert.NoError(t, wheat2030.Validate())
	assert.NoError(t, Layer{Crop: "soybean", CropVariable: "harvarea"}.Validate())

	bad := []Layer{
		{},
		{Crop: "wheat"},
		{Crop: "wheat", CropVariable: "yield", Year: 2030},
		func() Layer { l := wheat2030; l.Year = 2035; return l }(),
		func() Layer { l := wheat2030; l.InterpolationType = "cubic"; return l }(),
	}
	for _, l := range bad {
		assert.ErrorIs(t, l.Validate(), ErrInvalidLayer, "%+v", l)
	}
}

func TestLayerServiceCRUD(t *testing.T) {
	dir := t.TempDir()
	svc := NewLayerService(dir, nil)

	created, err := svc.Create(wheat2030)
	require.NoError(t, err)
	assert.Equal(t, "wheat_cwatm_gfdl-esm2m_rcp26_wf_2030", created.ID)
	assert.Equal(t, created.ID, created.Name)

	_, err = svc.Create(wheat2030)
	assert.ErrorIs(t, err, ErrExists)

	disabled, err := svc.SetEnabled(created.ID, false)
	require.NoError(t, err)
	assert.False(t, disabled.Enabled)

	reloaded := NewLayerService(dir, nil)
	got, ok := reloaded.Get(created.ID)
	require.True(t, ok)
	assert.False(t, got.Enabled)

	require.NoError(t, reloaded.Delete(created.ID))
	assert.ErrorIs(t, reloaded.Delete(created.ID), ErrNotFound)
	_, err = reloaded.Update("missing", wheat2030)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLayerServiceIgnoresCorruptFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "layers.json"), []byte("{"), 0644))

	svc := NewLayerService(dir, nil)

	assert.Empty(t, svc.List())
}

func TestLayerServiceMatchOnlyEnabled(t *testing.T) {
	svc := NewLayerService(t.TempDir(), nil)
	_, err := svc.Create(wheat2030)
	require.NoError(t, err)
	off := wheat2030
	off.ID = "wheat_off"
	off.Enabled = false
	_, err = svc.Create(off)
	require.NoError(t, err)

	matches := svc.Match(wheatQuery)

	require.Len(t, matches, 1)
	assert.Equal(t, "wheat_cwatm_gfdl-esm2m_rcp26_wf_2030", matches[0].ID)
	assert.Empty(t, svc.Match(explorer.Query{Crop: "wheat", CropVariable: "yield"}))
}

func TestLayerServiceAvailability(t *testing.T) {
	svc := NewLayerService(t.TempDir(), nil)
	_, err := svc.Create(wheat2030)
	require.NoError(t, err)
	hist := wheat2030
	hist.Scenario = explorer.HistoricalScenario
	hist.Year = explorer.HistoricalYear
	_, err = svc.Create(hist)
	require.NoError(t, err)
	_, err = svc.Create(Layer{Crop: "soybean", CropVariable: "harvarea", Enabled: true})
	require.NoError(t, err)

	avail := svc.Availability()

	assert.Equal(t, []string{"soybean", "wheat"}, avail[explorer.DimCrop])
	assert.Equal(t, []string{"rcp26"}, avail[explorer.DimScenario], "historical is not selectable")
	assert.Equal(t, []string{"2000", "2030"}, avail[explorer.DimYear])
	assert.Equal(t, []string{"harvarea"}, avail[explorer.DimCropVariable])
}

func TestStyleServiceSortsStops(t *testing.T) {
	dir := t.TempDir()
	svc := NewStyleService(dir, nil)

	style, err := svc.Put(Style{Name: "Blues", Stops: []explorer.StyleStop{
		{Value: 100, Label: "high"},
		{Value: 0, Label: "low"},
	}})
	require.NoError(t, err)

	assert.Equal(t, "blues", style.ID)
	assert.Equal(t, "low", style.Stops[0].Label)

	got, ok := NewStyleService(dir, nil).Get("blues")
	require.True(t, ok)
	assert.Equal(t, style, got)
	assert.ErrorIs(t, svc.Delete("nope"), ErrNotFound)
}

func TestStatisticsAggregates(t *testing.T) {
	ctx := context.Background()
	stats := newStats(t)

	require.NoError(t, stats.Replace(ctx, "l1", []CountryValue{
		{Country: "Testland", Variable: "wf", Value: 10},
		{Country: "Otherland", Variable: "wf", Value: 30},
		{Country: "Otherland", Variable: "wfb", Value: 5},
	}))

	values, err := stats.CountryValues(ctx, "l1")
	require.NoError(t, err)
	assert.Equal(t, 10.0, values["Testland"]["wf"])
	assert.Equal(t, 5.0, values["Otherland"]["wfb"])

	avg, err := stats.GlobalAverage(ctx, "l1", "wf")
	require.NoError(t, err)
	require.NotNil(t, avg)
	assert.InDelta(t, 20, *avg, 1e-9)

	missing, err := stats.GlobalAverage(ctx, "l1", "vwc")
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, stats.Replace(ctx, "l1", nil))
	values, err = stats.CountryValues(ctx, "l1")
	require.NoError(t, err)
	assert.Nil(t, values)
}

func TestStatisticsImportCSV(t *testing.T) {
	ctx := context.Background()
	stats := newStats(t)
	path := filepath.Join(t.TempDir(), "wheat.csv")
	require.NoError(t, os.WriteFile(path, []byte("country,variable,value\nTestland,wf,12.5\nOtherland,wf,7.5\n"), 0644))

	n, err := stats.Import(ctx, "l1", path)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	rows, err := stats.List(ctx, "l1")
	require.NoError(t, err)
	assert.Equal(t, []CountryValue{
		{Country: "Otherland", Variable: "wf", Value: 7.5},
		{Country: "Testland", Variable: "wf", Value: 12.5},
	}, rows)

	_, err = stats.Import(ctx, "l1", "stats.txt")
	assert.Error(t, err)
}

func TestCatalogResolve(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	layers := NewLayerService(dir, nil)
	styles := NewStyleService(dir, nil)
	stats := newStats(t)

	_, err := styles.Put(Style{ID: "blues", Name: "Blues", InterpolationType: "discrete", LabelCount: 3,
		Stops: []explorer.StyleStop{{Value: 0}, {Value: 50}}})
	require.NoError(t, err)
	layer, err := layers.Create(wheat2030)
	require.NoError(t, err)
	require.NoError(t, stats.Replace(ctx, layer.ID, []CountryValue{{Country: "Testland", Variable: "wf", Value: 42}}))

	cat := NewCatalogService(layers, styles, stats, NewMemoryCache(0), nil)
	records, err := cat.ResolveLayer(ctx, wheatQuery)
	require.NoError(t, err)

	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, layer.ID, rec.LayerID)
	assert.Equal(t, "discrete", rec.InterpolationType)
	assert.Equal(t, 3, rec.LabelCount)
	assert.Len(t, rec.Style, 2)
	assert.Equal(t, 42.0, rec.CountryValues["Testland"]["wf"])
	require.NotNil(t, rec.GlobalAverage)
	assert.Equal(t, 42.0, *rec.GlobalAverage)

	entries, err := cat.Cache().Entries(ctx)
	require.NoError(t, err)
	assert.Equal(t, []CacheEntry{{Key: wheatQuery.Key(), Records: 1}}, entries)
}

func TestCatalogResolveServesCache(t *testing.T) {
	ctx := context.Background()
	layers := NewLayerService(t.TempDir(), nil)
	cat := NewCatalogService(layers, NewStyleService(t.TempDir(), nil), nil, nil, nil)

	records, err := cat.ResolveLayer(ctx, wheatQuery)
	require.NoError(t, err)
	assert.Empty(t, records)

	_, err = layers.Create(wheat2030)
	require.NoError(t, err)
	records, err = cat.ResolveLayer(ctx, wheatQuery)
	require.NoError(t, err)
	assert.Empty(t, records, "cached until flushed")

	require.NoError(t, cat.Cache().Flush(ctx))
	records, err = cat.ResolveLayer(ctx, wheatQuery)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestCatalogResolveHonorsLimit(t *testing.T) {
	layers := NewLayerService(t.TempDir(), nil)
	for _, id := range []string{"a", "b", "c"} {
		l := wheat2030
		l.ID = id
		_, err := layers.Create(l)
		require.NoError(t, err)
	}
	cat := NewCatalogService(layers, NewStyleService(t.TempDir(), nil), nil, nil, nil)

	q := wheatQuery
	q.Limit = 2
	records, err := cat.ResolveLayer(context.Background(), q)
	require.NoError(t, err)

	require.Len(t, records, 2)
	assert.Equal(t, "a", records[0].LayerID)
}

func TestCatalogInvalidatesOnReplayedEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cache := NewMemoryCache(0)
	cache.Set(ctx, "k", nil)
	cat := NewCatalogService(NewLayerService(t.TempDir(), nil), NewStyleService(t.TempDir(), nil), nil, cache, nil)
	bus := NewEventBus()
	go cat.InvalidateOn(ctx, bus)

	bus.Publish(Event{Resource: ResourceExplorer, Action: "changed"})
	assert.Never(t, func() bool {
		_, ok := cache.Get(ctx, "k")
		return !ok
	}, 100*time.Millisecond, 10*time.Millisecond, "explorer events leave the cache alone")

	assert.Eventually(t, func() bool {
		bus.Publish(Event{Resource: ResourceLayers, Action: "updated", ID: "x"})
		_, ok := cache.Get(ctx, "k")
		return !ok
	}, time.Second, 10*time.Millisecond)
}

// invalidatingCache runs hook on every lookup, standing in for a catalog
// write that lands while a resolve is in flight.
type invalidatingCache struct {
	*MemoryCache
	hook func()
}

func (c invalidatingCache) Get(ctx context.Context, key string) ([]explorer.LayerRecord, bool) {
	if c.hook != nil {
		c.hook()
	}
	return c.MemoryCache.Get(ctx, key)
}

func TestCatalogDoesNotCacheResolveRacingInvalidate(t *testing.T) {
	ctx := context.Background()
	layers := NewLayerService(t.TempDir(), nil)
	_, err := layers.Create(wheat2030)
	require.NoError(t, err)
	cache := invalidatingCache{MemoryCache: NewMemoryCache(0)}
	cat := NewCatalogService(layers, NewStyleService(t.TempDir(), nil), nil, cache, nil)
	cache.hook = func() { require.NoError(t, cat.Invalidate(ctx)) }
	cat.cache = cache

	records, err := cat.ResolveLayer(ctx, wheatQuery)
	require.NoError(t, err)
	assert.Len(t, records, 1)
	entries, err := cache.Entries(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries, "resolve overlapping an invalidation was cached")

	cache.hook = nil
	cat.cache = cache
	_, err = cat.ResolveLayer(ctx, wheatQuery)
	require.NoError(t, err)
	entries, err = cache.Entries(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestMemoryCacheExpires(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	cache := NewMemoryCache(time.Minute)
	cache.now = func() time.Time { return now }

	cache.Set(ctx, "k", []explorer.LayerRecord{{LayerID: "a"}})
	_, ok := cache.Get(ctx, "k")
	assert.True(t, ok)

	now = now.Add(time.Minute)
	_, ok = cache.Get(ctx, "k")
	assert.False(t, ok)
	entries, err := cache.Entries(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
