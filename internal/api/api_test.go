package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/humatest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/joeblew999/plat-cropwater/internal/db"
	"github.com/joeblew999/plat-cropwater/internal/explorer"
	"github.com/joeblew999/plat-cropwater/internal/humastar"
	"github.com/joeblew999/plat-cropwater/internal/service"
)

const testCountries = `{"type":"FeatureCollection","features":[
{"type":"Feature","properties":{"name":"Testland"},"geometry":{"type":"Polygon","coordinates":[[[0,0],[10,0],[10,10],[0,10],[0,0]]]}},
{"type":"Feature","properties":{"name":"Farland"},"geometry":{"type":"Polygon","coordinates":[[[50,50],[60,50],[60,60],[50,60],[50,50]]]}}
]}`

var wheat2030 = map[string]any{
	"crop":          "wheat",
	"water_model":   "cwatm",
	"climate_model": "gfdl-esm2m",
	"scenario":      "rcp26",
	"variable":      "wf",
	"year":          2030,
	"style_id":      "blues",
	"enabled":       true,
}

const wheat2030ID = "wheat_cwatm_gfdl-esm2m_rcp26_wf_2030"

const wheat2030Query = "crop=wheat&water_model=cwatm&climate_model=gfdl-esm2m&scenario=rcp26&variable=wf&datetime=2030"

type testEnv struct {
	api humatest.TestAPI
	svc *Services
	dir string
	bus chan service.Event
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "countries.geojson"), []byte(testCountries), 0644))

	conn, err := db.Open(db.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	stats, err := service.NewStatisticsService(context.Background(), conn)
	require.NoError(t, err)

	layers := service.NewLayerService(dir, nil)
	styles := service.NewStyleService(dir, nil)
	svc := &Services{
		Layer:   layers,
		Style:   styles,
		Stats:   stats,
		Catalog: service.NewCatalogService(layers, styles, stats, nil, nil),
		Country: service.NewCountryService(dir),
		Sources: service.NewSourceService(dir),
		Bus:     service.NewEventBus(),
	}

	links := humastar.NewLinks("explorer")
	cfg := huma.DefaultConfig("test", "1.0.0")
	cfg.Transformers = append(cfg.Transformers, links.Transformer())
	_, api := humatest.New(t, cfg)
	huma.AutoRegister(api, NewAPIHandler(svc))
	NewDBHandler(conn, true).RegisterRoutes(api)
	NewInfoHandler(dir, Backends{DB: true, Cache: "memory"}).RegisterRoutes(api)
	links.Build(api)

	events := svc.Bus.Subscribe()
	t.Cleanup(func() { svc.Bus.Unsubscribe(events) })
	return &testEnv{api: api, svc: svc, dir: dir, bus: events}
}

func decode[T any](t *testing.T, body *bytes.Buffer) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(body.Bytes(), &v), body.String())
	return v
}

func (e *testEnv) createWheat(t *testing.T) {
	t.Helper()
	resp := e.api.Post("/api/v1/layers", wheat2030)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
}

func linksOf(h http.Header) string {
	return strings.Join(h.Values("Link"), ", ")
}

func TestHealthLinksToCollections(t *testing.T) {
	e := newTestEnv(t)
	resp := e.api.Get("/health")

	require.Equal(t, http.StatusOK, resp.Code)
	links := linksOf(resp.Header())
	assert.Contains(t, links, `</api/v1/layers>; rel="layers"`)
	assert.Contains(t, links, `</api/v1/resolve>; rel="search"`)
	assert.Contains(t, links, `rel="service-desc"`)
}

func TestLayerCRUD(t *testing.T) {
	e := newTestEnv(t)

	resp := e.api.Post("/api/v1/layers", wheat2030)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	created := decode[service.Layer](t, resp.Body)
	assert.Equal(t, wheat2030ID, created.ID)
	assert.Contains(t, linksOf(resp.Header()), `rel="disable"; method="POST"`)
	assert.Equal(t, service.Event{Resource: service.ResourceLayers, Action: "created", ID: wheat2030ID}, <-e.bus)

	assert.Equal(t, http.StatusConflict, e.api.Post("/api/v1/layers", wheat2030).Code)

	resp = e.api.Post("/api/v1/layers/" + wheat2030ID + "/disable")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.False(t, decode[service.Layer](t, resp.Body).Enabled)
	assert.Contains(t, linksOf(resp.Header()), `rel="enable"`)
	assert.Equal(t, "disabled", (<-e.bus).Action)

	resp = e.api.Get("/api/v1/layers/" + wheat2030ID)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, linksOf(resp.Header()), `</api/v1/layers/`+wheat2030ID+`>; rel="self"`)

	resp = e.api.Delete("/api/v1/layers/" + wheat2030ID)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, http.StatusNotFound, e.api.Get("/api/v1/layers/"+wheat2030ID).Code)
	assert.Equal(t, http.StatusNotFound, e.api.Delete("/api/v1/layers/"+wheat2030ID).Code)
}

func TestCreateLayerRejectsMixedModes(t *testing.T) {
	e := newTestEnv(t)

	bad := map[string]any{}
	for k, v := range wheat2030 {
		bad[k] = v
	}
	bad["crop_variable"] = "yield"

	resp := e.api.Post("/api/v1/layers", bad)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.Code)

	bad = map[string]any{"crop": "wheat", "water_model": "cwatm", "climate_model": "miroc5",
		"scenario": "rcp26", "variable": "wf", "year": 2035, "enabled": true}
	assert.Equal(t, http.StatusUnprocessableEntity, e.api.Post("/api/v1/layers", bad).Code)
}

func TestLayerPagination(t *testing.T) {
	e := newTestEnv(t)
	for _, crop := range []string{"wheat", "rice", "maize"} {
		resp := e.api.Post("/api/v1/layers", map[string]any{"crop": crop, "crop_variable": "yield", "enabled": true})
		require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	}

	resp := e.api.Get("/api/v1/layers?limit=2")
	require.Equal(t, http.StatusOK, resp.Code)
	page := decode[humastar.PageBody[service.Layer]](t, resp.Body)
	assert.Equal(t, 3, page.Total)
	assert.Len(t, page.Data, 2)
	assert.Equal(t, "maize_yield", page.Data[0].ID)
	assert.Contains(t, linksOf(resp.Header()), `</api/v1/layers?offset=2&limit=2>; rel="next"`)

	resp = e.api.Get("/api/v1/layers?offset=10&limit=2")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Empty(t, decode[humastar.PageBody[service.Layer]](t, resp.Body).Data)
}

func TestResolveAndCache(t *testing.T) {
	e := newTestEnv(t)
	resp := e.api.Put("/api/v1/styles/blues", map[string]any{
		"name": "Blues",
		"stops": []map[string]any{
			{"value": 100, "red": 0, "green": 0, "blue": 255, "opacity": 1, "label": "high"},
			{"value": 0, "red": 255, "green": 255, "blue": 255, "opacity": 1, "label": "low"},
		},
		"interpolation_type": "discrete",
	})
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	e.createWheat(t)
	require.NoError(t, e.svc.Stats.Replace(context.Background(), wheat2030ID, []service.CountryValue{
		{Country: "Testland", Variable: "wf", Value: 10},
		{Country: "Farland", Variable: "wf", Value: 30},
	}))

	resp = e.api.Get("/api/v1/resolve?" + wheat2030Query)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	records := decode[[]explorer.LayerRecord](t, resp.Body)
	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, wheat2030ID, rec.LayerID)
	require.NotNil(t, rec.GlobalAverage)
	assert.InDelta(t, 20.0, *rec.GlobalAverage, 1e-9)
	assert.Equal(t, 10.0, rec.CountryValues["Testland"]["wf"])
	assert.Equal(t, explorer.InterpolationDiscrete, rec.InterpolationType)
	require.Len(t, rec.Style, 2)
	assert.Equal(t, 0.0, rec.Style[0].Value)

	resp = e.api.Get("/api/v1/cache")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Len(t, decode[[]service.CacheEntry](t, resp.Body), 1)

	require.Equal(t, http.StatusOK, e.api.Delete("/api/v1/cache").Code)
	resp = e.api.Get("/api/v1/cache")
	assert.Empty(t, decode[[]service.CacheEntry](t, resp.Body))

	resp = e.api.Get("/api/v1/resolve?crop=rice&variable=yield")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Empty(t, decode[[]explorer.LayerRecord](t, resp.Body))
}

func TestCatalogWritesReachTheNextResolve(t *testing.T) {
	e := newTestEnv(t)
	e.createWheat(t)

	resp := e.api.Get("/api/v1/resolve?" + wheat2030Query)
	require.Len(t, decode[[]explorer.LayerRecord](t, resp.Body), 1)

	require.Equal(t, http.StatusOK, e.api.Post("/api/v1/layers/"+wheat2030ID+"/disable").Code)
	resp = e.api.Get("/api/v1/resolve?" + wheat2030Query)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Empty(t, decode[[]explorer.LayerRecord](t, resp.Body), "disabled layer served from cache")

	require.Equal(t, http.StatusOK, e.api.Post("/api/v1/layers/"+wheat2030ID+"/enable").Code)
	resp = e.api.Get("/api/v1/resolve?" + wheat2030Query)
	require.Len(t, decode[[]explorer.LayerRecord](t, resp.Body), 1)

	resp = e.api.Put("/api/v1/layers/"+wheat2030ID+"/statistics", []map[string]any{
		{"country": "Testland", "variable": "wf", "value": 42},
	})
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	resp = e.api.Get("/api/v1/resolve?" + wheat2030Query)
	records := decode[[]explorer.LayerRecord](t, resp.Body)
	require.Len(t, records, 1)
	assert.Equal(t, 42.0, records[0].CountryValues["Testland"]["wf"])
}

func TestResolveRejectsIncompleteQueries(t *testing.T) {
	e := newTestEnv(t)
	for _, q := range []string{
		"crop=wheat",
		"variable=wf",
		"crop=wheat&variable=wf&water_model=cwatm",
		"crop=wheat&variable=wf&water_model=cwatm&climate_model=miroc5&scenario=rcp26&datetime=soon",
		"crop=wheat&variable=yield&limit=0",
	} {
		assert.Equal(t, http.StatusUnprocessableEntity, e.api.Get("/api/v1/resolve?"+q).Code, q)
	}
}

func TestReference(t *testing.T) {
	e := newTestEnv(t)
	e.createWheat(t)

	resp := e.api.Get("/api/v1/reference")
	require.Equal(t, http.StatusOK, resp.Code)
	avail := decode[explorer.Availability](t, resp.Body)
	assert.Equal(t, []string{"wheat"}, avail[explorer.DimCrop])
	assert.Equal(t, []string{"2030"}, avail[explorer.DimYear])
}

func TestStatisticsRoutes(t *testing.T) {
	e := newTestEnv(t)
	e.createWheat(t)
	<-e.bus

	resp := e.api.Put("/api/v1/layers/"+wheat2030ID+"/statistics", []map[string]any{
		{"country": "Testland", "variable": "wf", "value": 4},
		{"country": "Testland", "variable": "wfb", "value": 1},
	})
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	assert.Equal(t, service.Event{Resource: service.ResourceStatistics, Action: "updated", ID: wheat2030ID}, <-e.bus)

	resp = e.api.Get("/api/v1/layers/" + wheat2030ID + "/statistics")
	require.Equal(t, http.StatusOK, resp.Code)
	body := decode[StatisticsBody](t, resp.Body)
	assert.Len(t, body.Rows, 2)
	require.NotNil(t, body.GlobalAverage)
	assert.Equal(t, 4.0, *body.GlobalAverage)

	assert.Equal(t, http.StatusNotFound, e.api.Get("/api/v1/layers/nope/statistics").Code)
}

func TestImportStatistics(t *testing.T) {
	e := newTestEnv(t)
	e.createWheat(t)
	sources := filepath.Join(e.dir, "sources")
	require.NoError(t, os.MkdirAll(sources, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(sources, "wheat.csv"),
		[]byte("country,variable,value\nTestland,wf,12.5\nFarland,wf,7.5\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(sources, "notes.txt"), []byte("skip"), 0644))

	resp := e.api.Get("/api/v1/sources")
	require.Equal(t, http.StatusOK, resp.Code)
	files := decode[[]service.SourceFile](t, resp.Body)
	require.Len(t, files, 1)
	assert.Equal(t, "CSV", files[0].FileType)

	resp = e.api.Post("/api/v1/layers/"+wheat2030ID+"/statistics/import", map[string]any{"file": "wheat.csv"})
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	assert.Equal(t, int64(2), decode[ImportBody](t, resp.Body).Rows)

	resp = e.api.Post("/api/v1/layers/"+wheat2030ID+"/statistics/import", map[string]any{"file": "../countries.geojson"})
	assert.Equal(t, http.StatusNotFound, resp.Code)
	resp = e.api.Post("/api/v1/layers/"+wheat2030ID+"/statistics/import", map[string]any{"file": "notes.txt"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.Code)
}

func TestPointQuery(t *testing.T) {
	e := newTestEnv(t)
	e.createWheat(t)
	require.NoError(t, e.svc.Stats.Replace(context.Background(), wheat2030ID, []service.CountryValue{
		{Country: "Testland", Variable: "wf", Value: 10},
	}))

	resp := e.api.Get("/api/v1/query/point?lon=5&lat=5&layer=" + wheat2030ID)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	body := decode[PointBody](t, resp.Body)
	assert.True(t, body.Found)
	assert.Equal(t, "Testland", body.Country)
	assert.Equal(t, map[string]float64{"wf": 10}, body.Values)

	resp = e.api.Get("/api/v1/query/point?lon=-50&lat=-50")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.False(t, decode[PointBody](t, resp.Body).Found)

	assert.Equal(t, http.StatusUnprocessableEntity, e.api.Get("/api/v1/query/point?lon=200&lat=0").Code)
}

func TestDownload(t *testing.T) {
	e := newTestEnv(t)
	e.createWheat(t)
	require.NoError(t, e.svc.Stats.Replace(context.Background(), wheat2030ID, []service.CountryValue{
		{Country: "Testland", Variable: "wf", Value: 10},
		{Country: "Farland", Variable: "wf", Value: 30},
	}))

	resp := e.api.Get("/api/v1/download?layer=" + wheat2030ID + "&bbox=-5,-5,5,5")
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	assert.Equal(t, "application/geo+json", resp.Header().Get("Content-Type"))
	assert.Contains(t, resp.Header().Get("Content-Disposition"), wheat2030ID+".geojson")
	var fc struct {
		Features []struct {
			Properties map[string]any `json:"properties"`
		} `json:"features"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &fc))
	require.Len(t, fc.Features, 1)
	assert.Equal(t, "Testland", fc.Features[0].Properties["name"])
	assert.Equal(t, 10.0, fc.Features[0].Properties["wf"])

	resp = e.api.Get("/api/v1/download?layer=" + wheat2030ID + "&format=xlsx")
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	wb, err := excelize.OpenReader(bytes.NewReader(resp.Body.Bytes()))
	require.NoError(t, err)
	defer wb.Close()
	rows, err := wb.GetRows("Statistics")
	require.NoError(t, err)
	assert.Len(t, rows, 3)

	assert.Equal(t, http.StatusUnprocessableEntity, e.api.Get("/api/v1/download?layer="+wheat2030ID+"&bbox=5,5,1,1").Code)
	assert.Equal(t, http.StatusNotFound, e.api.Get("/api/v1/download?layer=nope").Code)
}

func TestReadOnlyQuery(t *testing.T) {
	e := newTestEnv(t)

	resp := e.api.Post("/api/v1/query", map[string]any{"query": "SELECT 1 AS ok"})
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	var body struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Count)

	for _, q := range []string{
		"DROP TABLE layer_statistics",
		"SELECT 1; DELETE FROM layer_statistics",
		"SELECT * FROM read_text('/etc/passwd')",
		"select content from read_blob ('/etc/hostname')",
		"FROM '/etc/passwd'",
		"SELECT * FROM layer_statistics JOIN 'other.csv' USING (country)",
	} {
		assert.Equal(t, http.StatusUnprocessableEntity, e.api.Post("/api/v1/query", map[string]any{"query": q}).Code, q)
	}

	resp = e.api.Get("/api/v1/tables")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), "layer_statistics")
}

func TestQueryConsoleDisabledByDefault(t *testing.T) {
	conn, err := db.Open(db.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, api := humatest.New(t, huma.DefaultConfig("test", "1.0.0"))
	NewDBHandler(conn, false).RegisterRoutes(api)

	resp := api.Post("/api/v1/query", map[string]any{"query": "SELECT 1"})
	assert.Equal(t, http.StatusForbidden, resp.Code)
	assert.Equal(t, http.StatusOK, api.Get("/api/v1/tables").Code)
}

func TestInfo(t *testing.T) {
	e := newTestEnv(t)
	resp := e.api.Get("/api/v1/info")
	require.Equal(t, http.StatusOK, resp.Code)
	info := decode[InfoBody](t, resp.Body)
	assert.Equal(t, "plat-cropwater", info.Name)
	assert.Contains(t, info.Features, "statistics")
}
