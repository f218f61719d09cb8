package viewer

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humago"
	"github.com/danielgtaylor/huma/v2/humatest"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joeblew999/plat-cropwater/internal/explorer"
	"github.com/joeblew999/plat-cropwater/internal/service"
	"github.com/joeblew999/plat-cropwater/internal/templates"
)

type fakeCatalog struct{}

func (fakeCatalog) ResolveLayer(_ context.Context, q explorer.Query) ([]explorer.LayerRecord, error) {
	return []explorer.LayerRecord{{
		LayerID: q.Crop + "-layer",
		Style:   []explorer.StyleStop{{Value: 0}, {Value: 100, Red: 255, Opacity: 1}},
	}}, nil
}

func (fakeCatalog) Availability(_ context.Context) (explorer.Availability, error) {
	avail := explorer.Availability{}
	for d, items := range explorer.DefaultVocabulary {
		for _, it := range items {
			avail[d] = append(avail[d], it.ID)
		}
	}
	return avail, nil
}

func (fakeCatalog) Countries(_ context.Context) (*geojson.FeatureCollection, error) {
	return geojson.NewFeatureCollection(), nil
}

func newTestHandler(t *testing.T) (*Handler, *Manager, *service.EventBus) {
	t.Helper()
	script, err := explorer.DefaultScript()
	require.NoError(t, err)
	bus := service.NewEventBus()
	mgr := NewManager(Sources{Catalog: fakeCatalog{}, Reference: fakeCatalog{}, Polygons: fakeCatalog{}},
		explorer.Config{
			Script: script,
			Showcase: explorer.ShowcaseConfig{
				Tick:       time.Hour,
				Rotation:   10 * time.Hour,
				Quiet:      time.Hour,
				NavSpacing: time.Millisecond,
			},
		}, bus, nil)
	t.Cleanup(mgr.Close)
	renderer, err := templates.New()
	require.NoError(t, err)
	return NewHandler(mgr, renderer, nil), mgr, bus
}

func createSession(t *testing.T, api humatest.TestAPI, query string) string {
	t.Helper()
	resp := api.Post(basePath, map[string]any{"query": query})
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	var body SessionBody
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, basePath+"/"+body.ID+"/stream", body.Stream)
	return body.ID
}

func snapshot(t *testing.T, api humatest.TestAPI, id string) explorer.Snapshot {
	t.Helper()
	resp := api.Get(basePath + "/" + id)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	var snap explorer.Snapshot
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &snap))
	return snap
}

func TestSessionFromSharedLink(t *testing.T) {
	h, _, bus := newTestHandler(t)
	events := bus.Subscribe()
	_, api := humatest.New(t)
	h.RegisterRoutes(api)

	id := createSession(t, api, "crop=soybean&crop_variable=harvarea")

	ev := <-events
	assert.Equal(t, service.Event{Resource: service.ResourceExplorer, Action: "created", ID: id}, ev)
	require.Eventually(t, func() bool {
		return snapshot(t, api, id).Layer.LayerID == "soybean-layer"
	}, 2*time.Second, 10*time.Millisecond)

	snap := snapshot(t, api, id)
	assert.Equal(t, explorer.ShowcaseInactive, snap.Showcase.State)
	assert.Equal(t, explorer.PanelInfo, snap.Panel)
	assert.True(t, snap.Ready)
}

func TestSelectBlockedDuringShowcase(t *testing.T) {
	h, _, _ := newTestHandler(t)
	_, api := humatest.New(t)
	h.RegisterRoutes(api)
	id := createSession(t, api, "")
	require.Eventually(t, func() bool {
		return snapshot(t, api, id).Showcase.State == explorer.ShowcasePlaying
	}, 2*time.Second, 10*time.Millisecond)

	resp := api.Post(basePath+"/"+id+"/select", map[string]any{"dimension": "crop", "value": "rice"})
	assert.Equal(t, http.StatusConflict, resp.Code)

	resp = api.Post(basePath + "/" + id + "/showcase/exit")
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())

	resp = api.Post(basePath+"/"+id+"/select", map[string]any{"dimension": "crop", "value": "rice"})
	assert.Less(t, resp.Code, 300, resp.Body.String())
	resp = api.Post(basePath+"/"+id+"/select", map[string]any{"dimension": "year", "value": 2030})
	assert.Less(t, resp.Code, 300, resp.Body.String())

	sel := snapshot(t, api, id).Selection
	assert.Equal(t, "rice", sel.Crop)
	assert.Equal(t, 2030, sel.Year)

	resp = api.Post(basePath+"/"+id+"/select", map[string]any{"dimension": "colour", "value": "red"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.Code)
	resp = api.Post(basePath + "/" + id + "/showcase/next")
	assert.Equal(t, http.StatusConflict, resp.Code, "showcase already exited")
}

func TestShowcaseControls(t *testing.T) {
	h, _, _ := newTestHandler(t)
	_, api := humatest.New(t)
	h.RegisterRoutes(api)
	id := createSession(t, api, "")
	require.Eventually(t, func() bool {
		return snapshot(t, api, id).Showcase.State == explorer.ShowcasePlaying
	}, 2*time.Second, 10*time.Millisecond)

	resp := api.Post(basePath + "/" + id + "/showcase/goto/2")
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	var status explorer.ShowcaseStatus
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &status))
	assert.Equal(t, 2, status.Index)

	resp = api.Post(basePath + "/" + id + "/showcase/goto/99")
	assert.Equal(t, http.StatusUnprocessableEntity, resp.Code)

	resp = api.Post(basePath+"/"+id+"/interact", map[string]any{"kind": "wheel"})
	assert.Less(t, resp.Code, 300, resp.Body.String())
	assert.Equal(t, explorer.ShowcasePaused, snapshot(t, api, id).Showcase.State)

	resp = api.Post(basePath + "/" + id + "/showcase/play")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, explorer.ShowcasePlaying, snapshot(t, api, id).Showcase.State)

	resp = api.Post(basePath + "/" + id + "/showcase/rewind")
	assert.Equal(t, http.StatusUnprocessableEntity, resp.Code)
}

func TestUnknownSession(t *testing.T) {
	h, _, _ := newTestHandler(t)
	_, api := humatest.New(t)
	h.RegisterRoutes(api)

	assert.Equal(t, http.StatusNotFound, api.Get(basePath+"/nope").Code)
	assert.Equal(t, http.StatusNotFound, api.Delete(basePath+"/nope").Code)
	assert.Equal(t, http.StatusNotFound, api.Post(basePath+"/nope/interact", map[string]any{"kind": "wheel"}).Code)
}

func TestDeleteSession(t *testing.T) {
	h, mgr, _ := newTestHandler(t)
	_, api := humatest.New(t)
	h.RegisterRoutes(api)
	id := createSession(t, api, "crop=rice")

	resp := api.Delete(basePath + "/" + id)

	assert.Less(t, resp.Code, 300)
	_, ok := mgr.Get(id)
	assert.False(t, ok)
	assert.Empty(t, mgr.List())
}

func TestStreamPushesSignalsAndLegend(t *testing.T) {
	h, mgr, _ := newTestHandler(t)
	mux := http.NewServeMux()
	h.RegisterRoutes(humago.New(mux, huma.DefaultConfig("test", "1.0.0")))
	srv := httptest.NewServer(mux)
	defer srv.Close()

	s := mgr.Create(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+basePath+"/"+s.ID+"/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	var seenSignals, seenLegend bool
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() && !(seenSignals && seenLegend) {
		line := scanner.Text()
		if strings.Contains(line, "datastar-patch-signals") {
			seenSignals = true
		}
		if strings.Contains(line, "#legend") {
			seenLegend = true
		}
	}
	assert.True(t, seenSignals)
	assert.True(t, seenLegend)
}

func TestServePageOpensSession(t *testing.T) {
	h, mgr, _ := newTestHandler(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/explorer?crop=rice&crop_variable=yield", nil)

	h.ServePage(rec, req, `</health>; rel="up"`)

	require.Equal(t, http.StatusOK, rec.Code)
	sessions := mgr.List()
	require.Len(t, sessions, 1)
	body := rec.Body.String()
	assert.Contains(t, body, basePath+"/"+sessions[0].ID+"/stream")
	assert.Contains(t, body, `id="items-crop_variable"`)
	assert.Equal(t, `</health>; rel="up"`, rec.Header().Get("Link"))
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")

	require.Eventually(t, func() bool {
		return sessions[0].Explorer.Snapshot().Selection.Crop == "rice"
	}, 2*time.Second, 10*time.Millisecond)
}
