package catalogclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joeblew999/plat-cropwater/internal/explorer"
)

func TestResolveLayerSendsCanonicalQuery(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/resolve", r.URL.Path)
		got = r.URL.RawQuery
		json.NewEncoder(w).Encode([]explorer.LayerRecord{{LayerID: "wheat_harvarea"}})
	}))
	defer srv.Close()

	q := explorer.Query{Crop: "wheat", CropVariable: "harvarea", Limit: 1}
	records, err := New(srv.URL+"/").ResolveLayer(context.Background(), q)

	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "wheat_harvarea", records[0].LayerID)
	assert.Equal(t, q.Key(), got)
}

func TestProblemBodyBecomesError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/problem+json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"status":422,"title":"Unprocessable Entity","detail":"crop is required"}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).ResolveLayer(context.Background(), explorer.Query{})

	var apiErr *Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.Status)
	assert.Equal(t, "crop is required", apiErr.Detail)
	assert.Contains(t, err.Error(), "422")
}

func TestPlainErrorUsesStatusText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := New(srv.URL).Availability(context.Background())

	var apiErr *Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadGateway, apiErr.Status)
	assert.Equal(t, "Bad Gateway", apiErr.Title)
}

func TestAvailabilityAndCountries(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/reference", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"crop":["wheat","rice"],"year":["2030"]}`))
	})
	mux.HandleFunc("/api/v1/countries", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/geo+json")
		w.Write([]byte(`{"type":"FeatureCollection","features":[{"type":"Feature","properties":{"name":"Testland"},
			"geometry":{"type":"Polygon","coordinates":[[[0,0],[10,0],[10,10],[0,10],[0,0]]]}}]}`))
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"ok","version":"1.0.0"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	c := New(srv.URL)
	ctx := context.Background()

	avail, err := c.Availability(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"wheat", "rice"}, avail[explorer.DimCrop])
	assert.Equal(t, []string{"2030"}, avail[explorer.DimYear])

	fc, err := c.Countries(ctx)
	require.NoError(t, err)
	require.Len(t, fc.Features, 1)
	assert.Equal(t, "Testland", fc.Features[0].Properties.MustString("name"))

	assert.NoError(t, c.Health(ctx))
}

func TestTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	_, err := New(srv.URL).Countries(context.Background())

	require.Error(t, err)
	var apiErr *Error
	assert.False(t, errors.As(err, &apiErr))
}
