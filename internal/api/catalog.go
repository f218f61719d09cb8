package api

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/joeblew999/plat-cropwater/internal/explorer"
	"github.com/joeblew999/plat-cropwater/internal/service"
)

const (
	contentGeoJSON = "application/geo+json"
	contentXLSX    = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// Types

type ResolveInput struct {
	Crop         string `query:"crop" required:"true" doc:"Crop id" example:"wheat"`
	Variable     string `query:"variable" required:"true" doc:"Water-footprint variable, or the crop variable for crop-specific layers" example:"wf"`
	WaterModel   string `query:"water_model" doc:"Water model id" example:"cwatm"`
	ClimateModel string `query:"climate_model" doc:"Climate model id" example:"gfdl-esm2m"`
	Scenario     string `query:"scenario" doc:"Scenario id" example:"rcp26"`
	Datetime     string `query:"datetime" doc:"Decade start year" example:"2030"`
	Limit        string `query:"limit" doc:"Maximum number of records" example:"1"`
}

func (i *ResolveInput) values() url.Values {
	v := url.Values{}
	set := func(k, val string) {
		if val != "" {
			v.Set(k, val)
		}
	}
	set("crop", i.Crop)
	set("variable", i.Variable)
	set("water_model", i.WaterModel)
	set("climate_model", i.ClimateModel)
	set("scenario", i.Scenario)
	set("datetime", i.Datetime)
	set("limit", i.Limit)
	return v
}

type StatisticsBody struct {
	LayerID       string                        `json:"layer_id" doc:"Layer ID"`
	Rows          []service.CountryValue        `json:"rows" doc:"Raw statistics"`
	CountryValues map[string]map[string]float64 `json:"country_values,omitempty" doc:"Per-country averages by variable"`
	GlobalAverage *float64                      `json:"global_average,omitempty" doc:"Mean of the layer variable over all countries"`
}

type ImportInput struct {
	IDInput
	Body struct {
		File string `json:"file" required:"true" minLength:"1" doc:"File name under the sources directory" example:"wheat_wf_2030.csv"`
	}
}

type ImportBody struct {
	LayerID string `json:"layer_id" doc:"Layer ID"`
	Rows    int64  `json:"rows" doc:"Imported rows"`
}

type PointInput struct {
	Lon   float64 `query:"lon" minimum:"-180" maximum:"180" doc:"Longitude" example:"12.5"`
	Lat   float64 `query:"lat" minimum:"-90" maximum:"90" doc:"Latitude" example:"41.9"`
	Layer string  `query:"layer" doc:"Layer ID whose statistics are returned" example:"wheat_cwatm_gfdl-esm2m_rcp26_wf_2030"`
}

type PointBody struct {
	Found   bool               `json:"found" doc:"Whether a country contains the point"`
	Country string             `json:"country,omitempty" doc:"Country name"`
	Values  map[string]float64 `json:"values,omitempty" doc:"Layer statistics of the country by variable"`
}

type DownloadInput struct {
	Layer  string `query:"layer" required:"true" doc:"Layer ID" example:"wheat_cwatm_gfdl-esm2m_rcp26_wf_2030"`
	BBox   string `query:"bbox" doc:"Clip box as minLon,minLat,maxLon,maxLat" example:"-10,35,30,60"`
	Format string `query:"format" enum:"geojson,xlsx" default:"geojson" doc:"Download format"`
}

type FileOutput struct {
	ContentType        string `header:"Content-Type"`
	ContentDisposition string `header:"Content-Disposition"`
	Body               []byte
}

// RegisterCatalog registers resolve, reference and cache routes.
func (h *APIHandler) RegisterCatalog(api huma.API) {
	tags := huma.OperationTags("catalog")
	huma.Get(api, "/api/v1/resolve", h.Resolve, tags)
	huma.Get(api, "/api/v1/reference", h.GetReference, tags)
	huma.Get(api, "/api/v1/cache", h.GetCache, tags)
	huma.Delete(api, "/api/v1/cache", h.FlushCache, tags)
}

// RegisterStatistics registers per-layer statistics routes.
func (h *APIHandler) RegisterStatistics(api huma.API) {
	tags := huma.OperationTags("statistics")
	huma.Get(api, "/api/v1/layers/{id}/statistics", h.GetStatistics, tags)
	huma.Put(api, "/api/v1/layers/{id}/statistics", h.PutStatistics, tags)
	huma.Post(api, "/api/v1/layers/{id}/statistics/import", h.ImportStatistics, tags)
	huma.Get(api, "/api/v1/sources", h.GetSources, tags)
}

// RegisterCountries registers the polygon routes.
func (h *APIHandler) RegisterCountries(api huma.API) {
	tags := huma.OperationTags("countries")
	huma.Get(api, "/api/v1/countries", h.GetCountries, tags)
	huma.Get(api, "/api/v1/query/point", h.QueryPoint, tags)
	huma.Get(api, "/api/v1/download", h.Download, tags)
}

// Handlers

func (h *APIHandler) Resolve(ctx context.Context, input *ResolveInput) (*struct {
	Body []explorer.LayerRecord
}, error) {
	q, err := explorer.ParseQuery(input.values())
	if err != nil {
		return nil, huma.Error422UnprocessableEntity(err.Error())
	}
	records, err := h.svc.Catalog.ResolveLayer(ctx, q)
	if err != nil {
		return nil, serviceError(err)
	}
	return &struct {
		Body []explorer.LayerRecord
	}{Body: records}, nil
}

func (h *APIHandler) GetReference(ctx context.Context, input *struct{}) (*struct {
	Body explorer.Availability
}, error) {
	avail, err := h.svc.Catalog.Availability(ctx)
	if err != nil {
		return nil, serviceError(err)
	}
	return &struct {
		Body explorer.Availability
	}{Body: avail}, nil
}

func (h *APIHandler) GetCache(ctx context.Context, input *struct{}) (*struct{ Body []service.CacheEntry }, error) {
	entries, err := h.svc.Catalog.Cache().Entries(ctx)
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to list cache", err)
	}
	return &struct{ Body []service.CacheEntry }{Body: entries}, nil
}

func (h *APIHandler) FlushCache(ctx context.Context, input *struct{}) (*struct{ Body MessageBody }, error) {
	if err := h.svc.Catalog.Invalidate(ctx); err != nil {
		return nil, huma.Error500InternalServerError("failed to flush cache", err)
	}
	return &struct{ Body MessageBody }{Body: MessageBody{Message: "Cache flushed"}}, nil
}

func (h *APIHandler) GetStatistics(ctx context.Context, input *IDInput) (*struct{ Body StatisticsBody }, error) {
	layer, err := h.layer(input.ID)
	if err != nil {
		return nil, err
	}
	body := StatisticsBody{LayerID: layer.ID}
	if body.Rows, err = h.svc.Stats.List(ctx, layer.ID); err != nil {
		return nil, serviceError(err)
	}
	if body.CountryValues, err = h.svc.Stats.CountryValues(ctx, layer.ID); err != nil {
		return nil, serviceError(err)
	}
	if body.GlobalAverage, err = h.svc.Stats.GlobalAverage(ctx, layer.ID, layer.StatVariable()); err != nil {
		return nil, serviceError(err)
	}
	return &struct{ Body StatisticsBody }{Body: body}, nil
}

func (h *APIHandler) PutStatistics(ctx context.Context, input *struct {
	IDInput
	Body []service.CountryValue
}) (*struct{ Body ImportBody }, error) {
	layer, err := h.layer(input.ID)
	if err != nil {
		return nil, err
	}
	if err := h.svc.Stats.Replace(ctx, layer.ID, input.Body); err != nil {
		return nil, serviceError(err)
	}
	if err := h.publish(ctx, service.ResourceStatistics, "updated", layer.ID); err != nil {
		return nil, err
	}
	return &struct{ Body ImportBody }{Body: ImportBody{LayerID: layer.ID, Rows: int64(len(input.Body))}}, nil
}

func (h *APIHandler) ImportStatistics(ctx context.Context, input *ImportInput) (*struct{ Body ImportBody }, error) {
	layer, err := h.layer(input.ID)
	if err != nil {
		return nil, err
	}
	path, err := h.svc.Sources.Path(input.Body.File)
	if err != nil {
		return nil, serviceError(err)
	}
	n, err := h.svc.Stats.Import(ctx, layer.ID, path)
	if err != nil {
		return nil, huma.Error422UnprocessableEntity("import failed", err)
	}
	if err := h.publish(ctx, service.ResourceStatistics, "imported", layer.ID); err != nil {
		return nil, err
	}
	return &struct{ Body ImportBody }{Body: ImportBody{LayerID: layer.ID, Rows: n}}, nil
}

func (h *APIHandler) GetSources(ctx context.Context, input *struct{}) (*struct{ Body []service.SourceFile }, error) {
	files, err := h.svc.Sources.List()
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to list sources", err)
	}
	return &struct{ Body []service.SourceFile }{Body: files}, nil
}

func (h *APIHandler) GetCountries(ctx context.Context, input *struct{}) (*FileOutput, error) {
	fc, err := h.svc.Country.Countries(ctx)
	if err != nil {
		return nil, huma.Error503ServiceUnavailable("country polygons unavailable", err)
	}
	data, err := fc.MarshalJSON()
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to encode countries", err)
	}
	return &FileOutput{ContentType: contentGeoJSON, Body: data}, nil
}

func (h *APIHandler) QueryPoint(ctx context.Context, input *PointInput) (*struct{ Body PointBody }, error) {
	country, found, err := h.svc.Country.At(ctx, orb.Point{input.Lon, input.Lat})
	if err != nil {
		return nil, huma.Error503ServiceUnavailable("country polygons unavailable", err)
	}
	body := PointBody{Found: found, Country: country}
	if found && input.Layer != "" {
		layer, err := h.layer(input.Layer)
		if err != nil {
			return nil, err
		}
		values, err := h.svc.Stats.CountryValues(ctx, layer.ID)
		if err != nil {
			return nil, serviceError(err)
		}
		body.Values = values[country]
	}
	return &struct{ Body PointBody }{Body: body}, nil
}

// Download exports a layer as clipped country polygons annotated with the
// layer statistics, or as a workbook of the same statistics.
func (h *APIHandler) Download(ctx context.Context, input *DownloadInput) (*FileOutput, error) {
	layer, err := h.layer(input.Layer)
	if err != nil {
		return nil, err
	}
	bound := orb.Bound{Min: orb.Point{-180, -90}, Max: orb.Point{180, 90}}
	if input.BBox != "" {
		if bound, err = parseBBox(input.BBox); err != nil {
			return nil, huma.Error422UnprocessableEntity(err.Error())
		}
	}
	fc, err := h.svc.Country.Within(ctx, bound)
	if err != nil {
		return nil, huma.Error503ServiceUnavailable("country polygons unavailable", err)
	}
	rows, err := h.svc.Stats.List(ctx, layer.ID)
	if err != nil {
		return nil, serviceError(err)
	}

	keep := map[string]bool{}
	for _, f := range fc.Features {
		keep[f.Properties.MustString(service.CountryNameProperty, "")] = true
	}

	if input.Format == "xlsx" {
		var buf bytes.Buffer
		if err := service.WriteStatisticsWorkbook(&buf, layer, rows, keep); err != nil {
			return nil, huma.Error500InternalServerError("failed to write workbook", err)
		}
		return &FileOutput{
			ContentType:        contentXLSX,
			ContentDisposition: attachment(layer.ID, "xlsx"),
			Body:               buf.Bytes(),
		}, nil
	}

	byCountry := map[string]map[string]float64{}
	for _, r := range rows {
		if byCountry[r.Country] == nil {
			byCountry[r.Country] = map[string]float64{}
		}
		byCountry[r.Country][r.Variable] = r.Value
	}
	for _, f := range fc.Features {
		if f.Properties == nil {
			f.Properties = geojson.Properties{}
		}
		f.Properties["layer_id"] = layer.ID
		for variable, v := range byCountry[f.Properties.MustString(service.CountryNameProperty, "")] {
			f.Properties[variable] = v
		}
	}
	data, err := fc.MarshalJSON()
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to encode download", err)
	}
	return &FileOutput{
		ContentType:        contentGeoJSON,
		ContentDisposition: attachment(layer.ID, "geojson"),
		Body:               data,
	}, nil
}

func (h *APIHandler) layer(id string) (service.Layer, error) {
	layer, ok := h.svc.Layer.Get(id)
	if !ok {
		return service.Layer{}, huma.Error404NotFound("layer not found")
	}
	return layer, nil
}

func attachment(name, ext string) string {
	return fmt.Sprintf(`attachment; filename="%s.%s"`, name, ext)
}

func parseBBox(s string) (orb.Bound, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return orb.Bound{}, fmt.Errorf("bbox needs four comma separated numbers")
	}
	var n [4]float64
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return orb.Bound{}, fmt.Errorf("invalid bbox value %q", p)
		}
		n[i] = v
	}
	if n[0] >= n[2] || n[1] >= n[3] {
		return orb.Bound{}, fmt.Errorf("bbox min must be below max")
	}
	return orb.Bound{Min: orb.Point{n[0], n[1]}, Max: orb.Point{n[2], n[3]}}, nil
}
