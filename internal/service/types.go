// Package service contains the catalog business logic for plat-cropwater.
package service

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/joeblew999/plat-cropwater/internal/explorer"
)

var (
	// ErrNotFound is returned when a catalog entry does not exist.
	ErrNotFound = errors.New("not found")
	// ErrExists is returned when creating an entry whose ID is taken.
	ErrExists = errors.New("already exists")
	// ErrInvalidLayer is returned for layers whose dimensions do not form
	// exactly one complete selection.
	ErrInvalidLayer = errors.New("invalid layer")
)

// Layer is one raster layer in the catalog. A layer is either a climate
// layer (water model, climate model, scenario, variable and year) or a
// crop-specific layer (crop variable only).
//
// Huma reads the tags for OpenAPI and validation.
type Layer struct {
	ID                string `json:"id,omitempty" doc:"Unique layer identifier" example:"wheat_cwatm_gfdl-esm2m_rcp26_wf_2030"`
	Name              string `json:"name,omitempty" maxLength:"200" doc:"Display name" example:"Wheat blue+green WF 2030"`
	Crop              string `json:"crop" required:"true" minLength:"1" doc:"Crop id" example:"wheat"`
	WaterModel        string `json:"water_model,omitempty" doc:"Water model id" example:"cwatm"`
	ClimateModel      string `json:"climate_model,omitempty" doc:"Climate model id" example:"gfdl-esm2m"`
	Scenario          string `json:"scenario,omitempty" doc:"Scenario id, historical for the baseline" example:"rcp26"`
	Variable          string `json:"variable,omitempty" doc:"Water-footprint variable id" example:"wf"`
	Year              int    `json:"year,omitempty" minimum:"0" maximum:"2090" doc:"Decade start year" example:"2030"`
	CropVariable      string `json:"crop_variable,omitempty" doc:"Crop-specific variable id" example:"harvarea"`
	StyleID           string `json:"style_id,omitempty" doc:"Color ramp id" example:"blues"`
	InterpolationType string `json:"interpolation_type,omitempty" doc:"linear or discrete; overrides the style" example:"linear"`
	LabelDisplayMode  string `json:"label_display_mode,omitempty" doc:"auto or manual; overrides the style" example:"auto"`
	LabelCount        int    `json:"label_count,omitempty" minimum:"0" doc:"Legend label count; overrides the style" example:"5"`
	Enabled           bool   `json:"enabled" doc:"Whether the layer is served by resolve"`
}

// IsCrop reports whether the layer is crop-specific.
func (l Layer) IsCrop() bool {
	return l.CropVariable != ""
}

// Validate checks that the layer belongs to exactly one mode.
func (l Layer) Validate() error {
	if l.Crop == "" {
		return fmt.Errorf("%w: crop is required", ErrInvalidLayer)
	}
	climate := l.WaterModel != "" || l.ClimateModel != "" || l.Scenario != "" || l.Variable != "" || l.Year != 0
	if l.IsCrop() {
		if climate {
			return fmt.Errorf("%w: crop variable layers carry no climate fields", ErrInvalidLayer)
		}
	} else {
		if l.WaterModel == "" || l.ClimateModel == "" || l.Scenario == "" || l.Variable == "" {
			return fmt.Errorf("%w: climate layers need water_model, climate_model, scenario and variable", ErrInvalidLayer)
		}
		if !explorer.ValidYear(l.Year) {
			return fmt.Errorf("%w: year %d is not a decade between %d and %d",
				ErrInvalidLayer, l.Year, explorer.Years[0], explorer.Years[len(explorer.Years)-1])
		}
	}
	if l.InterpolationType != "" && l.InterpolationType != explorer.InterpolationLinear && l.InterpolationType != explorer.InterpolationDiscrete {
		return fmt.Errorf("%w: interpolation_type %q", ErrInvalidLayer, l.InterpolationType)
	}
	if l.LabelDisplayMode != "" && l.LabelDisplayMode != explorer.LabelsAuto && l.LabelDisplayMode != explorer.LabelsManual {
		return fmt.Errorf("%w: label_display_mode %q", ErrInvalidLayer, l.LabelDisplayMode)
	}
	return nil
}

// Matches reports whether the layer answers q.
func (l Layer) Matches(q explorer.Query) bool {
	if l.Crop != q.Crop {
		return false
	}
	if q.CropVariable != "" {
		return l.CropVariable == q.CropVariable
	}
	return !l.IsCrop() &&
		l.WaterModel == q.WaterModel &&
		l.ClimateModel == q.ClimateModel &&
		l.Scenario == q.Scenario &&
		l.Variable == q.Variable &&
		l.Year == q.Year
}

// StatVariable is the variable whose statistics describe the layer.
func (l Layer) StatVariable() string {
	if l.IsCrop() {
		return l.CropVariable
	}
	return l.Variable
}

// layerID derives a stable ID from the layer dimensions.
func layerID(l Layer) string {
	if l.IsCrop() {
		return generateID(l.Crop + "_" + l.CropVariable)
	}
	return generateID(strings.Join([]string{
		l.Crop, l.WaterModel, l.ClimateModel, l.Scenario, l.Variable, strconv.Itoa(l.Year),
	}, "_"))
}

// Style is a named color ramp with legend defaults.
type Style struct {
	ID                string               `json:"id,omitempty" doc:"Unique style identifier" example:"blues"`
	Name              string               `json:"name" required:"true" minLength:"1" maxLength:"100" doc:"Display name" example:"Blues"`
	Stops             []explorer.StyleStop `json:"stops" doc:"Color ramp stops, kept sorted by value"`
	InterpolationType string               `json:"interpolation_type,omitempty" doc:"linear or discrete" example:"linear"`
	LabelDisplayMode  string               `json:"label_display_mode,omitempty" doc:"auto or manual" example:"auto"`
	LabelCount        int                  `json:"label_count,omitempty" minimum:"0" doc:"Legend label count" example:"5"`
}

// sortStops orders ramp stops by value.
func sortStops(stops []explorer.StyleStop) {
	sort.SliceStable(stops, func(i, j int) bool { return stops[i].Value < stops[j].Value })
}

// CountryValue is one per-country statistic of a layer.
type CountryValue struct {
	Country  string  `json:"country" required:"true" minLength:"1" doc:"Country name" example:"Testland"`
	Variable string  `json:"variable" required:"true" minLength:"1" doc:"Variable id" example:"wf"`
	Value    float64 `json:"value" doc:"Statistic value" example:"1250.5"`
}

// CacheEntry describes one cached resolution.
type CacheEntry struct {
	Key     string `json:"key" doc:"Canonical query string"`
	Records int    `json:"records" doc:"Number of cached records"`
}
