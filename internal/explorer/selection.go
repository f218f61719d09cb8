// Package explorer holds the map-state engine behind the crop-water explorer:
// the selection store, the layer resolver, URL hydration, the showcase
// sequencer and the readiness signal. None of it renders anything; display
// code reads snapshots and sends commands.
package explorer

import (
	"fmt"
	"strconv"
	"sync"
)

// Dimension names one selectable field. The values double as query
// parameter names.
type Dimension string

const (
	DimCrop         Dimension = "crop"
	DimWaterModel   Dimension = "water_model"
	DimClimateModel Dimension = "climate_model"
	DimScenario     Dimension = "scenario"
	DimVariable     Dimension = "variable"
	DimCropVariable Dimension = "crop_variable"
	DimYear         Dimension = "year"
)

// Dimensions lists every dimension in panel order.
var Dimensions = []Dimension{
	DimCrop, DimWaterModel, DimClimateModel, DimScenario, DimVariable, DimCropVariable, DimYear,
}

// Years is the decadal year domain.
var Years = []int{2000, 2010, 2020, 2030, 2040, 2050, 2060, 2070, 2080, 2090}

// HistoricalYear is resolved against the "historical" scenario.
const HistoricalYear = 2000

// IsClimate reports whether d belongs to the climate-mode field set.
// Crop is shared by both modes and is not a climate field.
func (d Dimension) IsClimate() bool {
	switch d {
	case DimWaterModel, DimClimateModel, DimScenario, DimVariable, DimYear:
		return true
	}
	return false
}

// Valid reports whether d is a known dimension.
func (d Dimension) Valid() bool {
	for _, known := range Dimensions {
		if d == known {
			return true
		}
	}
	return false
}

// Selection is the user's current choice per dimension. Empty string and
// zero year mean "nothing selected".
type Selection struct {
	Crop         string `json:"crop" yaml:"crop"`
	WaterModel   string `json:"water_model" yaml:"water_model"`
	ClimateModel string `json:"climate_model" yaml:"climate_model"`
	Scenario     string `json:"scenario" yaml:"scenario"`
	Variable     string `json:"variable" yaml:"variable"`
	CropVariable string `json:"crop_variable" yaml:"crop_variable"`
	Year         int    `json:"year" yaml:"year"`
}

// ClimateComplete reports whether every climate-mode field is set.
func (s Selection) ClimateComplete() bool {
	return s.Crop != "" && s.WaterModel != "" && s.ClimateModel != "" &&
		s.Scenario != "" && s.Variable != "" && s.Year != 0
}

// CropComplete reports whether the crop-specific mode is complete.
func (s Selection) CropComplete() bool {
	return s.Crop != "" && s.CropVariable != ""
}

// Complete reports whether either mode is complete.
func (s Selection) Complete() bool {
	return s.CropComplete() || s.ClimateComplete()
}

// HasClimate reports whether any climate-mode field is set.
func (s Selection) HasClimate() bool {
	return s.WaterModel != "" || s.ClimateModel != "" || s.Scenario != "" ||
		s.Variable != "" || s.Year != 0
}

// LegendVariable is whichever variable drives the legend, or "".
func (s Selection) LegendVariable() string {
	if s.CropVariable != "" {
		return s.CropVariable
	}
	return s.Variable
}

// Get returns the value of d as a string ("" when unset).
func (s Selection) Get(d Dimension) string {
	switch d {
	case DimCrop:
		return s.Crop
	case DimWaterModel:
		return s.WaterModel
	case DimClimateModel:
		return s.ClimateModel
	case DimScenario:
		return s.Scenario
	case DimVariable:
		return s.Variable
	case DimCropVariable:
		return s.CropVariable
	case DimYear:
		if s.Year == 0 {
			return ""
		}
		return strconv.Itoa(s.Year)
	}
	return ""
}

// with returns a copy of s with d set to value, enforcing mode exclusivity.
func (s Selection) with(d Dimension, value string) (Selection, error) {
	switch d {
	case DimCrop:
		s.Crop = value
	case DimWaterModel:
		s.WaterModel = value
	case DimClimateModel:
		s.ClimateModel = value
	case DimScenario:
		s.Scenario = value
	case DimVariable:
		s.Variable = value
	case DimCropVariable:
		s.CropVariable = value
	case DimYear:
		year, err := ParseYear(value)
		if err != nil {
			return s, err
		}
		if year != 0 && !ValidYear(year) {
			return s, fmt.Errorf("year %d outside the decadal domain", year)
		}
		s.Year = year
	default:
		return s, fmt.Errorf("unknown dimension %q", d)
	}
	if value == "" {
		return s, nil
	}
	if d.IsClimate() {
		s.CropVariable = ""
	} else if d == DimCropVariable {
		s = s.withoutClimate()
	}
	return s, nil
}

func (s Selection) withoutClimate() Selection {
	s.WaterModel, s.ClimateModel, s.Scenario, s.Variable, s.Year = "", "", "", "", 0
	return s
}

// normalized resolves a selection that carries both modes. Crop-specific
// wins, matching the order in which the URL synchronizer applies fields.
func (s Selection) normalized() Selection {
	if s.CropVariable != "" && s.HasClimate() {
		return s.withoutClimate()
	}
	return s
}

// ValidYear reports whether year is one of Years.
func ValidYear(year int) bool {
	for _, y := range Years {
		if y == year {
			return true
		}
	}
	return false
}

// ParseYear parses a year value; "" parses to 0.
func ParseYear(value string) (int, error) {
	if value == "" {
		return 0, nil
	}
	year, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid year %q: %w", value, err)
	}
	return year, nil
}

// Store is the single writer-facing owner of the Selection. Every mutation
// goes through a named command and keeps the two modes exclusive.
type Store struct {
	mu       sync.Mutex
	sel      Selection
	onChange func(Selection)
}

// NewStore returns an empty store. onChange, if set, is called with the new
// selection after every mutation that changed it. It runs while the store is
// locked so listeners observe changes in order; it must not call back into
// the store.
func NewStore(onChange func(Selection)) *Store {
	return &Store{onChange: onChange}
}

// Selection returns a snapshot of the current selection.
func (s *Store) Selection() Selection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sel
}

// Set writes one dimension without toggle semantics.
func (s *Store) Set(d Dimension, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, err := s.sel.with(d, value)
	if err != nil {
		return err
	}
	s.commit(next)
	return nil
}

// Select is the panel click command: picking the currently selected value
// deselects it, any other value is set.
func (s *Store) Select(d Dimension, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if value != "" && s.sel.Get(d) == value {
		value = ""
	}
	next, err := s.sel.with(d, value)
	if err != nil {
		return err
	}
	s.commit(next)
	return nil
}

// Replace swaps in a whole selection at once, producing a single change.
func (s *Store) Replace(sel Selection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commit(sel.normalized())
}

// Clear resets every field in both modes.
func (s *Store) Clear() {
	s.Replace(Selection{})
}

func (s *Store) commit(next Selection) {
	if next == s.sel {
		return
	}
	s.sel = next
	if s.onChange != nil {
		s.onChange(next)
	}
}
