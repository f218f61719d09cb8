package explorer

import (
	"sort"
	"strconv"
	"sync"
)

// Item is one selectable entry of a dimension panel. Disabled items stay
// listed but cannot be clicked.
type Item struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
}

// Availability is the reference data service payload: the enabled ids per
// dimension.
type Availability map[Dimension][]string

// Vocabulary is the fixed list of known ids and display names per dimension.
type Vocabulary map[Dimension][]Item

// DefaultVocabulary is the crop-water catalog vocabulary.
var DefaultVocabulary = Vocabulary{
	DimCrop: {
		{ID: "wheat", Name: "Wheat"},
		{ID: "rice", Name: "Rice"},
		{ID: "maize", Name: "Maize"},
		{ID: "soybean", Name: "Soybean"},
	},
	DimWaterModel: {
		{ID: "cwatm", Name: "CWatM"},
		{ID: "h08", Name: "H08"},
		{ID: "lpjml", Name: "LPJmL"},
		{ID: "watergap2", Name: "WaterGAP2"},
	},
	DimClimateModel: {
		{ID: "gfdl-esm2m", Name: "GFDL-ESM2M"},
		{ID: "hadgem2-es", Name: "HadGEM2-ES"},
		{ID: "ipsl-cm5a-lr", Name: "IPSL-CM5A-LR"},
		{ID: "miroc5", Name: "MIROC5"},
	},
	DimScenario: {
		{ID: "rcp26", Name: "RCP 2.6"},
		{ID: "rcp60", Name: "RCP 6.0"},
		{ID: "rcp85", Name: "RCP 8.5"},
	},
	DimVariable: {
		{ID: "wf", Name: "Water footprint"},
		{ID: "wfb", Name: "Blue water footprint"},
		{ID: "wfg", Name: "Green water footprint"},
		{ID: "vwc", Name: "Virtual water content"},
	},
	DimCropVariable: {
		{ID: "harvarea", Name: "Harvested area"},
		{ID: "yield", Name: "Yield"},
		{ID: "production", Name: "Production"},
	},
}

// ReferenceData is the per-dimension item catalog shown in the panels.
type ReferenceData struct {
	mu    sync.RWMutex
	items map[Dimension][]Item
}

// NewReferenceData merges the vocabulary with server availability. Ids the
// server reports that the vocabulary lacks are appended with their id as
// name. Years always list the full decadal domain.
func NewReferenceData(vocab Vocabulary, avail Availability) *ReferenceData {
	rd := &ReferenceData{items: make(map[Dimension][]Item, len(Dimensions))}
	for _, d := range Dimensions {
		enabled := make(map[string]bool, len(avail[d]))
		for _, id := range avail[d] {
			enabled[id] = true
		}

		var known []Item
		if d == DimYear {
			for _, y := range Years {
				known = append(known, Item{ID: strconv.Itoa(y), Name: strconv.Itoa(y)})
			}
		} else {
			known = vocab[d]
		}

		seen := make(map[string]bool, len(known))
		items := make([]Item, 0, len(known))
		for _, it := range known {
			seen[it.ID] = true
			it.Enabled = enabled[it.ID]
			items = append(items, it)
		}
		var extra []string
		for id := range enabled {
			if !seen[id] {
				extra = append(extra, id)
			}
		}
		sort.Strings(extra)
		for _, id := range extra {
			items = append(items, Item{ID: id, Name: id, Enabled: true})
		}
		rd.items[d] = items
	}
	return rd
}

// Items returns a copy of the items for d.
func (r *ReferenceData) Items(d Dimension) []Item {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Item(nil), r.items[d]...)
}

// Lookup finds an item by id.
func (r *ReferenceData) Lookup(d Dimension, id string) (Item, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, it := range r.items[d] {
		if it.ID == id {
			return it, true
		}
	}
	return Item{}, false
}

// Enable marks an existing item enabled and reports whether it was found.
func (r *ReferenceData) Enable(d Dimension, id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, it := range r.items[d] {
		if it.ID == id {
			r.items[d][i].Enabled = true
			return true
		}
	}
	return false
}
