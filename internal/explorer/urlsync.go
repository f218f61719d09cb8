package explorer

import (
	"net/url"
	"strconv"
	"sync"
)

// urlParams are the query parameters recognized on a shared link, in the
// order they are applied.
var urlParams = []Dimension{
	DimCrop, DimWaterModel, DimClimateModel, DimScenario, DimVariable, DimCropVariable, DimYear,
}

// URLSync hydrates the store from a shared link exactly once.
type URLSync struct {
	values url.Values

	mu      sync.Mutex
	applied bool
}

// NewURLSync captures the page's query parameters.
func NewURLSync(values url.Values) *URLSync {
	return &URLSync{values: values}
}

// Present reports whether any recognized parameter is set. It needs no
// reference data, so callers can decide on the showcase before loading ends.
func (u *URLSync) Present() bool {
	for _, d := range urlParams {
		if u.values.Get(string(d)) != "" {
			return true
		}
	}
	return false
}

// Applied reports whether hydration already ran.
func (u *URLSync) Applied() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.applied
}

// Apply writes the recognized parameters into the store as one selection.
// Ids unknown to ref are skipped, items found are marked enabled. It
// returns false when there was nothing to apply or it already ran.
func (u *URLSync) Apply(ref *ReferenceData, store *Store) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.applied || !u.Present() {
		return false
	}
	u.applied = true

	lookup := func(d Dimension) string {
		id := u.values.Get(string(d))
		if id == "" || ref == nil {
			return ""
		}
		if _, ok := ref.Lookup(d, id); !ok {
			return ""
		}
		ref.Enable(d, id)
		return id
	}

	var sel Selection
	sel.Crop = lookup(DimCrop)
	// A crop_variable parameter selects crop-specific mode even when its id
	// is unknown, so the climate parameters are never applied alongside it.
	if u.values.Get(string(DimCropVariable)) != "" {
		sel.CropVariable = lookup(DimCropVariable)
	} else {
		sel.WaterModel = lookup(DimWaterModel)
		sel.ClimateModel = lookup(DimClimateModel)
		sel.Scenario = lookup(DimScenario)
		sel.Variable = lookup(DimVariable)
		if raw := lookup(DimYear); raw != "" {
			if year, err := strconv.Atoi(raw); err == nil {
				sel.Year = year
			}
		}
	}
	store.Replace(sel)
	return true
}
