package explorer

import (
	"fmt"
	"net/url"
	"strconv"
)

// Query is one resolution request against the catalog. Exactly one of the
// climate fields or CropVariable is populated.
type Query struct {
	Crop         string
	WaterModel   string
	ClimateModel string
	Scenario     string
	Variable     string
	Year         int
	CropVariable string
	Limit        int
}

// QueryFor builds the catalog query for a complete selection. The stored
// scenario is replaced by "historical" for the historical year.
func QueryFor(sel Selection) (Query, bool) {
	switch {
	case sel.CropComplete():
		return Query{Crop: sel.Crop, CropVariable: sel.CropVariable, Limit: 1}, true
	case sel.ClimateComplete():
		scenario := sel.Scenario
		if sel.Year == HistoricalYear {
			scenario = HistoricalScenario
		}
		return Query{
			Crop:         sel.Crop,
			WaterModel:   sel.WaterModel,
			ClimateModel: sel.ClimateModel,
			Scenario:     scenario,
			Variable:     sel.Variable,
			Year:         sel.Year,
			Limit:        1,
		}, true
	}
	return Query{}, false
}

// Values encodes the query the way the catalog service expects it.
// Crop-specific queries send the crop variable as "variable".
func (q Query) Values() url.Values {
	v := url.Values{}
	v.Set("crop", q.Crop)
	if q.CropVariable != "" {
		v.Set("variable", q.CropVariable)
	} else {
		v.Set("water_model", q.WaterModel)
		v.Set("climate_model", q.ClimateModel)
		v.Set("scenario", q.Scenario)
		v.Set("variable", q.Variable)
		v.Set("datetime", strconv.Itoa(q.Year))
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 1
	}
	v.Set("limit", strconv.Itoa(limit))
	return v
}

// ParseQuery decodes catalog query parameters. A request with only crop
// and variable is a crop-specific query.
func ParseQuery(v url.Values) (Query, error) {
	q := Query{
		Crop:         v.Get("crop"),
		WaterModel:   v.Get("water_model"),
		ClimateModel: v.Get("climate_model"),
		Scenario:     v.Get("scenario"),
		Limit:        1,
	}
	if q.Crop == "" {
		return Query{}, fmt.Errorf("crop is required")
	}
	if raw := v.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			return Query{}, fmt.Errorf("invalid limit %q", raw)
		}
		q.Limit = limit
	}
	if raw := v.Get("datetime"); raw != "" {
		year, err := strconv.Atoi(raw)
		if err != nil {
			return Query{}, fmt.Errorf("invalid datetime %q", raw)
		}
		q.Year = year
	}

	variable := v.Get("variable")
	if variable == "" {
		return Query{}, fmt.Errorf("variable is required")
	}
	if q.WaterModel == "" && q.ClimateModel == "" && q.Scenario == "" && q.Year == 0 {
		q.CropVariable = variable
		return q, nil
	}
	q.Variable = variable
	if q.WaterModel == "" || q.ClimateModel == "" || q.Scenario == "" || q.Year == 0 {
		return Query{}, fmt.Errorf("climate queries need water_model, climate_model, scenario and datetime")
	}
	return q, nil
}

// Key is a canonical cache key for the query.
func (q Query) Key() string {
	return q.Values().Encode()
}
