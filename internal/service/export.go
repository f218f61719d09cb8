package service

import (
	"fmt"
	"io"
	"sort"

	"github.com/xuri/excelize/v2"
)

const statisticsSheet = "Statistics"

// WriteStatisticsWorkbook writes one row per country with a column per
// variable. Only countries in keep are written when keep is non-nil.
func WriteStatisticsWorkbook(w io.Writer, layer Layer, rows []CountryValue, keep map[string]bool) error {
	wb := excelize.NewFile()
	defer wb.Close()

	if err := wb.SetSheetName(wb.GetSheetName(0), statisticsSheet); err != nil {
		return err
	}

	variables := map[string]bool{}
	values := map[string]map[string]float64{}
	for _, r := range rows {
		if keep != nil && !keep[r.Country] {
			continue
		}
		variables[r.Variable] = true
		if values[r.Country] == nil {
			values[r.Country] = map[string]float64{}
		}
		values[r.Country][r.Variable] = r.Value
	}
	cols := sortedKeys(variables)
	countries := make([]string, 0, len(values))
	for c := range values {
		countries = append(countries, c)
	}
	sort.Strings(countries)

	header := append([]any{"country"}, toAny(cols)...)
	if err := wb.SetSheetRow(statisticsSheet, "A1", &header); err != nil {
		return err
	}
	for i, country := range countries {
		row := []any{country}
		for _, v := range cols {
			if val, ok := values[country][v]; ok {
				row = append(row, val)
			} else {
				row = append(row, nil)
			}
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := wb.SetSheetRow(statisticsSheet, cell, &row); err != nil {
			return err
		}
	}

	if _, err := wb.NewSheet("Layer"); err != nil {
		return err
	}
	meta := [][]any{
		{"id", layer.ID},
		{"name", layer.Name},
		{"crop", layer.Crop},
		{"water_model", layer.WaterModel},
		{"climate_model", layer.ClimateModel},
		{"scenario", layer.Scenario},
		{"variable", layer.Variable},
		{"year", layer.Year},
		{"crop_variable", layer.CropVariable},
	}
	for i, row := range meta {
		if err := wb.SetSheetRow("Layer", fmt.Sprintf("A%d", i+1), &row); err != nil {
			return err
		}
	}

	_, err := wb.WriteTo(w)
	return err
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func toAny(s []string) []any {
	out := make([]any, len(s))
	for i, v := range s {
		out[i] = v
	}
	return out
}
