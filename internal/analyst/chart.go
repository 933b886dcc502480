package analyst

import (
	"strconv"
	"strings"
	"time"
)

// column kinds inferred from result values
type columnKind int

const (
	kindCategorical columnKind = iota
	kindNumeric
	kindTemporal
)

// BuildChart selects a chart heuristically from the shape of the result:
// a time-like column with a numeric column becomes a line chart, a
// categorical column with a numeric one a bar chart, two numeric columns a
// scatter plot. Anything else gets no chart (tabular fallback). Inline data
// is copied from the executed rows, capped at chartRows.
func BuildChart(columns []string, rows [][]any) *ChartSpec {
	if len(columns) < 2 || len(rows) == 0 {
		return nil
	}

	kinds := make([]columnKind, len(columns))
	for i, name := range columns {
		kinds[i] = classifyColumn(name, rows, i)
	}

	x, y, mark := pickEncoding(kinds)
	if mark == "" {
		return nil
	}

	spec := &ChartSpec{
		Mark:   mark,
		XField: columns[x],
		XType:  axisType(kinds[x]),
		YField: columns[y],
		YType:  axisType(kinds[y]),
	}

	limit := len(rows)
	if limit > chartRows {
		limit = chartRows
	}
	spec.Data = make([]map[string]any, 0, limit)
	for _, row := range rows[:limit] {
		point := make(map[string]any, len(columns))
		for i, col := range columns {
			if i < len(row) {
				point[col] = row[i]
			}
		}
		spec.Data = append(spec.Data, point)
	}
	return spec
}

// pickEncoding chooses x/y columns and a mark from the column kinds.
func pickEncoding(kinds []columnKind) (x, y int, mark string) {
	temporal := indexOf(kinds, kindTemporal)
	numerics := indexesOf(kinds, kindNumeric)
	categorical := indexOf(kinds, kindCategorical)

	switch {
	case temporal >= 0 && len(numerics) >= 1:
		return temporal, numerics[0], "line"
	case categorical >= 0 && len(numerics) >= 1:
		return categorical, numerics[0], "bar"
	case len(numerics) >= 2:
		return numerics[0], numerics[1], "point"
	default:
		return 0, 0, ""
	}
}

func axisType(k columnKind) string {
	switch k {
	case kindNumeric:
		return "quantitative"
	case kindTemporal:
		return "temporal"
	default:
		return "nominal"
	}
}

func indexOf(kinds []columnKind, want columnKind) int {
	for i, k := range kinds {
		if k == want {
			return i
		}
	}
	return -1
}

func indexesOf(kinds []columnKind, want columnKind) []int {
	var out []int
	for i, k := range kinds {
		if k == want {
			out = append(out, i)
		}
	}
	return out
}

// classifyColumn inspects the column name and its values. The name gives a
// cheap temporal hint; otherwise the values decide.
func classifyColumn(name string, rows [][]any, idx int) columnKind {
	if isTimeLikeName(name) {
		return kindTemporal
	}

	numeric := 0
	temporal := 0
	total := 0
	for _, row := range rows {
		if idx >= len(row) || row[idx] == nil {
			continue
		}
		total++
		switch v := row[idx].(type) {
		case int, int32, int64, float32, float64:
			numeric++
		case string:
			if _, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
				numeric++
			} else if looksLikeTime(v) {
				temporal++
			}
		case time.Time:
			temporal++
		}
	}
	if total == 0 {
		return kindCategorical
	}
	switch {
	case numeric == total:
		return kindNumeric
	case temporal == total:
		return kindTemporal
	default:
		return kindCategorical
	}
}

func isTimeLikeName(name string) bool {
	n := strings.ToLower(name)
	for _, marker := range []string{"date", "time", "year", "month", "week", "day", "quarter"} {
		if strings.Contains(n, marker) {
			return true
		}
	}
	return false
}

var timeLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	time.RFC3339,
	"2006/01/02",
	"01/02/2006",
	"2006-01",
}

func looksLikeTime(s string) bool {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if _, err := time.Parse(layout, s); err == nil {
			return true
		}
	}
	return false
}
