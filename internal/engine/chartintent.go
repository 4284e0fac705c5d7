package engine

import "strings"

// chartKeywords trigger the visualization phase. Substring matching is
// deliberate: "visualiz" covers visualize/visualization/visualizing.
var chartKeywords = []string{
	"chart", "plot", "graph", "visualiz",
	"bar", "line", "pie", "scatter", "histogram",
}

// wantsChart reports whether the query asks for a picture.
func wantsChart(query string) bool {
	q := strings.ToLower(query)
	for _, kw := range chartKeywords {
		if strings.Contains(q, kw) {
			return true
		}
	}
	return false
}
