package bridge

import (
	"sort"
	"strings"
)

// Sorts by nesting depth ('.' count), then lexicographically.
func SortSymbols(symbols map[string]struct{}) []string {
	result := make([]string, 0, len(symbols))
	for name := range symbols {
		result = append(result, name)
	}

	sort.Slice(result, func(i int, j int) bool {
		iDepth := strings.Count(result[i], ".")
		jDepth := strings.Count(result[j], ".")
		if iDepth != jDepth {
			return iDepth < jDepth
		}
		return result[i] < result[j]
	})

	return result
}
