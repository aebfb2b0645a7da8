package runner

import "strings"

// findStop returns the index of the earliest stop sequence in s.
func findStop(s string, stops []string) (int, bool) {
	idx := -1
	for _, stop := range stops {
		if stop == "" {
			continue
		}
		if i := strings.Index(s, stop); i >= 0 && (idx < 0 || i < idx) {
			idx = i
		}
	}
	return idx, idx >= 0
}

// containsStopSuffix reports whether s ends with the beginning of a stop
// sequence, in which case it must be held back until the next token.
func containsStopSuffix(s string, stops []string) bool {
	for _, stop := range stops {
		for i := 1; i <= len(stop); i++ {
			if strings.HasSuffix(s, stop[:i]) {
				return true
			}
		}
	}
	return false
}
