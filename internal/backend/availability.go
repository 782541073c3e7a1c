package backend

import (
	"slices"
	"strings"
)

// Available returns a comma-separated list of available backends.
func Available() string {
	entries := make([]string, 0, len(devices))
	for name := range devices {
		entries = append(entries, name)
	}
	slices.Sort(entries)
	return strings.Join(entries, ",")
}
