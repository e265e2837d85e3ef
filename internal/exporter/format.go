package exporter

import (
	"strconv"
)

// FormatCount formats an optional count; absent counts are empty cells
func FormatCount(n *int) string {
	if n == nil {
		return ""
	}
	return strconv.Itoa(*n)
}

// ParseCount is the inverse of FormatCount
func ParseCount(s string) (*int, error) {
	if s == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return nil, err
	}
	return &n, nil
}
