package util

import "strings"

// SafeTruncate returns at most the first maxLen bytes of s. Used to log a
// recognisable prefix of an identifier instead of the full value.
//
//	SafeTruncate("very-long-session-id", 8) // "very-lon"
//	SafeTruncate("short", 10)               // "short"
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// NormalizeURL strips trailing slashes so issuer and resource identifiers
// compare equal with or without them.
func NormalizeURL(url string) string {
	return strings.TrimRight(url, "/")
}

// SplitScopes splits a space- or comma-separated scope list, dropping
// empty entries.
func SplitScopes(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == ','
	})
}
