// Package urlutil joins the target application's base URL with step paths.
package urlutil

import (
	"strings"
)

// NormalizeBase trims whitespace and trailing slashes from a base URL.
func NormalizeBase(base string) string {
	base = strings.TrimSpace(base)
	if base == "" {
		return ""
	}
	return strings.TrimRight(base, "/")
}

// BuildAbsolute builds an absolute URL from a base origin and a path.
// Absolute http(s) paths are returned unchanged; an empty path means the
// site root.
func BuildAbsolute(base, path string) string {
	base = NormalizeBase(base)
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	if path == "" {
		return base + "/"
	}
	if strings.HasPrefix(path, "/") {
		return base + path
	}
	return base + "/" + path
}
