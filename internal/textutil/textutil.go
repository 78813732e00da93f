// Package textutil holds the text normalization shared by the gateways and the registry.
package textutil

import (
	"regexp"
	"strings"
)

var (
	tagPattern         = regexp.MustCompile(`<[^>]+>`)
	nonAlphanumPattern = regexp.MustCompile(`[^a-zA-Z0-9]`)
)

// StripMarkup removes anything between angle brackets and trims whitespace.
func StripMarkup(text string) string {
	if text == "" {
		return ""
	}
	return strings.TrimSpace(tagPattern.ReplaceAllString(text, ""))
}

// Alphanumeric drops every character outside [a-zA-Z0-9]. The bot platform
// rejects external user IDs and publish keys containing anything else.
func Alphanumeric(key string) string {
	return nonAlphanumPattern.ReplaceAllString(strings.TrimSpace(key), "")
}
