package repo

import (
	"regexp"
	"strings"
)

var nonSlugChars = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify converts free text (an issue title, a channel name) into a
// branch-safe slug of at most maxLength characters.
func Slugify(text string, maxLength int) string {
	slug := nonSlugChars.ReplaceAllString(strings.ToLower(text), "-")
	slug = strings.Trim(slug, "-")
	if maxLength > 0 && len(slug) > maxLength {
		slug = strings.TrimRight(slug[:maxLength], "-")
	}
	if slug == "" {
		return "task"
	}
	return slug
}
