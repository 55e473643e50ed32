package quarantine

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// PreviewLimit is the maximum length, in characters, of a preview.
const PreviewLimit = 100

// SummaryLimit is the maximum length of an analysis summary.
const SummaryLimit = 200

const ellipsis = "..."

var (
	templatePattern      = regexp.MustCompile(`(?s)\{\{.*?\}\}`)
	interpolationPattern = regexp.MustCompile(`\$\{[^}]*\}`)
	angleStripper        = strings.NewReplacer("<", "", ">", "")
	strictPolicy         = bluemonday.StrictPolicy()
)

// SanitizePreview reduces untrusted text to a short preview safe to show a
// model: angle brackets are removed, {{...}} and ${...} are collapsed to
// placeholders, and the result is cut to PreviewLimit characters with the
// ellipsis counted inside the limit. Applying it twice changes nothing.
func SanitizePreview(s string) string {
	s = angleStripper.Replace(s)
	s = templatePattern.ReplaceAllString(s, "[template]")
	s = interpolationPattern.ReplaceAllString(s, "[interpolation]")
	return truncate(s, PreviewLimit)
}

// sanitizeModelText strips markup from model-authored text and caps it.
func sanitizeModelText(s string, limit int) string {
	s = strictPolicy.Sanitize(s)
	s = strings.Join(strings.Fields(s), " ")
	return truncate(s, limit)
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit-len(ellipsis)]) + ellipsis
}
