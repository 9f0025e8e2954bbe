package normalize

import "strings"

var openingFences = []string{"```json", "```JSON", "```"}

// Clean strips the decoration some providers wrap around JSON even when asked
// not to: markdown code fences, <json></json> tags and surrounding
// whitespace. Only a leading and trailing wrapper is removed; the same
// markers inside the payload are kept. Text without decoration is returned
// trimmed but otherwise unchanged.
func Clean(raw string) string {
	s := stripTags(raw)

	for _, fence := range openingFences {
		if strings.HasPrefix(s, fence) {
			s = strings.TrimPrefix(s, fence)
			break
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")

	return stripTags(s)
}

func stripTags(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "<json>")
	s = strings.TrimSuffix(s, "</json>")
	return strings.TrimSpace(s)
}
