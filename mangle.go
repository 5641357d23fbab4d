package conduct

import (
	"regexp"
	"strings"
)

var nonWordPattern = regexp.MustCompile(`[^0-9A-Za-z_]`)

// camelName normalises an activity name for hook lookup: lower-case, split on
// whitespace, strip non-word characters per word, first word stays lower,
// later words are capitalised.
//
//	"Fetch Page"  -> "fetchPage"
//	"retry-loop"  -> "retryloop"
//	"save to db!" -> "saveToDb"
func camelName(name string) string {
	words := strings.Fields(strings.ToLower(name))
	var b strings.Builder
	for i, w := range words {
		w = nonWordPattern.ReplaceAllString(w, "")
		if w == "" {
			continue
		}
		if i == 0 || b.Len() == 0 {
			b.WriteString(w)
			continue
		}
		b.WriteString(strings.ToUpper(w[:1]))
		b.WriteString(w[1:])
	}
	return b.String()
}

// hookName builds the mangled hook key for an event and activity name,
// e.g. hookName("before", "fetch page") == "before$fetchPage".
func hookName(event, activity string) string {
	return event + "$" + camelName(activity)
}
