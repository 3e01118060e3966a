package normalize

import (
	"sort"
	"strings"

	"github.com/gyaneshwarpardhi/provgraph/internal/config"
)

// Unclassified is the category of an event no rule matched.
const Unclassified = "UNCLASSIFIED"

// Classify returns the category of the first rule whose keyword occurs,
// ignoring case, in a string value of payload. It returns "" when rules is
// empty and Unclassified when nothing matches.
func Classify(rules []config.Category, payload map[string]any) string {
	if len(rules) == 0 {
		return ""
	}
	texts := stringValues(payload)
	for _, r := range rules {
		kw := strings.ToLower(strings.TrimSpace(r.Keyword))
		for _, t := range texts {
			if strings.Contains(t, kw) {
				return r.Category
			}
		}
	}
	return Unclassified
}

// stringValues lowercases every string and string-list value in key order.
func stringValues(payload map[string]any) []string {
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var out []string
	for _, k := range keys {
		switch v := payload[k].(type) {
		case string:
			out = append(out, strings.ToLower(v))
		case []any:
			for _, item := range v {
				if s, ok := item.(string); ok {
					out = append(out, strings.ToLower(s))
				}
			}
		}
	}
	return out
}
