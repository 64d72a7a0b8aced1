package common

import "strings"

// JoinOrNone joins the non-blank items with sep, or returns "None" when
// nothing is left.
func JoinOrNone(items []string, sep string) string {
	kept := make([]string, 0, len(items))
	for _, it := range items {
		if strings.TrimSpace(it) != "" {
			kept = append(kept, it)
		}
	}
	if len(kept) == 0 {
		return "None"
	}
	return strings.Join(kept, sep)
}
