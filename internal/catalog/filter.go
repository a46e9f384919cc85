package catalog

import (
	"strings"
	"unicode"
)

// Eq renders a field:value clause. Values containing whitespace, quotes,
// colons or parentheses are double-quoted.
func Eq(field, value string) string {
	return field + ":" + quote(value)
}

// Not negates a clause.
func Not(clause string) string {
	return "NOT " + clause
}

// And joins the non-empty clauses with AND.
func And(clauses ...string) string {
	parts := make([]string, 0, len(clauses))
	for _, c := range clauses {
		if c = strings.TrimSpace(c); c != "" {
			parts = append(parts, c)
		}
	}
	return strings.Join(parts, " AND ")
}

func quote(value string) string {
	if value != "" && !strings.ContainsFunc(value, unicode.IsSpace) && !strings.ContainsAny(value, `"':()`) {
		return value
	}
	return `"` + strings.ReplaceAll(value, `"`, `\"`) + `"`
}
