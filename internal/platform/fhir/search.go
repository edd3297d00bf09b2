package fhir

import (
	"fmt"
	"strings"
	"time"
)

// ParseFlexDate parses a date string in multiple FHIR-supported formats.
func ParseFlexDate(s string) (time.Time, error) {
	formats := []string{
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02",
		"2006-01",
		"2006",
	}
	for _, f := range formats {
		if t, err := time.Parse(f, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unable to parse date: %s", s)
}

// TokenSearchClause handles token values in the format "system|code",
// "|code", "system|", or just "code" against an array column of
// "system|code" tokens. A code without a system matches as a prefix, the
// way ICD-10 category codes are used in measure logic.
func TokenSearchClause(tokensCol string, values []string, argIdx int) (string, []interface{}, int) {
	var exact, byCode, bySystem []string
	for _, value := range values {
		if !strings.Contains(value, "|") {
			byCode = append(byCode, value+"%")
			continue
		}
		parts := strings.SplitN(value, "|", 2)
		switch {
		case parts[0] != "" && parts[1] != "":
			exact = append(exact, value)
		case parts[0] != "":
			bySystem = append(bySystem, parts[0]+"|%")
		case parts[1] != "":
			byCode = append(byCode, parts[1]+"%")
		}
	}

	var ors []string
	var args []interface{}
	if len(exact) > 0 {
		ors = append(ors, fmt.Sprintf("%s && $%d::text[]", tokensCol, argIdx))
		args = append(args, exact)
		argIdx++
	}
	if len(byCode) > 0 {
		ors = append(ors, fmt.Sprintf("EXISTS (SELECT 1 FROM unnest(%s) t WHERE split_part(t, '|', 2) LIKE ANY($%d::text[]))", tokensCol, argIdx))
		args = append(args, byCode)
		argIdx++
	}
	if len(bySystem) > 0 {
		ors = append(ors, fmt.Sprintf("EXISTS (SELECT 1 FROM unnest(%s) t WHERE t LIKE ANY($%d::text[]))", tokensCol, argIdx))
		args = append(args, bySystem)
		argIdx++
	}
	if len(ors) == 0 {
		return "", nil, argIdx
	}
	return "(" + strings.Join(ors, " OR ") + ")", args, argIdx
}

// DateRangeClause matches a timestamp column within [low, high]. Either
// bound may be zero to leave that side open.
func DateRangeClause(column string, low, high time.Time, argIdx int) (string, []interface{}, int) {
	switch {
	case !low.IsZero() && !high.IsZero():
		clause := fmt.Sprintf("(%s >= $%d AND %s <= $%d)", column, argIdx, column, argIdx+1)
		return clause, []interface{}{low, high}, argIdx + 2
	case !low.IsZero():
		return fmt.Sprintf("%s >= $%d", column, argIdx), []interface{}{low}, argIdx + 1
	case !high.IsZero():
		return fmt.Sprintf("%s <= $%d", column, argIdx), []interface{}{high}, argIdx + 1
	}
	return "", nil, argIdx
}

// SearchQuery accumulates AND-ed WHERE clauses with positional arguments.
type SearchQuery struct {
	clauses []string
	args    []interface{}
	idx     int
}

func NewSearchQuery() *SearchQuery {
	return &SearchQuery{idx: 1}
}

// Eq adds "column = $n".
func (q *SearchQuery) Eq(column string, value interface{}) *SearchQuery {
	q.clauses = append(q.clauses, fmt.Sprintf("%s = $%d", column, q.idx))
	q.args = append(q.args, value)
	q.idx++
	return q
}

// Add appends a clause built by one of the *Clause helpers. Empty clauses
// are ignored.
func (q *SearchQuery) Add(build func(argIdx int) (string, []interface{}, int)) *SearchQuery {
	clause, args, next := build(q.idx)
	if clause == "" {
		return q
	}
	q.clauses = append(q.clauses, clause)
	q.args = append(q.args, args...)
	q.idx = next
	return q
}

// Where returns the WHERE clause (including the keyword) or "".
func (q *SearchQuery) Where() string {
	if len(q.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(q.clauses, " AND ")
}

func (q *SearchQuery) Args() []interface{} { return q.args }

// NextArg is the index of the next positional argument.
func (q *SearchQuery) NextArg() int { return q.idx }

// ReferenceID strips the resource type from a "Type/id" reference.
func ReferenceID(ref string) string {
	if idx := strings.LastIndex(ref, "/"); idx >= 0 {
		return ref[idx+1:]
	}
	return ref
}
