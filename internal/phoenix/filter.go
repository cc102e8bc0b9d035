// internal/phoenix/filter.go
package phoenix

import (
	"fmt"
	"strconv"
	"strings"
)

// Filter is a parsed PostgREST-style predicate: column=operator.value
type Filter struct {
	Column   string
	Operator string
	Value    string
}

// ParseFilter parses "column=operator.value" (e.g. "session_id=eq.123").
func ParseFilter(expr string) (Filter, error) {
	column, opValue, ok := strings.Cut(expr, "=")
	if !ok || column == "" {
		return Filter{}, fmt.Errorf("invalid filter %q: missing '='", expr)
	}
	op, value, ok := strings.Cut(opValue, ".")
	if !ok {
		return Filter{}, fmt.Errorf("invalid filter %q: missing operator", expr)
	}
	switch op {
	case "eq", "neq", "gt", "gte", "lt", "lte", "in":
	default:
		return Filter{}, fmt.Errorf("invalid filter %q: unknown operator %q", expr, op)
	}
	return Filter{Column: column, Operator: op, Value: value}, nil
}

// String renders the filter back to its wire form.
func (f Filter) String() string {
	return f.Column + "=" + f.Operator + "." + f.Value
}

// Match evaluates the filter against a row. A missing column never matches.
func (f Filter) Match(row map[string]any) bool {
	if row == nil {
		return false
	}
	rowValue, exists := row[f.Column]
	if !exists {
		return false
	}
	return evaluateOperator(f.Operator, rowValue, f.Value)
}

// MatchFilter evaluates a filter expression against row data, preferring the
// new row and falling back to the old one (DELETE). An empty expression
// matches everything; a malformed one matches nothing.
func MatchFilter(expr string, newRow, oldRow map[string]any) bool {
	if expr == "" {
		return true
	}
	f, err := ParseFilter(expr)
	if err != nil {
		return false
	}
	row := newRow
	if len(row) == 0 {
		row = oldRow
	}
	return f.Match(row)
}

// evaluateOperator evaluates a single operator comparison
func evaluateOperator(operator string, rowValue any, filterValue string) bool {
	switch operator {
	case "eq":
		return compareEqual(rowValue, filterValue)
	case "neq":
		return !compareEqual(rowValue, filterValue)
	case "gt":
		return compareNumeric(rowValue, filterValue) > 0
	case "gte":
		return compareNumeric(rowValue, filterValue) >= 0
	case "lt":
		return compareNumeric(rowValue, filterValue) < 0
	case "lte":
		return compareNumeric(rowValue, filterValue) <= 0
	case "in":
		return compareIn(rowValue, filterValue)
	default:
		return false
	}
}

// compareEqual checks if row value equals filter value
func compareEqual(rowValue any, filterValue string) bool {
	switch v := rowValue.(type) {
	case string:
		return v == filterValue
	case float64:
		fv, err := strconv.ParseFloat(filterValue, 64)
		if err != nil {
			return false
		}
		return v == fv
	case int64:
		iv, err := strconv.ParseInt(filterValue, 10, 64)
		if err != nil {
			return false
		}
		return v == iv
	case int:
		iv, err := strconv.Atoi(filterValue)
		if err != nil {
			return false
		}
		return v == iv
	case nil:
		return filterValue == "null"
	default:
		return fmt.Sprintf("%v", v) == filterValue
	}
}

// compareNumeric compares row value to filter value numerically
// Returns: -1 if row < filter, 0 if equal or incomparable, 1 if row > filter
func compareNumeric(rowValue any, filterValue string) int {
	var rowNum float64

	switch v := rowValue.(type) {
	case float64:
		rowNum = v
	case int64:
		rowNum = float64(v)
	case int:
		rowNum = float64(v)
	case string:
		var err error
		rowNum, err = strconv.ParseFloat(v, 64)
		if err != nil {
			return 0
		}
	default:
		return 0
	}

	filterNum, err := strconv.ParseFloat(filterValue, 64)
	if err != nil {
		return 0
	}

	switch {
	case rowNum < filterNum:
		return -1
	case rowNum > filterNum:
		return 1
	}
	return 0
}

// compareIn checks if row value is in the filter value list
// filterValue format: "(val1,val2,val3)"
func compareIn(rowValue any, filterValue string) bool {
	filterValue = strings.TrimPrefix(filterValue, "(")
	filterValue = strings.TrimSuffix(filterValue, ")")

	for _, v := range strings.Split(filterValue, ",") {
		if compareEqual(rowValue, strings.TrimSpace(v)) {
			return true
		}
	}
	return false
}
