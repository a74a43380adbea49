package core

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/cases"
)

// FoldString returns the Unicode case folded form of value.
func FoldString(value string) string {
	return cases.Fold().String(value)
}

// ValueString renders an attribute value in its canonical textual form.
func ValueString(value any) string {
	switch typed := value.(type) {
	case nil:
		return ""
	case string:
		return typed
	case []byte:
		return string(typed)
	case bool:
		return strconv.FormatBool(typed)
	case int:
		return strconv.FormatInt(int64(typed), 10)
	case int32:
		return strconv.FormatInt(int64(typed), 10)
	case int64:
		return strconv.FormatInt(typed, 10)
	case uint64:
		return strconv.FormatUint(typed, 10)
	case float32:
		return strconv.FormatFloat(float64(typed), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case time.Time:
		return typed.UTC().Format(time.RFC3339)
	default:
		return fmt.Sprint(typed)
	}
}

// EqualValues compares two attribute value lists by canonical text, in order.
func EqualValues(left []any, right []any, ignoreCase bool) bool {
	if len(left) != len(right) {
		return false
	}
	for index := range left {
		a := ValueString(left[index])
		b := ValueString(right[index])
		if ignoreCase {
			a = FoldString(a)
			b = FoldString(b)
		}
		if a != b {
			return false
		}
	}
	return true
}

// FirstValue returns the first non-nil value of values.
func FirstValue(values []any) (any, bool) {
	for _, value := range values {
		if value != nil {
			return value, true
		}
	}
	return nil, false
}

// MatchesFilter reports whether attrs satisfies every condition of filter.
// The pseudo attribute "__KEY__" compares against key.
func MatchesFilter(key string, attrs map[string][]any, filter Filter) bool {
	for _, condition := range filter.Conditions {
		var values []any
		if condition.Attribute == KeyAttribute {
			values = []any{key}
		} else {
			values = attrs[condition.Attribute]
		}
		want := ValueString(condition.Value)
		matched := false
		for _, value := range values {
			got := ValueString(value)
			if condition.IgnoreCase {
				matched = FoldString(got) == FoldString(want)
			} else {
				matched = got == want
			}
			if matched {
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

func normalizeAnyType(anyType string) string {
	return strings.ToUpper(strings.TrimSpace(anyType))
}
