package expression

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

type transformFunc func(value any) (any, error)

// transforms is the catalogue of named value transforms a mapping item may
// list. Text transforms only accept strings.
var transforms = map[string]transformFunc{
	"identity": func(value any) (any, error) { return value, nil },
	"to_string": func(value any) (any, error) {
		if value == nil {
			return "", nil
		}
		return fmt.Sprint(value), nil
	},
	"to_int":    func(value any) (any, error) { return ToInt(value) },
	"to_float":  func(value any) (any, error) { return ToFloat(value) },
	"to_bool":   func(value any) (any, error) { return ToBool(value) },
	"trim":      text(strings.TrimSpace),
	"lowercase": text(strings.ToLower),
	"uppercase": text(strings.ToUpper),
	"ascii_fold": text(func(s string) string {
		folded, _, err := transform.String(foldChain(), s)
		if err != nil {
			return s
		}
		return folded
	}),
	"unix_time_to_rfc3339": func(value any) (any, error) {
		seconds, err := ToInt(value)
		if err != nil {
			return nil, err
		}
		return time.Unix(seconds, 0).UTC().Format(time.RFC3339), nil
	},
}

func text(fn func(string) string) transformFunc {
	return func(value any) (any, error) {
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("expression: text transform needs a string, got %T", value)
		}
		return fn(s), nil
	}
}

// foldChain strips combining marks so "Müller" becomes "Muller". A chain is
// stateful, so each call builds its own.
func foldChain() transform.Transformer {
	return transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
}

// ApplyTransforms runs value through the named transforms in order. Blank
// names are skipped.
func ApplyTransforms(value any, names ...string) (any, error) {
	for _, name := range names {
		if strings.TrimSpace(name) == "" {
			continue
		}
		next, err := ApplyTransform(name, value)
		if err != nil {
			return nil, err
		}
		value = next
	}
	return value, nil
}

func ApplyTransform(name string, value any) (any, error) {
	fn, ok := transforms[transformKey(name)]
	if !ok {
		return nil, fmt.Errorf("expression: unsupported transform %q", name)
	}
	return fn(value)
}

func KnownTransform(name string) bool {
	_, ok := transforms[transformKey(name)]
	return ok
}

func transformKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// ToInt converts numbers, bools, json.Number and decimal strings. Floats are
// truncated.
func ToInt(value any) (int64, error) {
	switch v := value.(type) {
	case int:
		return int64(v), nil
	case int8:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case uint:
		return int64(v), nil
	case uint8:
		return int64(v), nil
	case uint16:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case uint64:
		return int64(v), nil
	case float32, float64, bool:
		f, err := ToFloat(v)
		return int64(f), err
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n, nil
		}
		f, err := v.Float64()
		if err != nil {
			return 0, fmt.Errorf("expression: %q is not a number", v.String())
		}
		return int64(f), nil
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return 0, fmt.Errorf("expression: cannot convert empty string to int")
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("expression: convert %q to int: %w", v, err)
		}
		return n, nil
	}
	return 0, fmt.Errorf("expression: cannot convert %T to int", value)
}

func ToFloat(value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case uint64:
		return float64(v), nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, fmt.Errorf("expression: %q is not a number", v.String())
		}
		return f, nil
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return 0, fmt.Errorf("expression: cannot convert empty string to float")
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("expression: convert %q to float: %w", v, err)
		}
		return f, nil
	}
	return 0, fmt.Errorf("expression: cannot convert %T to float", value)
}

// ToBool accepts true/false, 1/0, yes/no and y/n in any case.
func ToBool(value any) (bool, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case int, int64, float64:
		f, err := ToFloat(v)
		return f != 0, err
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "1", "yes", "y":
			return true, nil
		case "false", "0", "no", "n":
			return false, nil
		}
		return false, fmt.Errorf("expression: %q is not a boolean", v)
	}
	return false, fmt.Errorf("expression: cannot convert %T to bool", value)
}
