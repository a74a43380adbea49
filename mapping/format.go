package mapping

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-provisioning/core"
	"github.com/goliatone/go-provisioning/expression"
)

// ParseValue converts a raw external value into the canonical stored form for attr.
func ParseValue(attr core.SchemaAttribute, raw any) (any, error) {
	if raw == nil {
		return nil, nil
	}
	switch attr.Type {
	case core.SchemaLong:
		if text, ok := raw.(string); ok {
			text = strings.ReplaceAll(strings.TrimSpace(text), ",", "")
			parsed, err := strconv.ParseInt(text, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("mapping: %s expects LONG, got %q", attr.Name, text)
			}
			return parsed, nil
		}
		if number, ok := raw.(float64); ok && number != math.Trunc(number) {
			return nil, fmt.Errorf("mapping: %s expects LONG, got %v", attr.Name, number)
		}
		return expression.ToInt(raw)
	case core.SchemaDouble:
		if text, ok := raw.(string); ok {
			raw = strings.ReplaceAll(strings.TrimSpace(text), ",", "")
		}
		return expression.ToFloat(raw)
	case core.SchemaBoolean:
		return expression.ToBool(raw)
	case core.SchemaDate:
		switch typed := raw.(type) {
		case time.Time:
			return typed.UTC(), nil
		case string:
			layout := strings.TrimSpace(attr.ConversionPattern)
			if layout == "" {
				layout = time.RFC3339
			}
			parsed, err := time.Parse(layout, strings.TrimSpace(typed))
			if err != nil {
				return nil, fmt.Errorf("mapping: %s expects DATE: %w", attr.Name, err)
			}
			return parsed.UTC(), nil
		default:
			return nil, fmt.Errorf("mapping: %s expects DATE, got %T", attr.Name, raw)
		}
	default:
		return core.ValueString(raw), nil
	}
}

// FormatValue renders a canonical value for output, applying the attribute's
// conversion pattern when one is configured. Stored values are never rewritten.
func FormatValue(attr core.SchemaAttribute, value any) (any, error) {
	pattern := strings.TrimSpace(attr.ConversionPattern)
	if value == nil || pattern == "" {
		return value, nil
	}
	switch attr.Type {
	case core.SchemaLong, core.SchemaDouble:
		number, err := expression.ToFloat(value)
		if err != nil {
			return nil, fmt.Errorf("mapping: format %s: %w", attr.Name, err)
		}
		return formatDecimal(number, pattern), nil
	case core.SchemaDate:
		moment, ok := value.(time.Time)
		if !ok {
			parsed, err := ParseValue(attr, value)
			if err != nil {
				return nil, err
			}
			moment = parsed.(time.Time)
		}
		return moment.UTC().Format(pattern), nil
	default:
		return value, nil
	}
}

// formatDecimal supports the digit subset of decimal patterns: 0 for a
// required digit, # for an optional fraction digit and , for grouping.
func formatDecimal(value float64, pattern string) string {
	integerPattern, fractionPattern, _ := strings.Cut(pattern, ".")
	minInteger := strings.Count(integerPattern, "0")
	grouping := strings.Contains(integerPattern, ",")
	minFraction := strings.Count(fractionPattern, "0")
	maxFraction := minFraction + strings.Count(fractionPattern, "#")

	negative := value < 0
	text := strconv.FormatFloat(math.Abs(value), 'f', maxFraction, 64)
	integerPart, fractionPart, _ := strings.Cut(text, ".")
	for len(fractionPart) > minFraction && strings.HasSuffix(fractionPart, "0") {
		fractionPart = strings.TrimSuffix(fractionPart, "0")
	}
	for len(integerPart) < minInteger {
		integerPart = "0" + integerPart
	}
	if grouping {
		integerPart = groupThousands(integerPart)
	}

	var b strings.Builder
	if negative {
		b.WriteByte('-')
	}
	b.WriteString(integerPart)
	if fractionPart != "" {
		b.WriteByte('.')
		b.WriteString(fractionPart)
	}
	return b.String()
}

func groupThousands(digits string) string {
	if len(digits) <= 3 {
		return digits
	}
	var b strings.Builder
	lead := len(digits) % 3
	if lead > 0 {
		b.WriteString(digits[:lead])
	}
	for index := lead; index < len(digits); index += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(digits[index : index+3])
	}
	return b.String()
}
