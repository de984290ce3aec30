package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Record is a raw source record keyed by field name.
type Record map[string]any

var datetimeLayouts = []string{
	"2006-01-02T15:04:05.000-0700",
	"2006-01-02T15:04:05-0700",
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.000Z",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Coerce converts one raw value into the field's tabular type. nil and the
// empty string are null for every type. Numeric values come back as
// decimal.Decimal rounded to the declared scale.
func Coerce(field FieldDescriptor, value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	if s, ok := value.(string); ok && s == "" {
		return nil, nil
	}

	switch field.TabularType {
	case TabularString:
		return coerceString(value)
	case TabularInt:
		return coerceInt(value)
	case TabularFloat:
		d, err := coerceDecimal(value)
		if err != nil {
			return nil, err
		}
		if field.Scale >= 0 {
			d = d.Round(int32(field.Scale))
		}
		return d, nil
	case TabularBool:
		return coerceBool(value)
	case TabularDatetime:
		return coerceDatetime(value)
	default:
		return nil, fmt.Errorf("field %s: unknown tabular type %q", field.Name, field.TabularType)
	}
}

// CoerceRecords converts raw records into rows ordered like fields. Field
// lookup is case-insensitive; a missing field is null.
func CoerceRecords(fields []FieldDescriptor, records []Record) ([][]any, error) {
	rows := make([][]any, 0, len(records))
	for i, rec := range records {
		folded := make(map[string]any, len(rec))
		for k, v := range rec {
			folded[strings.ToLower(k)] = v
		}
		row := make([]any, len(fields))
		for j, f := range fields {
			v, err := Coerce(f, folded[strings.ToLower(f.Name)])
			if err != nil {
				return nil, fmt.Errorf("record %d field %s: %w", i, f.Name, err)
			}
			row[j] = v
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func coerceString(value any) (any, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(v), nil
	case json.Number:
		return v.String(), nil
	case map[string]any, []any:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return string(data), nil
	default:
		return fmt.Sprint(v), nil
	}
}

func coerceInt(value any) (any, error) {
	switch v := value.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case float64:
		if v != math.Trunc(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("not an integer: %v", v)
		}
		return int64(v), nil
	case json.Number:
		return parseInt(v.String())
	case string:
		return parseInt(v)
	default:
		return nil, fmt.Errorf("not an integer: %T", value)
	}
}

// parseInt accepts integral renderings such as "42" or "42.0" and rejects
// anything with a fractional part.
func parseInt(s string) (any, error) {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i, nil
	}
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil || !d.IsInteger() {
		return nil, fmt.Errorf("not an integer: %q", s)
	}
	return d.IntPart(), nil
}

func coerceDecimal(value any) (decimal.Decimal, error) {
	switch v := value.(type) {
	case decimal.Decimal:
		return v, nil
	case float64:
		return decimal.NewFromFloat(v), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case json.Number:
		return decimal.NewFromString(v.String())
	case string:
		d, err := decimal.NewFromString(v)
		if err != nil {
			return decimal.Decimal{}, fmt.Errorf("not a number: %q", v)
		}
		return d, nil
	default:
		return decimal.Decimal{}, fmt.Errorf("not a number: %T", value)
	}
}

func coerceBool(value any) (any, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return nil, fmt.Errorf("not a boolean: %q", v)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("not a boolean: %T", value)
	}
}

func coerceDatetime(value any) (any, error) {
	switch v := value.(type) {
	case time.Time:
		return v.UTC(), nil
	case string:
		t, err := ParseDatetime(v)
		if err != nil {
			return nil, err
		}
		return t, nil
	default:
		return nil, fmt.Errorf("not a datetime: %T", value)
	}
}

// ParseDatetime accepts the CRM's datetime and date renderings.
func ParseDatetime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range datetimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("not a datetime: %q", s)
}
