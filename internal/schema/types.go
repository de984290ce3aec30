// Package schema maps CRM field metadata onto warehouse column types and
// coerces raw record values into those types.
package schema

import (
	"fmt"
	"strings"

	"github.com/nucleus/sync-core/internal/core"
)

// TabularType is the in-memory type a raw value is coerced into before it
// is handed to the warehouse.
type TabularType string

const (
	TabularString   TabularType = "string"
	TabularInt      TabularType = "int"
	TabularFloat    TabularType = "float"
	TabularBool     TabularType = "bool"
	TabularDatetime TabularType = "datetime"
)

// DefaultDecimalPrecision is used when a numeric field declares neither
// precision nor digits.
const DefaultDecimalPrecision = 18

// RawField is one entry of an object describe response.
type RawField struct {
	Name              string `json:"name"`
	Type              string `json:"type"`
	Length            int    `json:"length"`
	Precision         int    `json:"precision"`
	Scale             int    `json:"scale"`
	Digits            int    `json:"digits"`
	CompoundFieldName string `json:"compoundFieldName"`
}

// FieldDescriptor describes one projected field. Descriptors are built once
// per sync call and not mutated afterwards.
type FieldDescriptor struct {
	Name                string
	SourceType          string
	Column              string
	WarehouseColumnType string
	TabularType         TabularType
	Length              int
	Precision           int
	Scale               int
}

// Map translates describe metadata into field descriptors. Components of a
// compound field are dropped in favour of the compound field itself; any
// field type outside the mapping table fails the whole describe.
func Map(object string, raw []RawField) ([]FieldDescriptor, error) {
	present := make(map[string]bool, len(raw))
	for _, f := range raw {
		present[f.Name] = true
	}

	fields := make([]FieldDescriptor, 0, len(raw))
	for _, f := range raw {
		if f.CompoundFieldName != "" && f.CompoundFieldName != f.Name && present[f.CompoundFieldName] {
			continue
		}
		fd, err := mapField(f)
		if err != nil {
			return nil, core.Wrap(core.CodeUnsupportedFieldType, false, fmt.Errorf("%s.%s: %w", object, f.Name, err))
		}
		fields = append(fields, fd)
	}
	return fields, nil
}

// fixedLengths sizes string types whose describe carries no usable length.
var fixedLengths = map[string]int{
	"junctionidlist":             18,
	"calc":                       255,
	"byte":                       1,
	"datacategorygroupreference": 80,
}

func mapField(f RawField) (FieldDescriptor, error) {
	fd := FieldDescriptor{
		Name:       f.Name,
		SourceType: f.Type,
		Column:     ColumnName(f.Name),
		Length:     f.Length,
		Precision:  f.Precision,
		Scale:      f.Scale,
	}

	switch strings.ToLower(f.Type) {
	case "id", "reference", "string", "email", "picklist", "multipicklist",
		"phone", "url", "combobox", "encryptedstring":
		fd.TabularType = TabularString
		if f.Length > 0 {
			fd.WarehouseColumnType = fmt.Sprintf("VARCHAR(%d)", f.Length)
		} else {
			fd.WarehouseColumnType = "TEXT"
		}
	case "textarea", "base64", "anytype", "address", "location":
		fd.TabularType = TabularString
		fd.WarehouseColumnType = "TEXT"
	case "junctionidlist", "calc", "byte", "datacategorygroupreference":
		fd.TabularType = TabularString
		fd.WarehouseColumnType = fmt.Sprintf("VARCHAR(%d)", fixedLengths[strings.ToLower(f.Type)])
	case "time":
		fd.TabularType = TabularString
		fd.WarehouseColumnType = "VARCHAR(24)"
	case "boolean":
		fd.TabularType = TabularBool
		fd.WarehouseColumnType = "BOOLEAN"
	case "double", "currency", "percent":
		precision := f.Precision
		if precision == 0 {
			precision = f.Digits
		}
		if precision == 0 {
			precision = DefaultDecimalPrecision
		}
		fd.Precision = precision
		fd.TabularType = TabularFloat
		fd.WarehouseColumnType = fmt.Sprintf("NUMERIC(%d,%d)", precision, f.Scale)
	case "int", "long":
		fd.TabularType = TabularInt
		fd.WarehouseColumnType = "BIGINT"
	case "datetime":
		fd.TabularType = TabularDatetime
		fd.WarehouseColumnType = "TIMESTAMP"
	case "date":
		fd.TabularType = TabularDatetime
		fd.WarehouseColumnType = "DATE"
	default:
		return FieldDescriptor{}, fmt.Errorf("unsupported field type %q", f.Type)
	}
	return fd, nil
}

// ColumnName is the warehouse column a source field lands in.
func ColumnName(field string) string {
	return strings.ToLower(field)
}

// Names returns the source field names in projection order.
func Names(fields []FieldDescriptor) []string {
	out := make([]string, len(fields))
	for i, f := range fields {
		out[i] = f.Name
	}
	return out
}

// Columns returns the warehouse column names in projection order.
func Columns(fields []FieldDescriptor) []string {
	out := make([]string, len(fields))
	for i, f := range fields {
		out[i] = f.Column
	}
	return out
}

// Find returns the descriptor whose source name or column matches name,
// case-insensitively.
func Find(fields []FieldDescriptor, name string) (FieldDescriptor, bool) {
	for _, f := range fields {
		if strings.EqualFold(f.Name, name) || strings.EqualFold(f.Column, name) {
			return f, true
		}
	}
	return FieldDescriptor{}, false
}

// Restrict keeps the descriptors whose column is in columns, preserving
// projection order.
func Restrict(fields []FieldDescriptor, columns []string) []FieldDescriptor {
	keep := make(map[string]bool, len(columns))
	for _, c := range columns {
		keep[strings.ToLower(c)] = true
	}
	out := make([]FieldDescriptor, 0, len(fields))
	for _, f := range fields {
		if keep[f.Column] {
			out = append(out, f)
		}
	}
	return out
}
