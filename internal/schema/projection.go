package schema

import (
	"strings"
	"time"
)

// DefaultWatermarkField is the last-modified field incremental syncs
// filter on.
const DefaultWatermarkField = "LastModifiedDate"

// Projection is the query a sync issues against the CRM.
type Projection struct {
	Object         string
	Fields         []string
	WatermarkField string
	Since          *time.Time
}

// NewProjection builds a projection over the given descriptors.
func NewProjection(object string, fields []FieldDescriptor, since *time.Time) Projection {
	return Projection{
		Object:         object,
		Fields:         Names(fields),
		WatermarkField: DefaultWatermarkField,
		Since:          since,
	}
}

// Where returns the filter clause, or "" when the projection is unbounded.
func (p Projection) Where() string {
	if p.Since == nil {
		return ""
	}
	field := p.WatermarkField
	if field == "" {
		field = DefaultWatermarkField
	}
	return "WHERE " + field + " > " + FormatDatetime(*p.Since)
}

// Query renders the SOQL for the projection.
func (p Projection) Query() string {
	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(strings.Join(p.Fields, ", "))
	b.WriteString(" FROM ")
	b.WriteString(p.Object)
	if where := p.Where(); where != "" {
		b.WriteString(" ")
		b.WriteString(where)
	}
	return b.String()
}

// CountQuery renders the count probe for the same object and filter.
func (p Projection) CountQuery() string {
	q := "SELECT COUNT() FROM " + p.Object
	if where := p.Where(); where != "" {
		q += " " + where
	}
	return q
}

// DateLayout is the wire form of a date value.
const DateLayout = "2006-01-02"

// FormatDatetime renders a timestamp as a SOQL datetime literal.
func FormatDatetime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}
