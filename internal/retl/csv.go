package retl

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nucleus/sync-core/internal/schema"
	"github.com/nucleus/sync-core/internal/warehouse"
)

// EncodeCSV renders a result set as an ingest payload: a header of column
// names followed by one line per row. Nulls become empty cells.
func EncodeCSV(rs *warehouse.ResultSet, lineEnding string) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.UseCRLF = lineEnding != "LF"

	if err := w.Write(rs.Columns); err != nil {
		return nil, err
	}
	record := make([]string, len(rs.Columns))
	for i, row := range rs.Rows {
		if len(row) != len(rs.Columns) {
			return nil, fmt.Errorf("row %d has %d values, want %d", i+1, len(row), len(rs.Columns))
		}
		for j, v := range row {
			record[j] = formatCell(v, rs.ColumnType(j))
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// formatCell renders one value. Values of DATE columns are written as
// yyyy-MM-dd.
func formatCell(v any, columnType string) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		if columnType == "DATE" {
			return x.Format(schema.DateLayout)
		}
		return schema.FormatDatetime(x)
	case decimal.Decimal:
		return x.String()
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	default:
		return fmt.Sprint(x)
	}
}
