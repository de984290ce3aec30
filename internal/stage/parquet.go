package stage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xitongsys/parquet-go-source/buffer"
	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/reader"
	"github.com/xitongsys/parquet-go/writer"

	"github.com/nucleus/sync-core/internal/schema"
)

// Staged pages are stored as Parquet with every column an optional UTF8
// string. Values are rendered losslessly and coerced again on the way out,
// so the file format never has to track warehouse types.

// EncodePage writes rows (ordered like columns) as a Parquet file.
func EncodePage(columns []string, rows [][]any) ([]byte, error) {
	buf := &bytes.Buffer{}
	pfw := writerfile.NewWriterFile(buf)
	pw, err := writer.NewJSONWriter(buildParquetSchema(columns), pfw, 4)
	if err != nil {
		return nil, fmt.Errorf("parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for i, row := range rows {
		if len(row) != len(columns) {
			_ = pw.WriteStop()
			return nil, fmt.Errorf("row %d has %d values, want %d", i, len(row), len(columns))
		}
		obj := make(map[string]*string, len(columns))
		for j, col := range columns {
			obj[col] = render(row[j])
		}
		line, err := json.Marshal(obj)
		if err != nil {
			_ = pw.WriteStop()
			return nil, fmt.Errorf("encode row %d: %w", i, err)
		}
		if err := pw.Write(string(line)); err != nil {
			_ = pw.WriteStop()
			return nil, fmt.Errorf("write row %d: %w", i, err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("finish parquet: %w", err)
	}
	_ = pfw.Close()
	return buf.Bytes(), nil
}

// DecodePage reads a file produced by EncodePage back into records keyed by
// column name.
func DecodePage(data []byte, columns []string) ([]schema.Record, error) {
	pf, err := buffer.NewBufferFile(data)
	if err != nil {
		return nil, fmt.Errorf("open parquet: %w", err)
	}
	pr, err := reader.NewParquetReader(pf, nil, 4)
	if err != nil {
		return nil, fmt.Errorf("parquet reader: %w", err)
	}
	defer pr.ReadStop()

	n := int(pr.GetNumRows())
	if n == 0 {
		return nil, nil
	}
	rows, err := pr.ReadByNumber(n)
	if err != nil {
		return nil, fmt.Errorf("read parquet rows: %w", err)
	}

	records := make([]schema.Record, 0, len(rows))
	for i, row := range rows {
		v := reflect.ValueOf(row)
		if v.Kind() == reflect.Ptr {
			v = v.Elem()
		}
		if v.Kind() != reflect.Struct || v.NumField() != len(columns) {
			return nil, fmt.Errorf("row %d: unexpected parquet shape", i)
		}
		rec := make(schema.Record, len(columns))
		for j, col := range columns {
			f := v.Field(j)
			if f.Kind() == reflect.Ptr {
				if f.IsNil() {
					rec[col] = nil
					continue
				}
				f = f.Elem()
			}
			rec[col] = f.String()
		}
		records = append(records, rec)
	}
	return records, nil
}

func buildParquetSchema(columns []string) string {
	fields := make([]map[string]string, 0, len(columns))
	for _, c := range columns {
		fields = append(fields, map[string]string{
			"Tag": fmt.Sprintf("name=%s, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL", c),
		})
	}
	out := map[string]any{
		"Tag":    "name=parquet_go_root, repetitiontype=REQUIRED",
		"Fields": fields,
	}
	b, _ := json.Marshal(out)
	return string(b)
}

func render(v any) *string {
	var s string
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		s = t
	case time.Time:
		s = t.UTC().Format(time.RFC3339Nano)
	case decimal.Decimal:
		s = t.String()
	case int64:
		s = strconv.FormatInt(t, 10)
	case bool:
		s = strconv.FormatBool(t)
	case float64:
		s = strconv.FormatFloat(t, 'f', -1, 64)
	default:
		s = fmt.Sprint(t)
	}
	return &s
}
