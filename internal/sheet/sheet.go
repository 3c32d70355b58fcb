// Package sheet reads uploaded spreadsheets into positioned rows of named fields.
package sheet

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"
)

// Canonical field names.
const (
	FieldPeriod      = "period"
	FieldCode        = "code"
	FieldName        = "name"
	FieldPrice       = "price"
	FieldCategory    = "category"
	FieldStock       = "stock"
	FieldSupplier    = "supplier"
	FieldDescription = "description"
)

// Layout is the positional column order used when the header row names no known column.
var Layout = []string{
	FieldPeriod, FieldCode, FieldName, FieldPrice,
	FieldCategory, FieldStock, FieldSupplier, FieldDescription,
}

var aliases = map[string]string{
	"period":         FieldPeriod,
	"periodo":        FieldPeriod,
	"code":           FieldCode,
	"product_code":   FieldCode,
	"productcode":    FieldCode,
	"codigoproducto": FieldCode,
	"codigo":         FieldCode,
	"name":           FieldName,
	"product_name":   FieldName,
	"productname":    FieldName,
	"nombreproducto": FieldName,
	"nombre":         FieldName,
	"price":          FieldPrice,
	"precio":         FieldPrice,
	"category":       FieldCategory,
	"categoria":      FieldCategory,
	"stock":          FieldStock,
	"supplier":       FieldSupplier,
	"proveedor":      FieldSupplier,
	"description":    FieldDescription,
	"descripcion":    FieldDescription,
}

var ErrUnsupportedFormat = errors.New("unsupported spreadsheet format")

// Row is one data row. Position is the 1-based index after the header;
// blank rows are skipped but still consume a position.
type Row struct {
	Position int
	Fields   map[string]string
}

// Get returns the trimmed value of a canonical field.
func (r Row) Get(field string) string {
	return strings.TrimSpace(r.Fields[field])
}

// Parse picks the reader by file extension (.xlsx or .csv).
func Parse(fileName string, r io.Reader) ([]Row, error) {
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".xlsx":
		return parseXLSX(r)
	case ".csv":
		return parseCSV(r)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, filepath.Ext(fileName))
}

func parseXLSX(r io.Reader) ([]Row, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, errors.New("workbook has no worksheets")
	}
	// Raw values keep numbers in invariant form regardless of cell formatting.
	records, err := f.GetRows(sheets[0], excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, fmt.Errorf("read worksheet %q: %w", sheets[0], err)
	}
	return toRows(records), nil
}

func parseCSV(r io.Reader) ([]Row, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))

	cr := csv.NewReader(bytes.NewReader(data))
	cr.Comma = sniffDelimiter(data)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse csv: %w", err)
	}
	return toRows(records), nil
}

// sniffDelimiter prefers ';' when the first line has more of them than ','.
func sniffDelimiter(data []byte) rune {
	line := data
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		line = data[:i]
	}
	if bytes.Count(line, []byte(";")) > bytes.Count(line, []byte(",")) {
		return ';'
	}
	return ','
}

func toRows(records [][]string) []Row {
	headerIdx := -1
	for i, rec := range records {
		if !blank(rec) {
			headerIdx = i
			break
		}
	}
	if headerIdx < 0 {
		return nil
	}

	columns := mapHeader(records[headerIdx])

	var rows []Row
	for i, rec := range records[headerIdx+1:] {
		if blank(rec) {
			continue
		}
		fields := make(map[string]string, len(columns))
		for col, name := range columns {
			if name == "" {
				continue
			}
			if col < len(rec) {
				fields[name] = rec[col]
			} else {
				fields[name] = ""
			}
		}
		rows = append(rows, Row{Position: i + 1, Fields: fields})
	}
	return rows
}

// mapHeader resolves each header cell to a canonical field. When no cell is
// recognised the positional Layout applies.
func mapHeader(header []string) []string {
	columns := make([]string, len(header))
	seen := make(map[string]bool)
	matched := false
	for i, h := range header {
		key := strings.ToLower(strings.TrimSpace(h))
		key = strings.ReplaceAll(key, " ", "_")
		if name, ok := aliases[key]; ok && !seen[name] {
			columns[i] = name
			seen[name] = true
			matched = true
		}
	}
	if matched {
		return columns
	}

	columns = make([]string, len(Layout))
	copy(columns, Layout)
	return columns
}

func blank(rec []string) bool {
	for _, c := range rec {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
