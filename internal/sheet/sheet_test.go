package sheet

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func buildWorkbook(t *testing.T, rows [][]any) *bytes.Buffer {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()

	sheet := f.GetSheetName(0)
	for r, row := range rows {
		for c, v := range row {
			cell, err := excelize.CoordinatesToCellName(c+1, r+1)
			require.NoError(t, err)
			require.NoError(t, f.SetCellValue(sheet, cell, v))
		}
	}
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)
	return buf
}

func TestParse_XLSXWithHeader(t *testing.T) {
	buf := buildWorkbook(t, [][]any{
		{"Product Code", "Name", "Price", "Stock", "Supplier"},
		{"P-1", "Widget", 12.5, 3, "Acme"},
		{"P-2", "Gadget", "7,25", "", ""},
	})

	rows, err := Parse("catalog.XLSX", buf)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, 1, rows[0].Position)
	assert.Equal(t, "P-1", rows[0].Get(FieldCode))
	assert.Equal(t, "Widget", rows[0].Get(FieldName))
	assert.Equal(t, "12.5", rows[0].Get(FieldPrice))
	assert.Equal(t, "3", rows[0].Get(FieldStock))
	assert.Equal(t, "Acme", rows[0].Get(FieldSupplier))
	assert.Equal(t, "", rows[0].Get(FieldCategory))

	assert.Equal(t, 2, rows[1].Position)
	assert.Equal(t, "7,25", rows[1].Get(FieldPrice))
}

func TestParse_XLSXFixedLayoutKeepsBlankRowPositions(t *testing.T) {
	buf := buildWorkbook(t, [][]any{
		{"col1", "col2", "col3"},
		{"2025-03", "P-1", "One"},
		{},
		{"2025-03", "P-3", "Three", "9.99", "Tools", 4, "Acme", "desc"},
	})

	rows, err := Parse("catalog.xlsx", buf)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, 1, rows[0].Position)
	assert.Equal(t, "P-1", rows[0].Get(FieldCode))
	assert.Equal(t, "", rows[0].Get(FieldPrice))

	assert.Equal(t, 3, rows[1].Position)
	assert.Equal(t, "2025-03", rows[1].Get(FieldPeriod))
	assert.Equal(t, "P-3", rows[1].Get(FieldCode))
	assert.Equal(t, "Tools", rows[1].Get(FieldCategory))
	assert.Equal(t, "desc", rows[1].Get(FieldDescription))
}

func TestParse_CSV(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"comma", "code,name,price\nP-1,Widget,1.5\n,,\nP-2,\"Big, red\",2\n"},
		{"semicolon with bom", "\xef\xbb\xbfcodigo;nombre;precio\nP-1;Widget;1,5\n;;\nP-2;Big, red;2\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rows, err := Parse("upload.csv", strings.NewReader(tt.input))
			require.NoError(t, err)
			require.Len(t, rows, 2)
			assert.Equal(t, 1, rows[0].Position)
			assert.Equal(t, "P-1", rows[0].Get(FieldCode))
			assert.Equal(t, 3, rows[1].Position)
			assert.Equal(t, "Big, red", rows[1].Get(FieldName))
		})
	}
}

func TestParse_Errors(t *testing.T) {
	_, err := Parse("notes.txt", strings.NewReader("x"))
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	_, err = Parse("broken.xlsx", strings.NewReader("definitely not a zip"))
	assert.Error(t, err)
}

func TestParse_EmptyFile(t *testing.T) {
	rows, err := Parse("empty.csv", strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, rows)

	rows, err = Parse("header-only.csv", strings.NewReader("code,name\n"))
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestSniffDelimiter(t *testing.T) {
	assert.Equal(t, ';', sniffDelimiter([]byte("a;b;c\n1,2;3")))
	assert.Equal(t, ',', sniffDelimiter([]byte("a,b,c")))
}
