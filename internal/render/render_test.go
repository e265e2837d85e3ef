package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"dsdreports/internal/exporter"
)

// minimalPDF builds a one-page PDF with a correct cross-reference table.
func minimalPDF() []byte {
	objects := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 792 612] /Resources << >> >>",
	}
	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objects))
	for i, obj := range objects {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(objects)+1)
	buf.WriteString("0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xref)
	return buf.Bytes()
}

type fakePrinter struct {
	mu    sync.Mutex
	pages []string
	out   []byte
	err   error
}

func (p *fakePrinter) PrintPDF(ctx context.Context, html string) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pages = append(p.pages, html)
	return p.out, p.err
}

func salesTable() *exporter.Table {
	return &exporter.Table{
		Header: []string{"Location", "ProductName", "Cases"},
		Rows: [][]string{
			{"North", "Total", "10"},
			{"North", "Cola <12oz>", "4"},
		},
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestCountPages(t *testing.T) {
	n, err := CountPages(minimalPDF())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = CountPages([]byte("<html>not a pdf</html>"))
	assert.ErrorIs(t, err, ErrInvalidPDF)
}

func TestHTMLEscapesAndMarksTotals(t *testing.T) {
	html, err := HTML("Weekly Volume", salesTable())
	require.NoError(t, err)

	assert.Contains(t, html, "<title>Weekly Volume</title>")
	assert.Contains(t, html, "<th>ProductName</th>")
	assert.Contains(t, html, `<tr class="total"><td>North</td><td>Total</td>`)
	assert.Contains(t, html, "Cola &lt;12oz&gt;")
	assert.Equal(t, 1, strings.Count(html, `class="total"`))
}

func TestPrintParamsLandscapeLetter(t *testing.T) {
	p := printParams()
	assert.True(t, p.Landscape)
	assert.Equal(t, 8.5, p.PaperWidth, "portrait order, chrome rotates for landscape")
	assert.Equal(t, 11.0, p.PaperHeight)
	assert.True(t, p.PrintBackground)
}

func TestPDFRenderer(t *testing.T) {
	dir := t.TempDir()
	printer := &fakePrinter{out: minimalPDF()}
	r := NewPDFRenderer(printer)

	path, err := r.Render(context.Background(), Document{Title: "Sales", Table: salesTable(), Out: filepath.Join(dir, "3_2024-03-09")})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "3_2024-03-09.pdf"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, minimalPDF(), data)
	require.Len(t, printer.pages, 1)
}

func TestPDFRendererErrors(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		printer *fakePrinter
		table   *exporter.Table
		wantErr error
	}{
		{"empty table", &fakePrinter{out: minimalPDF()}, &exporter.Table{Header: []string{"a"}}, ErrEmptyTable},
		{"printer failure", &fakePrinter{err: errors.New("target crashed")}, salesTable(), nil},
		{"unreadable output", &fakePrinter{out: []byte("garbage")}, salesTable(), ErrInvalidPDF},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := filepath.Join(dir, strings.ReplaceAll(tt.name, " ", "_"))
			_, err := NewPDFRenderer(tt.printer).Render(context.Background(), Document{Title: "x", Table: tt.table, Out: out})

			var renderErr *RenderError
			require.ErrorAs(t, err, &renderErr)
			assert.Equal(t, "pdf", renderErr.Format)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			assert.NoFileExists(t, out+".pdf")
		})
	}
}

func TestWorkbookRenderer(t *testing.T) {
	dir := t.TempDir()
	tbl := &exporter.Table{
		Header: []string{"Distributor Location", "Product Name", "storeCount_30days"},
		Rows: [][]string{
			{"North", "Cola", "12"},
			{"South", "Lime", ""},
		},
	}

	path, err := NewWorkbookRenderer().Render(context.Background(), Document{
		Title: "Store Counts: 30/60/90",
		Table: tbl,
		Out:   filepath.Join(dir, "combined_storecounts"),
	})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "combined_storecounts.xlsx"), path)

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()

	sheet := "Store Counts_ 30_60_90"
	assert.Equal(t, []string{sheet}, f.GetSheetList())
	rows, err := f.GetRows(sheet)
	require.NoError(t, err)
	assert.Equal(t, tbl.Header, rows[0])
	assert.Equal(t, []string{"North", "Cola", "12"}, rows[1])

	typ, err := f.GetCellType(sheet, "C2")
	require.NoError(t, err)
	assert.NotEqual(t, excelize.CellTypeSharedString, typ)
	assert.NotEqual(t, excelize.CellTypeInlineString, typ)
}

func TestSheetName(t *testing.T) {
	assert.Equal(t, "Sheet1", sheetName(""))
	assert.Equal(t, "a_b", sheetName("a/b"))
	assert.Len(t, []rune(sheetName(strings.Repeat("x", 40))), maxSheetName)
}

func TestBatchRendersEveryDocument(t *testing.T) {
	dir := t.TempDir()
	printer := &fakePrinter{out: minimalPDF()}
	b := NewBatch(2, nil, quietLogger(), NewPDFRenderer(printer), NewWorkbookRenderer())

	docs := []Document{
		{Title: "one", Table: salesTable(), Out: filepath.Join(dir, "1")},
		{Title: "empty", Table: &exporter.Table{}, Out: filepath.Join(dir, "2")},
		{Title: "three", Table: salesTable(), Out: filepath.Join(dir, "3")},
	}
	outputs := b.Render(context.Background(), docs)
	require.Len(t, outputs, 6)

	assert.Equal(t, "one", outputs[0].Title)
	assert.Equal(t, "pdf", outputs[0].Format)
	assert.Equal(t, "xlsx", outputs[1].Format)
	assert.ErrorIs(t, outputs[2].Err, ErrEmptyTable)
	assert.ErrorIs(t, outputs[3].Err, ErrEmptyTable)

	assert.Equal(t, []string{
		filepath.Join(dir, "1.pdf"),
		filepath.Join(dir, "1.xlsx"),
		filepath.Join(dir, "3.pdf"),
		filepath.Join(dir, "3.xlsx"),
	}, Paths(outputs))
}
