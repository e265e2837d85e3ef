package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"os"
	"path/filepath"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/ledongthuc/pdf"

	"dsdreports/internal/exporter"
	"dsdreports/internal/reconcile"
)

// ErrInvalidPDF is returned when printed bytes do not parse as a PDF.
var ErrInvalidPDF = errors.New("printed document is not a readable PDF")

// Printer turns an HTML page into PDF bytes.
type Printer interface {
	PrintPDF(ctx context.Context, html string) ([]byte, error)
}

// ChromePrinter prints in a new tab of an existing chromedp browser.
type ChromePrinter struct {
	browserCtx context.Context
}

// NewChromePrinter prints with the browser that owns browserCtx.
func NewChromePrinter(browserCtx context.Context) *ChromePrinter {
	return &ChromePrinter{browserCtx: browserCtx}
}

// PrintPDF loads html into a fresh tab and prints it landscape on letter
// paper.
func (p *ChromePrinter) PrintPDF(ctx context.Context, html string) ([]byte, error) {
	tabCtx, cancel := chromedp.NewContext(p.browserCtx)
	defer cancel()
	if deadline, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		tabCtx, cancelDeadline = context.WithDeadline(tabCtx, deadline)
		defer cancelDeadline()
	}
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var buf []byte
	err := chromedp.Run(tabCtx,
		chromedp.Navigate("about:blank"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			tree, err := page.GetFrameTree().Do(ctx)
			if err != nil {
				return err
			}
			return page.SetDocumentContent(tree.Frame.ID, html).Do(ctx)
		}),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			buf, _, err = printParams().Do(ctx)
			return err
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("print to pdf: %w", err)
	}
	return buf, nil
}

var tableTemplate = template.Must(template.New("table").Funcs(template.FuncMap{"isTotal": isTotalRow}).Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
  @page { size: letter landscape; }
  body { font-family: Helvetica, Arial, sans-serif; font-size: 8pt; margin: 0; }
  h1 { font-size: 11pt; margin: 0 0 6pt 0; }
  table { border-collapse: collapse; width: 100%; }
  thead { display: table-header-group; }
  th { background: #1f2937; color: #ffffff; text-align: left; padding: 3pt 4pt; }
  td { padding: 2pt 4pt; border-bottom: 0.5pt solid #d1d5db; }
  tr { page-break-inside: avoid; }
  tbody tr:nth-child(even) { background: #f3f4f6; }
  tr.total td { font-weight: bold; }
</style>
</head>
<body>
<h1>{{.Title}}</h1>
<table>
<thead><tr>{{range .Table.Header}}<th>{{.}}</th>{{end}}</tr></thead>
<tbody>
{{- range .Table.Rows}}
<tr{{if isTotal .}} class="total"{{end}}>{{range .}}<td>{{.}}</td>{{end}}</tr>
{{- end}}
</tbody>
</table>
</body>
</html>
`))

// HTML renders the table page printed by PDFRenderer.
func HTML(title string, t *exporter.Table) (string, error) {
	var buf bytes.Buffer
	if err := tableTemplate.Execute(&buf, struct {
		Title string
		Table *exporter.Table
	}{title, t}); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// isTotalRow marks rows labeled by the Total-row pass.
func isTotalRow(row []string) bool {
	for _, c := range row {
		if c == reconcile.TotalLabel {
			return true
		}
	}
	return false
}

// PDFRenderer prints tables to PDF and checks the result is readable.
type PDFRenderer struct {
	printer Printer
}

// NewPDFRenderer creates a PDFRenderer.
func NewPDFRenderer(p Printer) *PDFRenderer {
	return &PDFRenderer{printer: p}
}

func (r *PDFRenderer) Format() string { return "pdf" }

func (r *PDFRenderer) Render(ctx context.Context, doc Document) (string, error) {
	out := doc.Out + ".pdf"
	if err := checkTable(r.Format(), out, doc.Table); err != nil {
		return "", err
	}
	fail := func(err error) (string, error) {
		return "", &RenderError{Format: r.Format(), Out: out, Err: err}
	}

	html, err := HTML(doc.Title, doc.Table)
	if err != nil {
		return fail(err)
	}
	buf, err := r.printer.PrintPDF(ctx, html)
	if err != nil {
		return fail(err)
	}
	if _, err := CountPages(buf); err != nil {
		return fail(err)
	}
	if err := os.MkdirAll(filepath.Dir(out), 0755); err != nil {
		return fail(err)
	}
	if err := os.WriteFile(out, buf, 0644); err != nil {
		return fail(err)
	}
	return out, nil
}

// CountPages parses buf as a PDF and returns its page count.
func CountPages(buf []byte) (n int, err error) {
	// The parser panics on some malformed input.
	defer func() {
		if p := recover(); p != nil {
			n, err = 0, fmt.Errorf("%w: %v", ErrInvalidPDF, p)
		}
	}()
	rd, err := pdf.NewReader(bytes.NewReader(buf), int64(len(buf)))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidPDF, err)
	}
	if n = rd.NumPage(); n == 0 {
		return 0, fmt.Errorf("%w: no pages", ErrInvalidPDF)
	}
	return n, nil
}

// printParams describes a landscape letter page. Chrome swaps the paper
// dimensions for landscape, so they are given in portrait order.
func printParams() *page.PrintToPDFParams {
	return page.PrintToPDF().
		WithLandscape(true).
		WithPaperWidth(8.5).
		WithPaperHeight(11).
		WithMarginTop(0.4).
		WithMarginBottom(0.4).
		WithMarginLeft(0.3).
		WithMarginRight(0.3).
		WithPrintBackground(true)
}
