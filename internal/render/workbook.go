package render

import (
	"context"
	"os"
	"path/filepath"
	"strconv"

	"github.com/xuri/excelize/v2"
)

// maxSheetName is Excel's sheet name limit.
const maxSheetName = 31

// WorkbookRenderer writes tables to .xlsx with a styled, frozen, filterable
// header row. Integer cells are stored as numbers.
type WorkbookRenderer struct{}

// NewWorkbookRenderer creates a WorkbookRenderer.
func NewWorkbookRenderer() *WorkbookRenderer { return &WorkbookRenderer{} }

func (r *WorkbookRenderer) Format() string { return "xlsx" }

func (r *WorkbookRenderer) Render(ctx context.Context, doc Document) (string, error) {
	out := doc.Out + ".xlsx"
	if err := checkTable(r.Format(), out, doc.Table); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", &RenderError{Format: r.Format(), Out: out, Err: err}
	}
	if err := writeWorkbook(doc, out); err != nil {
		return "", &RenderError{Format: r.Format(), Out: out, Err: err}
	}
	return out, nil
}

func writeWorkbook(doc Document, out string) error {
	f := excelize.NewFile()
	defer f.Close()

	sheet := sheetName(doc.Title)
	if err := f.SetSheetName(f.GetSheetName(0), sheet); err != nil {
		return err
	}

	header := make([]interface{}, len(doc.Table.Header))
	for i, h := range doc.Table.Header {
		header[i] = h
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return err
	}

	for i, row := range doc.Table.Rows {
		cells := make([]interface{}, len(row))
		for j, v := range row {
			if n, err := strconv.Atoi(v); err == nil {
				cells[j] = n
			} else {
				cells[j] = v
			}
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &cells); err != nil {
			return err
		}
	}

	lastCol, err := excelize.ColumnNumberToName(len(doc.Table.Header))
	if err != nil {
		return err
	}
	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true, Color: "#FFFFFF"},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#1F2937"}, Pattern: 1},
	})
	if err != nil {
		return err
	}
	if err := f.SetCellStyle(sheet, "A1", lastCol+"1", headerStyle); err != nil {
		return err
	}
	if err := f.SetPanes(sheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return err
	}
	lastCell := lastCol + strconv.Itoa(len(doc.Table.Rows)+1)
	if err := f.AutoFilter(sheet, "A1:"+lastCell, nil); err != nil {
		return err
	}
	if err := f.SetColWidth(sheet, "A", lastCol, 18); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(out), 0755); err != nil {
		return err
	}
	return f.SaveAs(out)
}

func sheetName(title string) string {
	if title == "" {
		return "Sheet1"
	}
	clean := make([]rune, 0, len(title))
	for _, r := range title {
		switch r {
		case ':', '\\', '/', '?', '*', '[', ']':
			clean = append(clean, '_')
		default:
			clean = append(clean, r)
		}
	}
	if len(clean) > maxSheetName {
		clean = clean[:maxSheetName]
	}
	return string(clean)
}
