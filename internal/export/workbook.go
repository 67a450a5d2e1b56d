package export

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/noah-isme/toko-billing/internal/bill"
)

// MasterSheet is the sheet holding one summary row per bill.
const MasterSheet = "Bills"

// MasterHeaders are the master ledger columns.
var MasterHeaders = []any{"Bill Number", "Date", "Customer Name", "Phone Number", "Subtotal", "Tax", "Total"}

// Sheet is one tab of a report workbook.
type Sheet struct {
	Name    string
	Headers []string
	Rows    [][]any
}

// BillWorkbook lays one bill out on a single sheet.
func BillWorkbook(rec bill.Record) (*excelize.File, error) {
	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	if err := f.SetSheetName(sheet, "Bill"); err != nil {
		return nil, err
	}
	sheet = "Bill"

	totals := rec.Totals.Rounded()
	rows := [][]any{
		{receiptTitle},
		{"Bill Number:", rec.BillNumber},
		{"Date:", rec.CreatedAt.Format(receiptDateLayout)},
		{"Customer Name:", rec.Name},
		{"Phone Number:", rec.Phone},
		{},
		{"Item", "Quantity", "Price", "Total"},
	}
	current := ""
	for _, item := range rec.LineItems {
		if item.Category != current {
			current = item.Category
			rows = append(rows, []any{strings.ToUpper(current) + ":"})
		}
		rows = append(rows, []any{item.Product, item.Quantity, item.UnitPrice.InexactFloat64(), item.LineTotal.InexactFloat64()})
	}
	rows = append(rows,
		[]any{},
		[]any{"Subtotal:", "", "", totals.Subtotal.InexactFloat64()},
		[]any{"Tax:", "", "", totals.Tax.InexactFloat64()},
		[]any{"Total:", "", "", totals.GrandTotal.InexactFloat64()},
	)
	if err := writeRows(f, sheet, 1, rows); err != nil {
		return nil, err
	}
	if err := boldRow(f, sheet, 7, 4); err != nil {
		return nil, err
	}
	if err := f.SetColWidth(sheet, "A", "A", 32); err != nil {
		return nil, err
	}
	if err := f.SetColWidth(sheet, "B", "D", 14); err != nil {
		return nil, err
	}
	return f, nil
}

// AppendMaster adds a summary row for rec to the master ledger at path,
// creating the workbook with headers when it does not exist.
func AppendMaster(path string, rec bill.Record) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create export dir: %w", err)
	}
	f, err := excelize.OpenFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		f = excelize.NewFile()
		if err := f.SetSheetName(f.GetSheetName(0), MasterSheet); err != nil {
			return err
		}
		if err := f.SetSheetRow(MasterSheet, "A1", &MasterHeaders); err != nil {
			return err
		}
		if err := boldRow(f, MasterSheet, 1, len(MasterHeaders)); err != nil {
			return err
		}
	case err != nil:
		return fmt.Errorf("open master ledger: %w", err)
	}
	defer f.Close()

	existing, err := f.GetRows(MasterSheet)
	if err != nil {
		return fmt.Errorf("read master ledger: %w", err)
	}
	totals := rec.Totals.Rounded()
	row := []any{
		rec.BillNumber,
		rec.CreatedAt.Format(receiptDateLayout),
		rec.Name,
		rec.Phone,
		totals.Subtotal.InexactFloat64(),
		totals.Tax.InexactFloat64(),
		totals.GrandTotal.InexactFloat64(),
	}
	cell, err := excelize.CoordinatesToCellName(1, len(existing)+1)
	if err != nil {
		return err
	}
	if err := f.SetSheetRow(MasterSheet, cell, &row); err != nil {
		return err
	}
	return f.SaveAs(path)
}

// ReportWorkbook writes each sheet with a bold header row.
func ReportWorkbook(sheets []Sheet) (*excelize.File, error) {
	if len(sheets) == 0 {
		return nil, errors.New("export: no sheets")
	}
	f := excelize.NewFile()
	first := f.GetSheetName(0)
	for i, s := range sheets {
		if i == 0 {
			if err := f.SetSheetName(first, s.Name); err != nil {
				return nil, err
			}
		} else if _, err := f.NewSheet(s.Name); err != nil {
			return nil, err
		}
		header := make([]any, len(s.Headers))
		for j, h := range s.Headers {
			header[j] = h
		}
		if err := writeRows(f, s.Name, 1, append([][]any{header}, s.Rows...)); err != nil {
			return nil, err
		}
		if err := boldRow(f, s.Name, 1, len(s.Headers)); err != nil {
			return nil, err
		}
	}
	f.SetActiveSheet(0)
	return f, nil
}

// WriteWorkbook streams f to w and closes it.
func WriteWorkbook(w io.Writer, f *excelize.File) error {
	defer f.Close()
	return f.Write(w)
}

func writeRows(f *excelize.File, sheet string, start int, rows [][]any) error {
	for i, row := range rows {
		if len(row) == 0 {
			continue
		}
		cell, err := excelize.CoordinatesToCellName(1, start+i)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return err
		}
	}
	return nil
}

func boldRow(f *excelize.File, sheet string, row, cols int) error {
	if cols <= 0 {
		return nil
	}
	style, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return err
	}
	from, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	to, err := excelize.CoordinatesToCellName(cols, row)
	if err != nil {
		return err
	}
	return f.SetCellStyle(sheet, from, to, style)
}
