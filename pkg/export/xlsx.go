package export

import (
	"context"
	"fmt"

	"github.com/xuri/excelize/v2"

	"github.com/Sternrassler/sdmx-databuilder/pkg/aggregate"
)

// DefaultSheet is the worksheet the table is written to.
const DefaultSheet = "data"

// XLSXWriter writes an Excel workbook with one sheet. Missing values are
// blank cells, never zero.
type XLSXWriter struct {
	// Sheet defaults to DefaultSheet.
	Sheet string
}

// Write implements Writer.
func (x XLSXWriter) Write(ctx context.Context, path string, table *aggregate.Table) error {
	if err := checkTable(table); err != nil {
		return err
	}
	sheet := x.Sheet
	if sheet == "" {
		sheet = DefaultSheet
	}

	wb := excelize.NewFile()
	defer wb.Close()

	if err := wb.SetSheetName("Sheet1", sheet); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}

	header := make([]interface{}, 0, 2+len(table.Columns))
	for _, h := range table.Header() {
		header = append(header, h)
	}
	if err := wb.SetSheetRow(sheet, "A1", &header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	for i, row := range table.Rows {
		if i%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		cells := make([]interface{}, 2+len(row.Values))
		cells[0] = row.Date.String()
		cells[1] = row.Country
		for j, v := range row.Values {
			if v.Valid {
				cells[2+j] = v.Number
			}
		}
		axis, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := wb.SetSheetRow(sheet, axis, &cells); err != nil {
			return fmt.Errorf("write row %d: %w", i+1, err)
		}
	}

	if err := wb.SetPanes(sheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return fmt.Errorf("freeze header: %w", err)
	}

	return replaceFile(path, func(tmp string) error {
		if err := wb.SaveAs(tmp); err != nil {
			return fmt.Errorf("save %s: %w", path, err)
		}
		return nil
	})
}
