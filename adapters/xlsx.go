package adapters

import (
	"bytes"
	"fmt"

	"github.com/mmdatafocus/vas_recon/models"
	"github.com/xuri/excelize/v2"
)

// parseXLSX reads one sheet (schema.Sheet, else the first) and applies the
// delimited-file section rules to its rows.
func parseXLSX(raw []byte, schema models.FileSchema) (sectionResult, error) {
	f, err := excelize.OpenReader(bytes.NewReader(raw))
	if err != nil {
		return sectionResult{}, fmt.Errorf("open workbook: %v", err)
	}
	defer f.Close()

	sheet := schema.Sheet
	if sheet == "" {
		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			return sectionResult{}, fmt.Errorf("workbook has no sheets")
		}
		sheet = sheets[0]
	}
	cells, err := f.GetRows(sheet)
	if err != nil {
		return sectionResult{}, fmt.Errorf("read sheet %q: %v", sheet, err)
	}

	rows := make([]row, 0, len(cells))
	for i, c := range cells {
		rows = append(rows, row{line: i + 1, cells: c})
	}
	return sectionsFromRows(rows, schema)
}
