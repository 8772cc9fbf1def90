package adapters

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/jfyne/csvd"
	"github.com/mmdatafocus/vas_recon/models"
)

// row is one physical row of a delimited file or spreadsheet.
type row struct {
	line  int
	cells []string
}

func newCSVReader(raw []byte, schema models.FileSchema) *csv.Reader {
	var r *csv.Reader
	if schema.Delimiter != "" {
		r = csv.NewReader(bytes.NewReader(raw))
		r.Comma = []rune(schema.Delimiter)[0]
	} else {
		// Sniff the delimiter when the supplier did not declare one.
		r = csvd.NewReader(bytes.NewReader(raw))
	}
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	return r
}

func parseDelimited(raw []byte, schema models.FileSchema) (sectionResult, error) {
	reader := newCSVReader(bytes.TrimPrefix(raw, []byte("\xef\xbb\xbf")), schema)

	var rows []row
	var malformed []Rejection
	for {
		cells, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				malformed = append(malformed, Rejection{Line: pe.StartLine, Field: "*", Reason: pe.Err.Error()})
				continue
			}
			return sectionResult{}, err
		}
		line, _ := reader.FieldPos(0)
		rows = append(rows, row{line: line, cells: cells})
	}

	res, err := sectionsFromRows(rows, schema)
	if err != nil {
		return res, err
	}
	res.malformed = append(malformed, res.malformed...)
	res.delimiter = string(reader.Comma)
	return res, nil
}

// sectionsFromRows splits rows into header, body and footer using record-type
// markers and an optional column-name row. Shared by csv and xlsx.
func sectionsFromRows(rows []row, schema models.FileSchema) (sectionResult, error) {
	var res sectionResult
	var columns map[string]int

	for _, r := range rows {
		if blankRow(r.cells) {
			continue
		}
		first := strings.TrimSpace(r.cells[0])
		switch {
		case schema.HeaderMarker != "" && first == schema.HeaderMarker:
			if res.header != nil {
				return res, fmt.Errorf("line %d: second header record", r.line)
			}
			res.header = positional(r.line, r.cells[1:], schema.Header)
		case schema.FooterMarker != "" && first == schema.FooterMarker:
			if res.footer != nil {
				return res, fmt.Errorf("line %d: second footer record", r.line)
			}
			res.footer = positional(r.line, r.cells[1:], schema.Footer)
		case schema.HasHeaderRow && columns == nil:
			columns = indexColumns(r.cells)
			for _, def := range schema.Body {
				if _, ok := columns[normalizeColumn(def.SourceName())]; !ok && def.Required {
					return res, fmt.Errorf("required column %q not found", def.SourceName())
				}
			}
		default:
			if schema.BodyMarker != "" && first != schema.BodyMarker {
				res.malformed = append(res.malformed, Rejection{Line: r.line, Field: "record_type", Reason: fmt.Sprintf("unknown record type %q", first)})
				continue
			}
			if columns == nil {
				cells := r.cells
				if schema.BodyMarker != "" {
					cells = cells[1:]
				}
				res.body = append(res.body, *positional(r.line, cells, schema.Body))
				continue
			}
			rr := rawRecord{line: r.line, values: make(map[string]string, len(schema.Body))}
			for _, def := range schema.Body {
				idx, ok := columns[normalizeColumn(def.SourceName())]
				if ok && idx < len(r.cells) {
					rr.values[def.Name] = r.cells[idx]
				}
			}
			res.body = append(res.body, rr)
		}
	}
	return res, nil
}

func positional(line int, cells []string, defs []models.FieldDef) *rawRecord {
	rr := &rawRecord{line: line, values: make(map[string]string, len(defs))}
	for i, def := range defs {
		if i < len(cells) {
			rr.values[def.Name] = cells[i]
		}
	}
	return rr
}

func indexColumns(cells []string) map[string]int {
	out := make(map[string]int, len(cells))
	for i, c := range cells {
		key := normalizeColumn(c)
		if _, dup := out[key]; !dup {
			out[key] = i
		}
	}
	return out
}

func normalizeColumn(name string) string {
	return strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))
}

func blankRow(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
