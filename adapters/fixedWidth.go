package adapters

import (
	"bufio"
	"bytes"
	"strings"

	"github.com/mmdatafocus/vas_recon/models"
)

// parseFixedWidth slices each line by byte offsets. Start is 0-based and
// counted from the beginning of the line, record-type marker included.
func parseFixedWidth(raw []byte, schema models.FileSchema) (sectionResult, error) {
	var res sectionResult
	sc := bufio.NewScanner(bytes.NewReader(raw))
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)

	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(text) == "" {
			continue
		}
		switch {
		case schema.HeaderMarker != "" && strings.HasPrefix(text, schema.HeaderMarker):
			res.header = sliceLine(line, text, schema.Header)
		case schema.FooterMarker != "" && strings.HasPrefix(text, schema.FooterMarker):
			res.footer = sliceLine(line, text, schema.Footer)
		case schema.BodyMarker != "" && !strings.HasPrefix(text, schema.BodyMarker):
			res.malformed = append(res.malformed, Rejection{Line: line, Field: "record_type", Reason: "unknown record type"})
		default:
			res.body = append(res.body, *sliceLine(line, text, schema.Body))
		}
	}
	if err := sc.Err(); err != nil {
		return res, err
	}
	return res, nil
}

func sliceLine(line int, text string, defs []models.FieldDef) *rawRecord {
	rr := &rawRecord{line: line, values: make(map[string]string, len(defs))}
	for _, def := range defs {
		if def.Start >= len(text) {
			continue
		}
		end := def.Start + def.Length
		if end > len(text) || def.Length <= 0 {
			end = len(text)
		}
		rr.values[def.Name] = strings.TrimSpace(text[def.Start:end])
	}
	return rr
}
