package adapters

import (
	"fmt"

	"github.com/h2non/filetype"
	"github.com/mmdatafocus/vas_recon/models"
	"github.com/mmdatafocus/vas_recon/utils"
)

// checkContentType cross-checks the declared adapter against the magic bytes.
// Text formats must not look like a known binary type; xlsx must be an OOXML
// (zip) container.
func checkContentType(raw []byte, class models.AdapterClass) (string, error) {
	if len(raw) == 0 {
		return "", fmt.Errorf("empty file: %w", utils.ErrSchemaMismatch)
	}
	kind, _ := filetype.Match(raw)
	detected := "text"
	if kind != filetype.Unknown {
		detected = kind.Extension
	}

	if class == models.AdapterXLSX {
		if detected == "xlsx" || detected == "zip" {
			return detected, nil
		}
		return detected, fmt.Errorf("declared xlsx but content is %s: %w", detected, utils.ErrSchemaMismatch)
	}

	if kind != filetype.Unknown && isBinary(raw) {
		return detected, fmt.Errorf("declared %s but content is %s: %w", class, detected, utils.ErrSchemaMismatch)
	}
	return detected, nil
}

func isBinary(raw []byte) bool {
	return filetype.IsArchive(raw) ||
		filetype.IsDocument(raw) ||
		filetype.IsImage(raw) ||
		filetype.IsAudio(raw) ||
		filetype.IsVideo(raw) ||
		filetype.IsFont(raw)
}
