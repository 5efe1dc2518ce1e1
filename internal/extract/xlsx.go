package extract

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
)

// XLSXExtractor flattens spreadsheet attachments (cost estimates, bills of
// quantities) into tab-separated text, one sheet after another.
type XLSXExtractor struct{}

func (e *XLSXExtractor) SupportedExtensions() []string {
	return []string{".xlsx"}
}

func (e *XLSXExtractor) Extract(ctx context.Context, path string) (string, map[string]string, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return "", nil, eris.Wrap(err, "xlsx: open file")
	}

	var sb strings.Builder
	var rowCount int
	for _, sheet := range f.Sheets {
		if ctx.Err() != nil {
			return "", nil, eris.Wrap(ctx.Err(), "xlsx: context cancelled")
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(sheet.Name)
		sb.WriteString("\n")
		for _, row := range sheet.Rows {
			cells := make([]string, 0, len(row.Cells))
			for _, cell := range row.Cells {
				cells = append(cells, strings.TrimSpace(cell.String()))
			}
			line := strings.TrimRight(strings.Join(cells, "\t"), "\t")
			if strings.TrimSpace(line) == "" {
				continue
			}
			sb.WriteString(line)
			sb.WriteString("\n")
			rowCount++
		}
	}
	if rowCount == 0 {
		return "", nil, eris.New("xlsx: no populated rows")
	}

	meta := map[string]string{
		"format": "xlsx",
		"sheets": fmt.Sprintf("%d", len(f.Sheets)),
		"rows":   fmt.Sprintf("%d", rowCount),
	}
	return sb.String(), meta, nil
}
