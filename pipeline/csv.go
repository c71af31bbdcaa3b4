package pipeline

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/hazyhaar/takeoff/extract"
)

// csvHeader is the flattened quantity table layout: one row per quantity
// field per sheet.
var csvHeader = []string{
	"document_id", "document_name", "page_index", "sheet_type",
	"detail_number", "scale", "field", "value", "confidence", "conflict",
	"workflow_state",
}

// ExportCSV writes the session result as a flattened quantity table.
func ExportCSV(w io.Writer, r *Result) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("csv export: %w", err)
	}

	for _, doc := range r.Documents {
		for _, sheet := range doc.RoofPlans {
			rows := []struct {
				field string
				q     extract.Quantity
			}{
				{"drains", sheet.Drains},
				{"scuppers", sheet.Scuppers},
				{"curbs", sheet.Curbs},
				{"penetrations", sheet.Penetrations},
			}
			for _, row := range rows {
				rec := []string{
					doc.DocumentID,
					doc.Name,
					strconv.Itoa(sheet.PageIndex),
					sheet.SheetType,
					sheet.DetailNumber.Value,
					sheet.Scale.Value,
					row.field,
					strconv.Itoa(row.q.Count),
					row.q.Confidence.String(),
					strconv.FormatBool(row.q.Conflict),
					string(sheet.Workflow),
				}
				if err := cw.Write(rec); err != nil {
					return fmt.Errorf("csv export: %w", err)
				}
			}
		}
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("csv export: %w", err)
	}
	return nil
}
