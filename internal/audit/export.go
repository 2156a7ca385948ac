package audit

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// Export writes entries to w in the specified format.
// Supported formats: "jsonl" (default), "json", "csv".
//
// CSV carries the classification and chain linkage columns; the full
// payload (details, canonical bytes) is only available in the JSON
// formats.
func Export(w io.Writer, entries []Entry, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)

	case "csv":
		cw := csv.NewWriter(w)
		defer cw.Flush()
		if err := cw.Write([]string{
			"id", "organisation_id", "ts", "action", "resource", "resource_id",
			"category", "severity", "outcome", "correlation_id", "previous_hash", "hash",
		}); err != nil {
			return err
		}
		for _, e := range entries {
			if err := cw.Write([]string{
				e.ID,
				e.OrganisationID,
				e.Timestamp.UTC().Format(time.RFC3339Nano),
				e.Action,
				e.Resource,
				e.ResourceID,
				string(e.Category),
				string(e.Severity),
				string(e.Outcome),
				e.CorrelationID,
				e.PreviousHash,
				e.Hash,
			}); err != nil {
				return err
			}
		}
		return nil

	case "jsonl", "":
		enc := json.NewEncoder(w)
		for _, e := range entries {
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		return nil

	default:
		return fmt.Errorf("unsupported export format: %s (use json, jsonl, or csv)", format)
	}
}
