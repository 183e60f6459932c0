package audit

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"time"
)

// ExportFormat defines supported export formats.
type ExportFormat string

const (
	// ExportFormatCSV exports entries as comma-separated values.
	ExportFormatCSV ExportFormat = "csv"
	// ExportFormatJSON exports entries as a JSON array.
	ExportFormatJSON ExportFormat = "json"
)

// ParseExportFormat validates a format string.
func ParseExportFormat(s string) (ExportFormat, error) {
	switch f := ExportFormat(s); f {
	case ExportFormatCSV, ExportFormatJSON:
		return f, nil
	default:
		return "", fmt.Errorf("unsupported export format: %s", s)
	}
}

// ExportOptions configures audit export parameters.
type ExportOptions struct {
	Format ExportFormat
	Filter Filter
}

// Export renders entries matching opts.Filter, oldest first so the output
// can be fed straight back into VerifyChain.
func Export(ctx context.Context, repo Repository, opts ExportOptions) ([]byte, error) {
	if repo == nil {
		return nil, ErrNilRepository
	}
	if _, err := ParseExportFormat(string(opts.Format)); err != nil {
		return nil, err
	}

	entries, err := repo.Query(ctx, opts.Filter)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}

	if opts.Format == ExportFormatCSV {
		return exportToCSV(entries)
	}
	return exportToJSON(entries)
}

func exportToCSV(entries []*Entry) ([]byte, error) {
	buf := new(bytes.Buffer)
	writer := csv.NewWriter(buf)

	header := []string{
		"ID",
		"Timestamp (UTC)",
		"Actor",
		"Action",
		"Target Email",
		"Case ID",
		"Result",
		"Request",
		"Response",
		"Previous Hash",
	}
	if err := writer.Write(header); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, e := range entries {
		row := []string{
			e.ID,
			e.CreatedAt.Format(time.RFC3339),
			e.Actor,
			e.Action,
			e.TargetEmail,
			e.CaseID,
			e.Result,
			string(e.Request),
			string(e.Response),
			e.PreviousHash,
		}
		if err := writer.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("CSV writer error: %w", err)
	}
	return buf.Bytes(), nil
}

type exportEntry struct {
	ID           string          `json:"id"`
	Timestamp    string          `json:"timestamp"`
	Actor        string          `json:"actor"`
	Action       string          `json:"action"`
	TargetEmail  string          `json:"target_email,omitempty"`
	CaseID       string          `json:"case_id,omitempty"`
	Result       string          `json:"result"`
	Request      json.RawMessage `json:"request,omitempty"`
	Response     json.RawMessage `json:"response,omitempty"`
	PreviousHash string          `json:"previous_hash,omitempty"`
}

func exportToJSON(entries []*Entry) ([]byte, error) {
	out := make([]exportEntry, len(entries))
	for i, e := range entries {
		out[i] = exportEntry{
			ID:           e.ID,
			Timestamp:    e.CreatedAt.Format(time.RFC3339Nano),
			Actor:        e.Actor,
			Action:       e.Action,
			TargetEmail:  e.TargetEmail,
			CaseID:       e.CaseID,
			Result:       e.Result,
			Request:      e.Request,
			Response:     e.Response,
			PreviousHash: e.PreviousHash,
		}
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return data, nil
}
