package presentation

import (
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// Formatter handles output formatting
type Formatter struct {
	writer io.Writer
}

// NewFormatter creates a new formatter
func NewFormatter(writer io.Writer) *Formatter {
	return &Formatter{
		writer: writer,
	}
}

// FormatJSON writes the process record as indented JSON
func (f *Formatter) FormatJSON(dto ProcessDTO) error {
	encoder := json.NewEncoder(f.writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(dto)
}

// FormatText writes a human-readable process summary with the journal as a
// timeline.
func (f *Formatter) FormatText(dto ProcessDTO) error {
	fmt.Fprintf(f.writer, "process   %s\n", dto.ID)
	fmt.Fprintf(f.writer, "state     %s\n", dto.State)
	fmt.Fprintf(f.writer, "endpoint  %s\n", dto.Endpoint)
	fmt.Fprintf(f.writer, "bpn       %s\n", dto.BPN)
	fmt.Fprintf(f.writer, "created   %s\n", formatMillis(dto.Created))
	fmt.Fprintf(f.writer, "modified  %s\n", formatMillis(dto.Modified))

	if len(dto.Jobs) > 0 {
		fmt.Fprintln(f.writer, "jobs:")
		for _, job := range dto.Jobs {
			fmt.Fprintf(f.writer, "  %-40s %s\n", job.SearchID, job.Status)
		}
	}

	if len(dto.Journal) == 0 {
		fmt.Fprintln(f.writer, "no journal entries")
		return nil
	}
	fmt.Fprintln(f.writer, "journal:")
	for _, step := range dto.Journal {
		fmt.Fprintf(f.writer, "  %-45s %-10s %s\n", step.Step, step.Status, formatMillis(step.Updated))
	}
	return nil
}

func formatMillis(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}
