package operations

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	json "github.com/goccy/go-json"

	"github.com/kebairia/drbackup/internal/record"
)

// WriteRecordsJSON writes records as an indented JSON array.
func WriteRecordsJSON(w io.Writer, records []*record.Record) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(records); err != nil {
		return fmt.Errorf("encode backup records: %w", err)
	}
	return nil
}

// WriteRecordsTable writes one aligned line per record.
func WriteRecordsTable(w io.Writer, records []*record.Record) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tSTATUS\tTRIGGER\tSTARTED\tSIZE\tBASE")
	for _, r := range records {
		base := r.BaseBackupID
		if base == "" {
			base = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.Type, r.Status, r.Trigger,
			r.StartTime.UTC().Format(time.RFC3339), humanSize(r.SizeBytes), base)
	}
	return tw.Flush()
}

// WriteEventsTable writes audit events, newest first.
func WriteEventsTable(w io.Writer, events []record.Event) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tEVENT\tPAYLOAD")
	for _, e := range events {
		payload, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("encode event %s: %w", e.ID, err)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", e.Timestamp.UTC().Format(time.RFC3339), e.Name, payload)
	}
	return tw.Flush()
}

func humanSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
