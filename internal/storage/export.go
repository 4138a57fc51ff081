package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// ExportMarkdown renders journal entries as a markdown table.
func ExportMarkdown(execs []Execution, stats *Stats) string {
	var b strings.Builder

	b.WriteString("# Execution history\n\n")
	if stats != nil {
		b.WriteString(fmt.Sprintf("- **Executions:** %s\n", humanize.Comma(int64(stats.Total))))
		b.WriteString(fmt.Sprintf("- **Failed:** %s\n", humanize.Comma(int64(stats.Failed))))
		b.WriteString(fmt.Sprintf("- **Average duration:** %.1f ms\n", stats.AvgDurationMS))
		b.WriteString("\n")
	}

	b.WriteString("| ID | Started | Duration | Status | Files in/out | Error |\n")
	b.WriteString("|---|---|---|---|---|---|\n")
	for _, e := range execs {
		errText := ""
		if e.ErrorType != "" {
			errText = fmt.Sprintf("`%s`: %s", e.ErrorType, escapeCell(e.ErrorMessage))
		}
		b.WriteString(fmt.Sprintf("| %s | %s | %s | %s | %d/%d | %s |\n",
			shortID(e.ID),
			e.StartedAt.Format("2006-01-02 15:04:05"),
			(time.Duration(e.DurationMS) * time.Millisecond).String(),
			e.Status(),
			e.InputFiles, e.OutputFiles,
			errText,
		))
	}

	return b.String()
}

// ExportJSON renders journal entries and stats as formatted JSON.
func ExportJSON(execs []Execution, stats *Stats) ([]byte, error) {
	if execs == nil {
		execs = []Execution{}
	}
	export := struct {
		Stats      *Stats      `json:"stats,omitempty"`
		Executions []Execution `json:"executions"`
	}{
		Stats:      stats,
		Executions: execs,
	}
	return json.MarshalIndent(export, "", "  ")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func escapeCell(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)
	return strings.ReplaceAll(s, "\n", " ")
}
