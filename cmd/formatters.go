package cmd

import (
	"fmt"
	"io"
	"strings"
	"time"

	"lookout/ingest"
	"lookout/pipeline"

	"github.com/fatih/color"
)

var outcomeOrder = []pipeline.Outcome{
	pipeline.OutcomeCreated,
	pipeline.OutcomeUpdated,
	pipeline.OutcomeSuppressed,
	pipeline.OutcomeRedelivered,
	pipeline.OutcomeDeadLettered,
}

// renderReplaySummary displays replay outcomes and the resulting incidents
func renderReplaySummary(w io.Writer, s *replaySummary) {
	headerColor.Fprintln(w, "REPLAY SUMMARY")
	headerColor.Fprintln(w, strings.Repeat("=", 100))
	printField(w, "Events", fmt.Sprintf("%d", s.Events))
	for _, o := range outcomeOrder {
		printField(w, formatOutcome(o), fmt.Sprintf("%d", s.Outcomes[o]))
	}
	if len(s.Failures) > 0 {
		printField(w, errorColor.Sprint("failed"), fmt.Sprintf("%d", len(s.Failures)))
	}
	fmt.Fprintln(w)

	if len(s.DeadLetters) > 0 || len(s.Failures) > 0 {
		printSection(w, "Rejected Lines")
		for _, f := range s.DeadLetters {
			fmt.Fprintf(w, "  line %-6d %-26s %s\n", f.Line, f.Reason, truncate(f.Error, 60))
		}
		for _, f := range s.Failures {
			fmt.Fprintf(w, "  line %-6d %-26s %s\n", f.Line, "error", truncate(f.Error, 60))
		}
		fmt.Fprintln(w)
	}

	if len(s.Incidents) == 0 {
		warningColor.Fprintln(w, "No incidents opened")
		return
	}

	headerColor.Fprintln(w, "INCIDENTS")
	headerColor.Fprintln(w, strings.Repeat("=", 100))
	fmt.Fprintf(w, "%-10s %-16s %-20s %-22s %-10s %-6s %-20s\n",
		"ID", "Ship", "Service/Device", "Type", "Severity", "Events", "First Seen")
	fmt.Fprintln(w, strings.Repeat("-", 100))
	for _, inc := range s.Incidents {
		target := inc.Service
		if strings.Contains(inc.CorrelationKey, "|dev=") {
			target = inc.DeviceID
		}
		fmt.Fprintf(w, "%-10s %-16s %-20s %-22s %-10s %-6d %-20s\n",
			shortID(inc.IncidentID), truncate(inc.ShipID, 16), truncate(target, 20),
			truncate(inc.IncidentType, 22), inc.Severity, inc.CorrelatedEventCount, formatTime(inc.FirstSeen))
	}
	headerColor.Fprintln(w, strings.Repeat("=", 100))
}

// renderDLQTable displays a page of dead letters
func renderDLQTable(w io.Writer, events []*ingest.DLQEvent, total, page int) {
	if len(events) == 0 {
		warningColor.Fprintln(w, "No dead letters")
		return
	}

	headerColor.Fprintln(w, "DEAD LETTERS")
	headerColor.Fprintln(w, strings.Repeat("=", 100))
	fmt.Fprintf(w, "%-8s %-8s %-26s %-10s %-8s %-20s\n",
		"ID", "Source", "Reason", "Status", "Retries", "Created")
	fmt.Fprintln(w, strings.Repeat("-", 100))
	for _, ev := range events {
		fmt.Fprintf(w, "%-8d %-8s %-26s %-10s %-8d %-20s\n",
			ev.ID, ev.Source, ev.ErrorReason, ev.Status, ev.Retries, formatTime(ev.CreatedAt))
	}
	headerColor.Fprintln(w, strings.Repeat("=", 100))
	infoColor.Fprintf(w, "Page %d, %d of %d total\n", page, len(events), total)
}

// renderDLQDetails displays a single dead letter including its payload
func renderDLQDetails(w io.Writer, ev *ingest.DLQEvent) {
	printSection(w, fmt.Sprintf("Dead Letter %d", ev.ID))
	printField(w, "Status", formatDLQStatus(ev.Status))
	printField(w, "Source", ev.Source)
	printField(w, "Subject", ev.Subject)
	printField(w, "Content Type", ev.ContentType)
	printField(w, "Reason", ev.ErrorReason)
	printField(w, "Details", ev.ErrorDetails)
	printField(w, "Retries", fmt.Sprintf("%d", ev.Retries))
	printField(w, "Created", formatTime(ev.CreatedAt))
	fmt.Fprintln(w)
	printSection(w, "Payload")
	fmt.Fprintf(w, "  %s\n", truncate(string(ev.RawEvent), 2000))
}

// printSection prints a section header
func printSection(w io.Writer, title string) {
	headerColor.Fprintf(w, "  %s\n", title)
	headerColor.Fprintln(w, "  "+strings.Repeat("─", len(title)))
}

// printField prints a key-value field
func printField(w io.Writer, key, value string) {
	if value == "" {
		value = "(not set)"
	}
	fmt.Fprintf(w, "  %-25s %s\n", key+":", value)
}

func formatOutcome(o pipeline.Outcome) string {
	switch o {
	case pipeline.OutcomeCreated:
		return color.New(color.FgGreen).Sprint(o)
	case pipeline.OutcomeSuppressed, pipeline.OutcomeRedelivered:
		return color.New(color.FgYellow).Sprint(o)
	case pipeline.OutcomeDeadLettered:
		return color.New(color.FgRed).Sprint(o)
	default:
		return string(o)
	}
}

func formatDLQStatus(status string) string {
	switch status {
	case ingest.DLQStatusPending:
		return color.New(color.FgYellow).Sprint(status)
	case ingest.DLQStatusReplayed:
		return color.New(color.FgGreen).Sprint(status)
	default:
		return status
	}
}

// formatTime formats a timestamp
func formatTime(t time.Time) string {
	if t.IsZero() {
		return "Never"
	}
	return t.UTC().Format("2006-01-02 15:04:05")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
