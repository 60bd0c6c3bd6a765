// Package ui renders dsync's terminal output.
package ui

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/jedib0t/go-pretty/v6/table"
	"golang.org/x/term"

	"github.com/platelet-app/dispatchsync/internal/replica/schema"
)

var (
	headerStyle  = lipgloss.NewStyle().Bold(true)
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))

	statusColors = map[string]lipgloss.Color{
		schema.StatusNew:        "12",
		schema.StatusActive:     "3",
		schema.StatusPickedUp:   "5",
		schema.StatusDroppedOff: "6",
		schema.StatusCompleted:  "2",
		schema.StatusCancelled:  "8",
		schema.StatusRejected:   "1",
	}
)

// IsTerminal reports whether f is an interactive terminal.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// Header renders a section title.
func Header(s string) string { return headerStyle.Render(s) }

// Success renders a confirmation line.
func Success(format string, args ...any) string {
	return successStyle.Render("✓ " + fmt.Sprintf(format, args...))
}

// Warn renders a warning line.
func Warn(format string, args ...any) string {
	return warnStyle.Render("! " + fmt.Sprintf(format, args...))
}

// Error renders an error line.
func Error(format string, args ...any) string {
	return errorStyle.Render("✗ " + fmt.Sprintf(format, args...))
}

// Muted renders secondary text.
func Muted(s string) string { return mutedStyle.Render(s) }

// Status renders a task status in its color.
func Status(s string) string {
	c, ok := statusColors[s]
	if !ok {
		return s
	}
	return lipgloss.NewStyle().Foreground(c).Render(s)
}

// NewTable returns a table writer mirroring to w.
func NewTable(w io.Writer, header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleLight)
	tw.Style().Options.SeparateRows = false
	if len(header) > 0 {
		tw.AppendHeader(table.Row(header))
	}
	return tw
}

// TaskTable prints tasks with their derived fields.
func TaskTable(w io.Writer, tasks []schema.Entity) {
	tw := NewTable(w, "ID", "Status", "Priority", "Riders", "Responsibility", "Called", "Relay")
	for _, t := range tasks {
		called := ""
		if at, ok := t.Fields.Time(schema.FieldTimeOfCall); ok {
			called = Ago(at, time.Now())
		}
		relay := ""
		if n, ok := t.Fields.Float(schema.FieldOrderInRelay); ok {
			relay = fmt.Sprintf("#%d", int(n))
		}
		riders := t.Fields.String(schema.FieldAssignedRiders)
		if t.Fields.Bool(schema.FieldDerivedStale) {
			riders += Muted(" (stale)")
		}
		tw.AppendRow(table.Row{
			ShortID(t.ID),
			Status(t.Fields.String(schema.FieldStatus)),
			t.Fields.String(schema.FieldPriority),
			riders,
			t.Fields.String(schema.FieldRiderResponsibility),
			called,
			relay,
		})
	}
	tw.Render()
}

// CountTable prints a name to count mapping, sorted by name.
func CountTable(w io.Writer, title string, counts map[string]int) {
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)

	tw := NewTable(w, title, "Count")
	total := 0
	for _, name := range names {
		tw.AppendRow(table.Row{name, counts[name]})
		total += counts[name]
	}
	tw.AppendFooter(table.Row{"Total", total})
	tw.Render()
}

// ShortID abbreviates generated ids for display.
func ShortID(id string) string {
	if len(id) == 36 && strings.Count(id, "-") == 4 {
		return id[:8]
	}
	return id
}

// Ago describes how long before now t was.
func Ago(t, now time.Time) string {
	d := now.Sub(t)
	switch {
	case d < 0:
		return "in " + span(-d)
	case d < time.Minute:
		return "just now"
	default:
		return span(d) + " ago"
	}
}

func span(d time.Duration) string {
	switch {
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}
