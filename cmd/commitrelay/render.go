package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"commitrelay/internal/delivery"
	"commitrelay/internal/health"
	"commitrelay/internal/journal"
	"commitrelay/internal/queue"
	"commitrelay/internal/statusapi"
)

const maxErrorWidth = 60

func newTable(w io.Writer) table.Writer {
	tbl := table.NewWriter()
	tbl.SetOutputMirror(w)
	tbl.SetStyle(table.StyleLight)
	tbl.Style().Options.SeparateRows = false
	tbl.Style().Format.Footer = text.FormatDefault
	return tbl
}

func stateColor(state delivery.ConnectionState) *color.Color {
	switch state {
	case delivery.StateConnected:
		return color.New(color.FgGreen)
	case delivery.StateConnecting:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgRed)
	}
}

func statusColor(s health.Status) *color.Color {
	switch s {
	case health.StatusHealthy:
		return color.New(color.FgGreen)
	case health.StatusDegraded:
		return color.New(color.FgYellow)
	case health.StatusUnhealthy:
		return color.New(color.FgRed)
	default:
		return color.New(color.FgHiBlack)
	}
}

// ago renders t relative to now, or "never" for the zero time.
func ago(t, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return humanize.RelTime(t, now, "ago", "from now")
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(strings.ReplaceAll(s, "\n", " "))
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func renderStatus(w io.Writer, s *statusapi.StatusResponse, now time.Time) {
	conn := s.Pipeline.Connection

	fmt.Fprintf(w, "commitrelay %s\n\n", s.Version)
	fmt.Fprintf(w, "Connection:   %s", stateColor(conn.State).Sprint(conn.State))
	if conn.ConsecutiveFailures > 0 {
		fmt.Fprintf(w, " (%d consecutive failures)", conn.ConsecutiveFailures)
	}
	fmt.Fprintf(w, "\nLast success: %s\n", ago(conn.LastSuccess, now))

	draining := ""
	if s.Pipeline.Draining {
		draining = " (draining)"
	}
	fmt.Fprintf(w, "Queue:        %s item(s)%s\n", humanize.Comma(int64(s.Pipeline.QueueDepth)), draining)

	if s.Health != nil {
		fmt.Fprintf(w, "Health:       %s (up %s)\n\n", statusColor(s.Health.Status).Sprint(s.Health.Status), s.Health.Uptime)
		renderComponents(w, s.Health.Components)
	}

	fmt.Fprintln(w)
	renderWatchers(w, s)
}

func renderComponents(w io.Writer, components map[string]health.CheckResult) {
	names := make([]string, 0, len(components))
	for name := range components {
		names = append(names, name)
	}
	sort.Strings(names)

	tbl := newTable(w)
	tbl.AppendHeader(table.Row{"Component", "Status", "Message"})
	for _, name := range names {
		r := components[name]
		msg := r.Message
		if r.Error != "" {
			msg += ": " + r.Error
		}
		tbl.AppendRow(table.Row{name, statusColor(r.Status).Sprint(r.Status), truncate(msg, maxErrorWidth)})
	}
	tbl.Render()
}

func renderWatchers(w io.Writer, s *statusapi.StatusResponse) {
	tbl := newTable(w)
	tbl.AppendHeader(table.Row{"Project", "Path", "Watching", "Baseline", "Error"})

	running := 0
	for _, ws := range s.Pipeline.Watchers {
		watching := color.New(color.FgRed).Sprint("no")
		if ws.Running {
			watching = color.New(color.FgGreen).Sprint("yes")
			running++
		}
		baseline := ws.Baseline
		if len(baseline) > 7 {
			baseline = baseline[:7]
		}
		tbl.AppendRow(table.Row{ws.Project.Name, ws.Project.Path, watching, baseline, truncate(ws.Error, maxErrorWidth)})
	}

	tbl.AppendFooter(table.Row{fmt.Sprintf("Total: %d watching of %d", running, len(s.Pipeline.Watchers))})
	tbl.Render()
}

func renderQueue(w io.Writer, items []queue.Item, now time.Time) {
	if len(items) == 0 {
		fmt.Fprintln(w, "Retry queue is empty.")
		return
	}

	tbl := newTable(w)
	tbl.AppendHeader(table.Row{"ID", "Project", "Commits", "Head", "Attempts", "Queued", "Last error"})

	commits := 0
	for _, item := range items {
		head := item.Payload.HeadSHA()
		if len(head) > 7 {
			head = head[:7]
		}
		project := item.Payload.ProjectName
		if project == "" {
			project = item.Payload.ProjectID
		}
		commits += len(item.Payload.Commits)

		tbl.AppendRow(table.Row{
			shortID(item.ID),
			project,
			len(item.Payload.Commits),
			head,
			item.Attempts,
			ago(item.CreatedAt, now),
			truncate(item.Error, maxErrorWidth),
		})
	}

	tbl.AppendFooter(table.Row{fmt.Sprintf("Total: %s items, %s commits",
		humanize.Comma(int64(len(items))), humanize.Comma(int64(commits)))})
	tbl.Render()
}

func renderJournal(w io.Writer, resp *statusapi.JournalResponse, now time.Time) {
	outcomes := []journal.Outcome{
		journal.OutcomeDelivered,
		journal.OutcomeQueued,
		journal.OutcomeEvicted,
		journal.OutcomeDropped,
	}
	parts := make([]string, 0, len(outcomes))
	for _, o := range outcomes {
		parts = append(parts, fmt.Sprintf("%s %s", o, humanize.Comma(int64(resp.Counts[o]))))
	}
	fmt.Fprintf(w, "%s\n\n", strings.Join(parts, ", "))

	if len(resp.Entries) == 0 {
		fmt.Fprintln(w, "No journal entries.")
		return
	}

	tbl := newTable(w)
	tbl.AppendHeader(table.Row{"When", "Project", "Outcome", "Commits", "Head", "Detail"})
	for _, e := range resp.Entries {
		head := e.HeadSHA
		if len(head) > 7 {
			head = head[:7]
		}
		project := e.ProjectName
		if project == "" {
			project = e.ProjectID
		}
		tbl.AppendRow(table.Row{
			ago(e.CreatedAt, now),
			project,
			outcomeColor(e.Outcome).Sprint(e.Outcome),
			e.CommitCount,
			head,
			truncate(e.Detail, maxErrorWidth),
		})
	}
	tbl.Render()
}

func outcomeColor(o journal.Outcome) *color.Color {
	switch o {
	case journal.OutcomeDelivered:
		return color.New(color.FgGreen)
	case journal.OutcomeQueued:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgRed)
	}
}
