package report

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"github.com/ormasoftchile/gantry/pkg/ledger"
)

var (
	colorGreen  = lipgloss.Color("42")
	colorRed    = lipgloss.Color("196")
	colorYellow = lipgloss.Color("214")
	colorBlue   = lipgloss.Color("39")
	colorDim    = lipgloss.Color("240")

	badgeBase = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("0")).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().Bold(true)
)

func statusColor(s ledger.Status) lipgloss.Color {
	switch s {
	case ledger.StatusSucceeded:
		return colorGreen
	case ledger.StatusUnstable, ledger.StatusAwaitingApproval:
		return colorYellow
	case ledger.StatusFailed, ledger.StatusAborted:
		return colorRed
	case ledger.StatusRunning:
		return colorBlue
	}
	return colorDim
}

// Badge renders s as a coloured label such as " FAILED ".
func Badge(s ledger.Status) string {
	return badgeBase.Background(statusColor(s)).Render(strings.ToUpper(string(s)))
}

// Colored renders text in the colour of s.
func Colored(s ledger.Status, text string) string {
	return lipgloss.NewStyle().Foreground(statusColor(s)).Render(text)
}

// Summary renders the one-line verdict printed after a run.
func Summary(rec *ledger.Record) string {
	var counts = map[ledger.Status]int{}
	walkStages(rec.Root, func(s *ledger.StageResult, _ int) {
		if len(s.Children) == 0 {
			counts[s.Status]++
		}
	})
	var parts []string
	for _, st := range []ledger.Status{ledger.StatusSucceeded, ledger.StatusUnstable, ledger.StatusSkipped, ledger.StatusFailed, ledger.StatusPending} {
		if n := counts[st]; n > 0 {
			parts = append(parts, Colored(st, fmt.Sprintf("%d %s", n, st)))
		}
	}
	return fmt.Sprintf("%s %s %s in %s (%s)",
		Badge(rec.Status), rec.Pipeline, rec.RunID, duration(rec.StartedAt, rec.EndedAt), strings.Join(parts, ", "))
}

// StageTable renders the stage tree of rec as an aligned plain table.
func StageTable(rec *ledger.Record) string {
	rows := [][]string{}
	walkStages(rec.Root, func(s *ledger.StageResult, depth int) {
		rows = append(rows, []string{
			strings.Repeat("  ", depth) + Glyph(s.Status) + " " + s.Name,
			string(s.Status),
			string(s.Reason),
			duration(s.StartedAt, s.EndedAt),
		})
	})
	return Table([]string{"STAGE", "STATUS", "REASON", "DURATION"}, rows)
}

// RunTable renders stored run summaries, newest first as given.
func RunTable(runs []ledger.Summary) string {
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		rows = append(rows, []string{
			r.RunID,
			r.Pipeline,
			Glyph(r.Status) + " " + string(r.Status),
			r.StartedAt.Local().Format(time.DateTime),
			duration(r.StartedAt, r.EndedAt),
		})
	}
	return Table([]string{"RUN", "PIPELINE", "STATUS", "STARTED", "DURATION"}, rows)
}

// Table aligns rows under headers by display width, so wide glyphs and
// CJK names line up.
func Table(headers []string, rows [][]string) string {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = runewidth.StringWidth(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) {
				widths[i] = max(widths[i], runewidth.StringWidth(cell))
			}
		}
	}

	var b strings.Builder
	line := func(cells []string, style func(string) string) {
		var parts []string
		for i := range widths {
			cell := ""
			if i < len(cells) {
				cell = cells[i]
			}
			if i < len(widths)-1 {
				cell = runewidth.FillRight(cell, widths[i])
			}
			parts = append(parts, style(cell))
		}
		b.WriteString(strings.TrimRight(strings.Join(parts, "  "), " "))
		b.WriteString("\n")
	}
	line(headers, func(s string) string { return headerStyle.Render(s) })
	for _, row := range rows {
		line(row, func(s string) string { return s })
	}
	return b.String()
}

func sortedKeys(m map[string]string) []string {
	return slices.Sorted(maps.Keys(m))
}
