// Package report renders sealed run ledgers for people: Markdown for
// files and chat, styled terminal output via glamour, and aligned plain
// tables for run listings.
package report

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"

	"github.com/ormasoftchile/gantry/pkg/ledger"
)

// Status glyphs, so meaning survives without colour.
const (
	GlyphPending   = "○"
	GlyphRunning   = "▸"
	GlyphWaiting   = "⏸"
	GlyphSucceeded = "✓"
	GlyphUnstable  = "!"
	GlyphSkipped   = "⏭"
	GlyphFailed    = "✗"
	GlyphAborted   = "■"
)

// Glyph returns the glyph for s.
func Glyph(s ledger.Status) string {
	switch s {
	case ledger.StatusRunning:
		return GlyphRunning
	case ledger.StatusAwaitingApproval:
		return GlyphWaiting
	case ledger.StatusSucceeded:
		return GlyphSucceeded
	case ledger.StatusUnstable:
		return GlyphUnstable
	case ledger.StatusSkipped:
		return GlyphSkipped
	case ledger.StatusFailed:
		return GlyphFailed
	case ledger.StatusAborted:
		return GlyphAborted
	}
	return GlyphPending
}

// Markdown renders rec as a Markdown document.
func Markdown(rec *ledger.Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Run %s: %s\n\n", rec.RunID, rec.Pipeline)

	facts := []string{
		fmt.Sprintf("**Status:** %s %s", Glyph(rec.Status), strings.ToUpper(string(rec.Status))),
		fmt.Sprintf("**Duration:** %s", duration(rec.StartedAt, rec.EndedAt)),
	}
	if c := rec.Context; c.Branch != "" {
		facts = append(facts, "**Branch:** "+c.Branch)
	}
	if c := rec.Context; c.Tag != "" {
		facts = append(facts, "**Tag:** "+c.Tag)
	}
	if rec.Context.BuildNumber > 0 {
		facts = append(facts, fmt.Sprintf("**Build:** %d", rec.Context.BuildNumber))
	}
	if rec.Context.DryRun {
		facts = append(facts, "**Dry run**")
	}
	b.WriteString(strings.Join(facts, " · "))
	b.WriteString("\n\n")

	if len(rec.Context.Params) > 0 {
		b.WriteString("## Parameters\n\n")
		for _, k := range sortedKeys(rec.Context.Params) {
			fmt.Fprintf(&b, "- `%s` = `%s`\n", k, rec.Context.Params[k])
		}
		b.WriteString("\n")
	}

	b.WriteString("## Stages\n\n")
	b.WriteString("| Stage | Status | Reason | Duration | Steps |\n")
	b.WriteString("|---|---|---|---|---|\n")
	walkStages(rec.Root, func(s *ledger.StageResult, depth int) {
		name := strings.Repeat("&nbsp;&nbsp;", depth) + escapeCell(s.Name)
		if s.Parallel {
			name += " ⫴"
		}
		fmt.Fprintf(&b, "| %s | %s %s | %s | %s | %d |\n",
			name, Glyph(s.Status), s.Status, s.Reason, duration(s.StartedAt, s.EndedAt), len(s.Steps))
	})
	b.WriteString("\n")

	writeFailures(&b, rec.Root)
	writeReports(&b, rec.Root)

	if len(rec.Artifacts) > 0 {
		b.WriteString("## Artifacts\n\n")
		for _, a := range rec.Artifacts {
			line := fmt.Sprintf("- `%s` (%s, %d bytes, %s)", a.StoredAt, a.Stage, a.Size, a.Retention)
			if a.Fingerprint != "" {
				line += " " + a.Fingerprint
			}
			if a.Remote != "" {
				line += " → " + a.Remote
			}
			b.WriteString(line + "\n")
		}
		b.WriteString("\n")
	}

	var notes []string
	notes = append(notes, rec.Notes...)
	walkStages(rec.Root, func(s *ledger.StageResult, _ int) {
		for _, n := range s.Notes {
			notes = append(notes, fmt.Sprintf("**%s:** %s", s.Path, n))
		}
	})
	if len(notes) > 0 {
		b.WriteString("## Notes\n\n")
		for _, n := range notes {
			b.WriteString("- " + n + "\n")
		}
		b.WriteString("\n")
	}

	c := rec.Cleanup
	fmt.Fprintf(&b, "## Cleanup\n\n%s", c.Status)
	if c.Strategy != "" {
		fmt.Fprintf(&b, " (%s)", c.Strategy)
	}
	b.WriteString("\n")
	if c.LogBundle != "" {
		fmt.Fprintf(&b, "\n- logs: `%s`\n", c.LogBundle)
	}
	if len(c.Pruned) > 0 {
		fmt.Fprintf(&b, "- pruned runs: %s\n", strings.Join(c.Pruned, ", "))
	}
	for _, e := range c.Errors {
		fmt.Fprintf(&b, "- error: %s\n", e)
	}
	return b.String()
}

func writeFailures(b *strings.Builder, root *ledger.StageResult) {
	var lines []string
	walkStages(root, func(s *ledger.StageResult, _ int) {
		for _, st := range slices.Concat(s.Steps, s.Post) {
			if st.Status != ledger.StatusFailed {
				continue
			}
			line := fmt.Sprintf("- **%s** › %s: %s", s.Path, st.Name, st.Reason)
			if st.Post != "" {
				line += " (post " + st.Post + ")"
			}
			if st.Error != "" {
				line += " `" + strings.ReplaceAll(st.Error, "`", "'") + "`"
			}
			if st.LogRef != "" {
				line += " log: `" + st.LogRef + "`"
			}
			lines = append(lines, line)
		}
	})
	if len(lines) == 0 {
		return
	}
	b.WriteString("## Failed steps\n\n")
	b.WriteString(strings.Join(lines, "\n"))
	b.WriteString("\n\n")
}

func writeReports(b *strings.Builder, root *ledger.StageResult) {
	var lines []string
	walkStages(root, func(s *ledger.StageResult, _ int) {
		if t := s.Tests; t != nil {
			lines = append(lines, fmt.Sprintf("- **%s** tests: %d run, %d failed, %d errors, %d skipped (%d reports)",
				s.Path, t.Tests, t.Failures, t.Errors, t.Skipped, t.Reports))
			for _, c := range t.Cases {
				line := fmt.Sprintf("  - ✗ %s", c.ID())
				if c.Outcome == ledger.CaseError {
					line += " (error)"
				}
				if c.Message != "" {
					line += ": " + firstLine(c.Message)
				}
				lines = append(lines, line+" `"+c.Report+"`")
			}
		}
		if sc := s.Scan; sc != nil {
			lines = append(lines, fmt.Sprintf("- **%s** scan (%s): %d findings, %d blocking",
				s.Path, strings.Join(sc.Tools, ", "), sc.Findings, sc.Blocking))
			for _, f := range sc.Blockers {
				line := fmt.Sprintf("  - [%s] %s (%s)", strings.ToUpper(f.Severity), f.RuleID, f.Tool)
				if f.Location != "" {
					line += " at `" + f.Location + "`"
				}
				if f.Message != "" {
					line += ": " + firstLine(f.Message)
				}
				lines = append(lines, line)
			}
		}
	})
	if len(lines) == 0 {
		return
	}
	b.WriteString("## Reports\n\n")
	b.WriteString(strings.Join(lines, "\n"))
	b.WriteString("\n\n")
}

// walkStages visits every stage below root in document order with its
// depth, root excluded.
func walkStages(root *ledger.StageResult, fn func(s *ledger.StageResult, depth int)) {
	if root == nil {
		return
	}
	var visit func(s *ledger.StageResult, depth int)
	visit = func(s *ledger.StageResult, depth int) {
		fn(s, depth)
		for _, c := range s.Children {
			visit(c, depth+1)
		}
	}
	for _, c := range root.Children {
		visit(c, 0)
	}
}

func duration(start, end time.Time) string {
	if start.IsZero() || end.IsZero() {
		return "-"
	}
	d := end.Sub(start)
	switch {
	case d < time.Millisecond:
		return d.String()
	case d < time.Second:
		return d.Round(time.Millisecond).String()
	}
	return d.Round(100 * time.Millisecond).String()
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}

func escapeCell(s string) string {
	return strings.ReplaceAll(s, "|", `\|`)
}

// Render renders rec for a terminal of the given width (zero means no
// wrapping). It falls back to plain Markdown when styling fails.
func Render(rec *ledger.Record, width int) string {
	md := Markdown(rec)
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return md
	}
	out, err := r.Render(md)
	if err != nil {
		return md
	}
	return strings.TrimRight(out, "\n") + "\n"
}
