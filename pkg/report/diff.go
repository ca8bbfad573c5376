package report

import (
	"fmt"
	"strings"

	"github.com/ormasoftchile/gantry/pkg/ledger"
)

// StageDiff is the outcome of one stage path in two runs. A side where
// the stage does not exist has an empty status.
type StageDiff struct {
	Path         string
	Before       ledger.Status
	BeforeReason ledger.Reason
	After        ledger.Status
	AfterReason  ledger.Reason
}

// Changed reports whether the status or reason differs.
func (d StageDiff) Changed() bool {
	return d.Before != d.After || d.BeforeReason != d.AfterReason
}

// Diff compares two runs stage by stage, in the stage order of a
// followed by stages that exist only in b.
func Diff(a, b *ledger.Record) []StageDiff {
	var out []StageDiff
	index := map[string]int{}
	walkStages(a.Root, func(s *ledger.StageResult, _ int) {
		index[s.Path] = len(out)
		out = append(out, StageDiff{Path: s.Path, Before: s.Status, BeforeReason: s.Reason})
	})
	walkStages(b.Root, func(s *ledger.StageResult, _ int) {
		i, ok := index[s.Path]
		if !ok {
			out = append(out, StageDiff{Path: s.Path})
			i = len(out) - 1
		}
		out[i].After, out[i].AfterReason = s.Status, s.Reason
	})
	return out
}

// DiffTable renders diffs with = for unchanged and ≠ for changed stages
// and a closing tally line.
func DiffTable(a, b *ledger.Record, diffs []StageDiff) string {
	rows := make([][]string, 0, len(diffs))
	changed := 0
	for _, d := range diffs {
		icon := "="
		if d.Changed() {
			icon = "≠"
			changed++
		}
		rows = append(rows, []string{icon, d.Path, outcome(d.Before, d.BeforeReason), outcome(d.After, d.AfterReason)})
	}
	var sb strings.Builder
	sb.WriteString(Table([]string{"", "STAGE", a.RunID, b.RunID}, rows))
	fmt.Fprintf(&sb, "\n%d same, %d changed\n", len(diffs)-changed, changed)
	return sb.String()
}

func outcome(s ledger.Status, r ledger.Reason) string {
	if s == "" {
		return "-"
	}
	out := Glyph(s) + " " + string(s)
	if r != "" {
		out += " (" + string(r) + ")"
	}
	return out
}
