package artifact

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/ormasoftchile/gantry/pkg/ledger"
)

// Severity ranks, lowest first. "none" never blocks.
var severities = []string{"info", "low", "medium", "high", "critical"}

// SeverityRank returns the rank of sev, or -1 when it is not known.
func SeverityRank(sev string) int {
	return slices.Index(severities, strings.ToLower(sev))
}

// Finding is one security scan finding.
type Finding struct {
	RuleID   string `json:"ruleId"`
	Severity string `json:"severity"`
	Message  string `json:"message,omitempty"`
	Location string `json:"location,omitempty"`
}

// ScanReport is a security scan result document.
type ScanReport struct {
	Tool     string    `json:"tool"`
	Findings []Finding `json:"findings"`
}

// ParseScanReport decodes a scan report. Findings without a rule
// identifier are rejected.
func ParseScanReport(data []byte) (*ScanReport, error) {
	var rep ScanReport
	if err := json.Unmarshal(data, &rep); err != nil {
		return nil, fmt.Errorf("parse scan report: %w", err)
	}
	if rep.Tool == "" {
		return nil, fmt.Errorf("parse scan report: missing tool")
	}
	for i, f := range rep.Findings {
		if f.RuleID == "" {
			return nil, fmt.Errorf("parse scan report: finding %d has no ruleId", i)
		}
	}
	return &rep, nil
}

// Blocking returns the findings at or above failOn. An empty failOn
// means "high"; "none" blocks nothing. Unknown finding severities block.
func (r *ScanReport) Blocking(failOn string) []Finding {
	if failOn == "" {
		failOn = "high"
	}
	if failOn == "none" {
		return nil
	}
	threshold := SeverityRank(failOn)
	var out []Finding
	for _, f := range r.Findings {
		rank := SeverityRank(f.Severity)
		if rank < 0 || rank >= threshold {
			out = append(out, f)
		}
	}
	return out
}

// IngestScanReports parses every scan report matching pattern and folds
// them into one summary that lists the blocking findings. Zero matches
// is an error.
func IngestScanReports(workspace, pattern, failOn string) (ledger.ScanSummary, error) {
	var total ledger.ScanSummary
	matches, err := Match(workspace, pattern)
	if err != nil {
		return total, err
	}
	if len(matches) == 0 {
		return total, fmt.Errorf("scan report %q: %w", pattern, ErrNoMatch)
	}
	for _, rel := range matches {
		data, err := os.ReadFile(filepath.Join(workspace, filepath.FromSlash(rel)))
		if err != nil {
			return total, err
		}
		rep, err := ParseScanReport(data)
		if err != nil {
			return total, fmt.Errorf("%s: %w", rel, err)
		}
		if !slices.Contains(total.Tools, rep.Tool) {
			total.Tools = append(total.Tools, rep.Tool)
		}
		total.Findings += len(rep.Findings)
		for _, f := range rep.Blocking(failOn) {
			total.Blocking++
			total.Blockers = append(total.Blockers, ledger.FindingRecord{
				Tool:     rep.Tool,
				RuleID:   f.RuleID,
				Severity: f.Severity,
				Message:  f.Message,
				Location: f.Location,
			})
		}
	}
	return total, nil
}
