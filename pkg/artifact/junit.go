package artifact

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ormasoftchile/gantry/pkg/ledger"
)

// maxCaseText bounds the failure message and output kept per case.
const maxCaseText = 4096

// TestCase is one test case of a report.
type TestCase struct {
	ClassName string  `xml:"classname,attr"`
	Name      string  `xml:"name,attr"`
	Time      float64 `xml:"time,attr"`
	Failure   *struct {
		Message string `xml:"message,attr"`
		Text    string `xml:",chardata"`
	} `xml:"failure"`
	Error *struct {
		Message string `xml:"message,attr"`
		Text    string `xml:",chardata"`
	} `xml:"error"`
	Skipped   *struct{} `xml:"skipped"`
	SystemOut string    `xml:"system-out"`
}

// TestSuite is one suite of a report. Counts missing from the document
// are derived from the cases.
type TestSuite struct {
	Name     string      `xml:"name,attr"`
	Tests    int         `xml:"tests,attr"`
	Failures int         `xml:"failures,attr"`
	Errors   int         `xml:"errors,attr"`
	Skipped  int         `xml:"skipped,attr"`
	Time     float64     `xml:"time,attr"`
	Cases    []TestCase  `xml:"testcase"`
	Suites   []TestSuite `xml:"testsuite"`
}

// TestReport is a parsed JUnit-style document.
type TestReport struct {
	Path   string
	Suites []TestSuite
}

// result returns the ledger record of a failed or erroring case, false
// for passing and skipped ones.
func (c TestCase) result(report, suite string) (ledger.TestCaseResult, bool) {
	res := ledger.TestCaseResult{
		Report:   report,
		Class:    c.ClassName,
		Name:     c.Name,
		Duration: time.Duration(c.Time * float64(time.Second)),
		Output:   clipTail(strings.TrimSpace(c.SystemOut), maxCaseText),
	}
	if res.Class == "" {
		res.Class = suite
	}
	var msg, text string
	switch {
	case c.Failure != nil:
		res.Outcome = ledger.CaseFailed
		msg, text = c.Failure.Message, c.Failure.Text
	case c.Error != nil:
		res.Outcome = ledger.CaseError
		msg, text = c.Error.Message, c.Error.Text
	default:
		return res, false
	}
	if msg == "" {
		msg = strings.TrimSpace(text)
	}
	res.Message = clipTail(msg, maxCaseText)
	return res, true
}

// clipTail keeps the last n bytes of s without splitting a rune.
func clipTail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	i := len(s) - n
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return "…" + s[i:]
}

// Summary folds the report into ledger counts and keeps its failed and
// erroring cases.
func (r *TestReport) Summary() ledger.TestSummary {
	sum := ledger.TestSummary{Reports: 1}
	var fold func(s TestSuite)
	fold = func(s TestSuite) {
		if len(s.Suites) > 0 && len(s.Cases) == 0 {
			for _, child := range s.Suites {
				fold(child)
			}
			return
		}
		var failures, errs, skipped int
		for _, c := range s.Cases {
			if res, ok := c.result(r.Path, s.Name); ok {
				sum.Cases = append(sum.Cases, res)
			}
			switch {
			case c.Failure != nil:
				failures++
			case c.Error != nil:
				errs++
			case c.Skipped != nil:
				skipped++
			}
		}
		tests := max(s.Tests, len(s.Cases))
		sum.Tests += tests
		sum.Failures += max(s.Failures, failures)
		sum.Errors += max(s.Errors, errs)
		sum.Skipped += max(s.Skipped, skipped)
	}
	for _, s := range r.Suites {
		fold(s)
	}
	return sum
}

// ParseTestReport decodes a document rooted at <testsuites> or
// <testsuite>.
func ParseTestReport(data []byte) (*TestReport, error) {
	var root struct {
		XMLName xml.Name
		TestSuite
	}
	if err := xml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("parse test report: %w", err)
	}
	switch root.XMLName.Local {
	case "testsuites":
		return &TestReport{Suites: root.Suites}, nil
	case "testsuite":
		return &TestReport{Suites: []TestSuite{root.TestSuite}}, nil
	default:
		return nil, fmt.Errorf("parse test report: unexpected root element <%s>", root.XMLName.Local)
	}
}

// IngestTestReports parses every report matching pattern under workspace
// and folds them into one summary, failed and erroring cases included.
func IngestTestReports(workspace, pattern string, allowEmpty bool) (ledger.TestSummary, error) {
	var total ledger.TestSummary
	matches, err := Match(workspace, pattern)
	if err != nil {
		return total, err
	}
	if len(matches) == 0 && !allowEmpty {
		return total, fmt.Errorf("test report %q: %w", pattern, ErrNoMatch)
	}
	for _, rel := range matches {
		data, err := os.ReadFile(filepath.Join(workspace, filepath.FromSlash(rel)))
		if err != nil {
			return total, err
		}
		rep, err := ParseTestReport(data)
		if err != nil {
			return total, fmt.Errorf("%s: %w", rel, err)
		}
		rep.Path = rel
		s := rep.Summary()
		total.Reports += s.Reports
		total.Tests += s.Tests
		total.Failures += s.Failures
		total.Errors += s.Errors
		total.Skipped += s.Skipped
		total.Cases = append(total.Cases, s.Cases...)
	}
	return total, nil
}
