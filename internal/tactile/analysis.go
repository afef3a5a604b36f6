package tactile

import (
	"regexp"
	"strconv"
	"strings"
)

// OutputAnalyzer extracts structured information from command output.
type OutputAnalyzer struct{}

// NewOutputAnalyzer creates a new output analyzer.
func NewOutputAnalyzer() *OutputAnalyzer {
	return &OutputAnalyzer{}
}

var (
	unittestRanPattern    = regexp.MustCompile(`^Ran (\d+) tests? in`)
	unittestFailedPattern = regexp.MustCompile(`^FAILED \((.*)\)`)
	unittestOKPattern     = regexp.MustCompile(`^OK(?: \((.*)\))?$`)
	unittestCasePattern   = regexp.MustCompile(`^(?:FAIL|ERROR): (\S+) \(([^)]+)\)`)
	pytestSummaryPattern  = regexp.MustCompile(`(\d+) (passed|failed|skipped|error|errors|deselected|xfailed|xpassed)`)
	pytestFailedPattern   = regexp.MustCompile(`^(?:FAILED|ERROR) (\S+)`)
	pytestDurationPattern = regexp.MustCompile(` in [\d.]+s`)
)

// AnalyzeTestOutput extracts results from Django unittest or pytest output.
func (a *OutputAnalyzer) AnalyzeTestOutput(output string) TestAnalysis {
	analysis := TestAnalysis{
		RawOutput: output,
	}

	ran := -1
	for _, raw := range strings.Split(output, "\n") {
		line := strings.TrimSpace(raw)

		if m := unittestRanPattern.FindStringSubmatch(line); m != nil {
			analysis.Framework = "unittest"
			ran, _ = strconv.Atoi(m[1])
			continue
		}
		if m := unittestCasePattern.FindStringSubmatch(line); m != nil {
			analysis.FailedTests = append(analysis.FailedTests, m[2]+"."+m[1])
			continue
		}
		if m := unittestFailedPattern.FindStringSubmatch(line); m != nil {
			analysis.OverallPass = false
			a.applyUnittestCounts(&analysis, m[1])
			continue
		}
		if m := unittestOKPattern.FindStringSubmatch(line); m != nil {
			analysis.OverallPass = true
			if len(m) > 1 {
				a.applyUnittestCounts(&analysis, m[1])
			}
			continue
		}

		if m := pytestFailedPattern.FindStringSubmatch(line); m != nil && strings.Contains(m[1], "::") {
			analysis.FailedTests = append(analysis.FailedTests, m[1])
			continue
		}
		if strings.HasPrefix(line, "=") && pytestDurationPattern.MatchString(line) {
			analysis.Framework = "pytest"
			for _, m := range pytestSummaryPattern.FindAllStringSubmatch(line, -1) {
				n, _ := strconv.Atoi(m[1])
				switch m[2] {
				case "passed", "xpassed":
					analysis.Passed += n
				case "failed":
					analysis.Failed += n
				case "error", "errors":
					analysis.Errors += n
				case "skipped", "xfailed", "deselected":
					analysis.Skipped += n
				}
			}
			analysis.OverallPass = analysis.Failed == 0 && analysis.Errors == 0
		}
	}

	if analysis.Framework == "unittest" && ran >= 0 {
		analysis.Total = ran
		analysis.Passed = ran - analysis.Failed - analysis.Errors - analysis.Skipped
		if analysis.Passed < 0 {
			analysis.Passed = 0
		}
	} else {
		analysis.Total = analysis.Passed + analysis.Failed + analysis.Errors + analysis.Skipped
	}
	return analysis
}

// applyUnittestCounts parses "failures=1, errors=2, skipped=3".
func (a *OutputAnalyzer) applyUnittestCounts(analysis *TestAnalysis, counts string) {
	for _, part := range strings.Split(counts, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(value)
		if err != nil {
			continue
		}
		switch key {
		case "failures":
			analysis.Failed = n
		case "errors":
			analysis.Errors = n
		case "skipped", "expected failures":
			analysis.Skipped += n
		}
	}
}

// TestAnalysis contains extracted test information.
type TestAnalysis struct {
	Framework   string   `json:"framework,omitempty"`
	Passed      int      `json:"passed"`
	Failed      int      `json:"failed"`
	Errors      int      `json:"errors"`
	Skipped     int      `json:"skipped"`
	Total       int      `json:"total"`
	OverallPass bool     `json:"overall_pass"`
	FailedTests []string `json:"failed_tests,omitempty"`
	RawOutput   string   `json:"-"`
}

// Recognized reports whether any test summary was found.
func (t TestAnalysis) Recognized() bool {
	return t.Framework != ""
}

var (
	mypyDiagnosticPattern = regexp.MustCompile(`^(.+\.pyi?):(\d+)(?::(\d+))?: (error|warning|note): (.*)$`)
	mypySummaryPattern    = regexp.MustCompile(`^Found (\d+) errors? in (\d+) files?`)
)

// AnalyzeTypeCheckOutput extracts mypy diagnostics.
func (a *OutputAnalyzer) AnalyzeTypeCheckOutput(output string) BuildAnalysis {
	analysis := BuildAnalysis{
		RawOutput:   output,
		Diagnostics: make([]Diagnostic, 0),
	}

	reported := -1
	for _, raw := range strings.Split(output, "\n") {
		line := strings.TrimSpace(raw)

		if m := mypyDiagnosticPattern.FindStringSubmatch(line); m != nil {
			lineNum, _ := strconv.Atoi(m[2])
			colNum, _ := strconv.Atoi(m[3])
			d := Diagnostic{
				File:     m[1],
				Line:     lineNum,
				Column:   colNum,
				Severity: m[4],
				Message:  strings.TrimSpace(m[5]),
			}
			analysis.Diagnostics = append(analysis.Diagnostics, d)
			switch d.Severity {
			case "error":
				analysis.Errors++
			case "warning":
				analysis.Warnings++
			}
			continue
		}
		if m := mypySummaryPattern.FindStringSubmatch(line); m != nil {
			reported, _ = strconv.Atoi(m[1])
		}
	}

	if reported > analysis.Errors {
		analysis.Errors = reported
	}
	analysis.Success = analysis.Errors == 0
	return analysis
}

// BuildAnalysis contains extracted type-check information.
type BuildAnalysis struct {
	Success     bool         `json:"success"`
	Errors      int          `json:"errors"`
	Warnings    int          `json:"warnings"`
	Diagnostics []Diagnostic `json:"diagnostics,omitempty"`
	RawOutput   string       `json:"-"`
}

// Diagnostic represents a single type-check error, warning or note.
type Diagnostic struct {
	File     string `json:"file"`
	Line     int    `json:"line"`
	Column   int    `json:"column"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}
