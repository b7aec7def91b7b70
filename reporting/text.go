package reporting

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum-optimism/infra/op-dispatch/runner"
	"github.com/ethereum-optimism/infra/op-dispatch/types"
	"github.com/ethereum-optimism/infra/op-dispatch/ui"
)

const flakyBoxWidth = 72

// TextSummaryFormatter formats a run report as plain text
type TextSummaryFormatter struct {
	includeDetails bool
}

// NewTextSummaryFormatter creates a new text summary formatter.
// includeDetails adds failure messages below the failing tests.
func NewTextSummaryFormatter(includeDetails bool) *TextSummaryFormatter {
	return &TextSummaryFormatter{includeDetails: includeDetails}
}

// Format formats the last iteration of a report, followed by the flaky tests
// when the report has more than one iteration
func (f *TextSummaryFormatter) Format(report *runner.Report) (string, error) {
	result := report.Result()
	if result == nil {
		return "", fmt.Errorf("report %s has no results", report.RunID)
	}

	var buf bytes.Buffer
	buf.WriteString("Test Results Summary\n")
	buf.WriteString(strings.Repeat("=", 50) + "\n\n")

	counts := result.Counts
	fmt.Fprintf(&buf, "Run ID: %s\n", report.RunID)
	fmt.Fprintf(&buf, "Seed: %d\n", report.Seed)
	if len(report.Iterations) > 1 {
		fmt.Fprintf(&buf, "Iterations: %d\n", len(report.Iterations))
	}
	fmt.Fprintf(&buf, "Duration: %s\n", formatDuration(report.Duration))
	fmt.Fprintf(&buf, "Total Tests: %d\n", counts.Total)
	fmt.Fprintf(&buf, "Passed: %d\n", counts.Passed)
	fmt.Fprintf(&buf, "Warnings: %d\n", counts.Warnings)
	fmt.Fprintf(&buf, "Failed: %d\n", counts.Failed)
	fmt.Fprintf(&buf, "Errored: %d\n", counts.Errored)
	fmt.Fprintf(&buf, "Skipped: %d\n", counts.Skipped)
	fmt.Fprintf(&buf, "Inconclusive: %d\n", counts.Inconclusive)
	fmt.Fprintf(&buf, "Cancelled: %d\n", counts.Cancelled)
	fmt.Fprintf(&buf, "Pass Rate: %.1f%%\n", counts.PassRate())
	fmt.Fprintf(&buf, "Status: %s\n\n", statusLabel(report.Status))

	buf.WriteString("Test Hierarchy:\n")
	buf.WriteString(strings.Repeat("-", 30) + "\n")
	for _, v := range flatten(result) {
		f.writeNode(&buf, v)
	}

	if failed := result.FailedLeaves(); len(failed) > 0 {
		buf.WriteString("\nFailed Tests:\n")
		buf.WriteString(strings.Repeat("-", 20) + "\n")
		for _, leaf := range failed {
			fmt.Fprintf(&buf, "- %s", leaf.FullName)
			if f.includeDetails && leaf.Message != "" {
				fmt.Fprintf(&buf, " (%s)", singleLine(leaf.Message))
			}
			buf.WriteString("\n")
		}
	}

	if flaky := report.Flaky(); len(flaky) > 0 {
		buf.WriteString("\n")
		buf.WriteString(ui.BuildBoxHeader(fmt.Sprintf("Flaky tests (%d)", len(flaky)), flakyBoxWidth))
		for _, s := range flaky {
			line := fmt.Sprintf("%5.1f%%  %d/%d passed  %s", s.PassRate, s.Passes, s.Runs-s.Skips, s.Name)
			buf.WriteString(ui.BuildBoxLine(line, flakyBoxWidth))
		}
		buf.WriteString(ui.BuildBoxFooter(flakyBoxWidth))
	}

	return buf.String(), nil
}

func (f *TextSummaryFormatter) writeNode(buf *bytes.Buffer, v visit) {
	r := v.result
	line := fmt.Sprintf("%s%s %s", v.prefix, statusChar(r.Status), r.Name)
	if r.Kind == types.NodeKindTest {
		line += fmt.Sprintf(" (%s)", formatDuration(r.Duration))
	} else {
		line += fmt.Sprintf(" [%d tests, %d passed, %d failed]", r.Counts.Total, r.Counts.Passed, r.Counts.Failed+r.Counts.Errored)
	}
	buf.WriteString(line + "\n")

	if f.includeDetails && r.Kind == types.NodeKindTest && r.Message != "" && r.Status != types.TestStatusPass {
		indent := strings.Repeat(" ", len([]rune(v.prefix))+2)
		fmt.Fprintf(buf, "%s%s\n", indent, singleLine(r.Message))
	}
}

// SummarySink writes the text summary of each run to
// <baseDir>/testrun-<runID>/summary.log
type SummarySink struct {
	formatter *TextSummaryFormatter
	baseDir   string
}

// NewSummarySink creates a new summary sink
func NewSummarySink(baseDir string, includeDetails bool) *SummarySink {
	return &SummarySink{
		formatter: NewTextSummaryFormatter(includeDetails),
		baseDir:   baseDir,
	}
}

// Complete writes the summary of a finished run and returns its path
func (s *SummarySink) Complete(report *runner.Report) (string, error) {
	content, err := s.formatter.Format(report)
	if err != nil {
		return "", fmt.Errorf("failed to format text summary: %w", err)
	}

	outputDir := filepath.Join(s.baseDir, "testrun-"+report.RunID)
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output directory %s: %w", outputDir, err)
	}

	summaryFile := filepath.Join(outputDir, "summary.log")
	if err := NewFileWriter(summaryFile).Write(content); err != nil {
		return "", fmt.Errorf("failed to write summary file: %w", err)
	}
	return summaryFile, nil
}
