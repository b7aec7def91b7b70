package reporting

import (
	"bytes"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/ethereum-optimism/infra/op-dispatch/types"
)

// TableFormatter renders a result tree as an ASCII table
type TableFormatter struct {
	title     string
	showTests bool
}

// NewTableFormatter creates a new table formatter. Suites are always shown;
// showTests adds a row per test.
func NewTableFormatter(title string, showTests bool) *TableFormatter {
	return &TableFormatter{
		title:     title,
		showTests: showTests,
	}
}

// Format formats a result tree as a table
func (f *TableFormatter) Format(result *types.Result) (string, error) {
	var buf bytes.Buffer

	t := table.NewWriter()
	t.SetOutputMirror(&buf)
	t.SetTitle(f.title)
	t.AppendHeader(table.Row{"TYPE", "ID", "DURATION", "TESTS", "PASSED", "FAILED", "SKIPPED", "CANCELLED", "STATUS", "MESSAGE"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "TYPE", AutoMerge: true},
		{Name: "ID", WidthMax: 120, WidthMaxEnforcer: text.WrapSoft},
		{Name: "DURATION", Align: text.AlignRight},
		{Name: "TESTS", Align: text.AlignRight},
		{Name: "PASSED", Align: text.AlignRight},
		{Name: "FAILED", Align: text.AlignRight},
		{Name: "SKIPPED", Align: text.AlignRight},
		{Name: "CANCELLED", Align: text.AlignRight},
		{Name: "MESSAGE", WidthMax: 60, WidthMaxEnforcer: text.WrapSoft},
	})

	for _, v := range flatten(result) {
		if !f.showTests && v.result.Kind == types.NodeKindTest {
			continue
		}
		if v.depth == 0 && len(v.result.Children) > 0 {
			t.AppendSeparator()
		}
		f.addRow(t, v)
	}

	switch result.Status {
	case types.TestStatusPass, types.TestStatusWarning:
		t.SetStyle(table.StyleColoredBlackOnGreenWhite)
	case types.TestStatusSkip, types.TestStatusInconclusive:
		t.SetStyle(table.StyleColoredBlackOnYellowWhite)
	case types.TestStatusFail, types.TestStatusError, types.TestStatusCancelled:
		t.SetStyle(table.StyleColoredBlackOnRedWhite)
	default:
		t.SetStyle(table.StyleDefault)
	}

	counts := result.Counts
	t.AppendFooter(table.Row{
		"TOTAL",
		"",
		formatDuration(result.Duration),
		counts.Total,
		counts.Passed + counts.Warnings,
		counts.Failed + counts.Errored,
		counts.Skipped,
		counts.Cancelled,
		statusLabel(result.Status),
		"",
	})

	t.Render()
	return buf.String(), nil
}

func (f *TableFormatter) addRow(t table.Writer, v visit) {
	r := v.result
	kind := "Test"
	if r.Kind == types.NodeKindSuite {
		kind = "Suite"
	}
	name := r.Name
	if name == "" {
		name = r.NodeID
	}

	message := ""
	if r.Kind == types.NodeKindTest || r.Status.IsFailure() || r.Cancelled() {
		message = singleLine(r.Message)
	}

	t.AppendRow(table.Row{
		kind,
		v.prefix + name,
		formatDuration(r.Duration),
		r.Counts.Total,
		r.Counts.Passed + r.Counts.Warnings,
		r.Counts.Failed + r.Counts.Errored,
		r.Counts.Skipped,
		r.Counts.Cancelled,
		statusLabel(r.Status),
		message,
	})
}
