package reporting

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/acarl005/stripansi"

	"github.com/ethereum-optimism/infra/op-dispatch/types"
	"github.com/ethereum-optimism/infra/op-dispatch/ui"
)

// ReportWriter writes a formatted report somewhere
type ReportWriter interface {
	Write(content string) error
}

// FileWriter writes reports to a file
type FileWriter struct {
	path string
}

// NewFileWriter creates a new file writer
func NewFileWriter(path string) *FileWriter {
	return &FileWriter{path: path}
}

func (fw *FileWriter) Write(content string) error {
	return os.WriteFile(fw.path, []byte(content), 0644)
}

// StdoutWriter writes reports to stdout
type StdoutWriter struct{}

// NewStdoutWriter creates a new stdout writer
func NewStdoutWriter() *StdoutWriter {
	return &StdoutWriter{}
}

func (sw *StdoutWriter) Write(content string) error {
	_, err := fmt.Print(content)
	return err
}

// formatDuration formats a duration for display
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return d.Truncate(time.Millisecond).String()
}

// statusLabel returns the uppercase label of a status
func statusLabel(status types.TestStatus) string {
	if !status.IsValid() {
		return "UNKNOWN"
	}
	return strings.ToUpper(string(status))
}

// statusChar returns a character representing the status
func statusChar(status types.TestStatus) string {
	switch status {
	case types.TestStatusPass:
		return "✓"
	case types.TestStatusFail:
		return "✗"
	case types.TestStatusError:
		return "⚠"
	case types.TestStatusSkip:
		return "⊝"
	case types.TestStatusWarning:
		return "!"
	case types.TestStatusCancelled:
		return "⊘"
	case types.TestStatusInconclusive:
		return "?"
	default:
		return "?"
	}
}

// singleLine strips ANSI escapes and folds a message onto one line
func singleLine(s string) string {
	s = stripansi.Strip(s)
	return strings.Join(strings.Fields(s), " ")
}

// visit is one result in display order with its tree prefix
type visit struct {
	result *types.Result
	depth  int
	prefix string
}

// flatten walks the children of root in pre-order and computes display
// prefixes. The root itself is not part of the output.
func flatten(root *types.Result) []visit {
	var out []visit
	var walk func(r *types.Result, depth int, isLast bool, parentIsLast []bool)
	walk = func(r *types.Result, depth int, isLast bool, parentIsLast []bool) {
		out = append(out, visit{
			result: r,
			depth:  depth,
			prefix: ui.BuildTreePrefix(depth, isLast, parentIsLast),
		})
		chain := parentIsLast
		if depth > 0 {
			chain = append(append([]bool(nil), parentIsLast...), isLast)
		}
		for i, child := range r.Children {
			walk(child, depth+1, i == len(r.Children)-1, chain)
		}
	}
	for _, child := range root.Children {
		walk(child, 0, false, nil)
	}
	return out
}
