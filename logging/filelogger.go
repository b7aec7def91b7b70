package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/acarl005/stripansi"
	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-dispatch/runner"
	"github.com/ethereum-optimism/infra/op-dispatch/types"
)

const RunDirectoryPrefix = "testrun-"

// FileLogger writes the output of every finished test to the run directory:
// one combined all.log plus a file per test under passed/ or failed/
type FileLogger struct {
	log          log.Logger
	baseDir      string
	logDir       string
	passedDir    string
	failedDir    string
	allLogsFile  string
	runID        string
	mu           sync.Mutex
	asyncWriters map[string]*AsyncFile
}

var _ runner.Listener = (*FileLogger)(nil)

// AsyncFile provides non-blocking appends to a file
type AsyncFile struct {
	file    *os.File
	queue   chan []byte
	wg      sync.WaitGroup
	mu      sync.Mutex
	stopped bool
}

// NewAsyncFile creates the file and starts its background writer
func NewAsyncFile(path string) (*AsyncFile, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create file %s: %w", path, err)
	}

	af := &AsyncFile{
		file:  file,
		queue: make(chan []byte, 100),
	}
	af.wg.Add(1)
	go af.processQueue()
	return af, nil
}

// Write queues a copy of data
func (af *AsyncFile) Write(data []byte) error {
	af.mu.Lock()
	defer af.mu.Unlock()

	if af.stopped {
		return fmt.Errorf("async file is closed")
	}
	af.queue <- append([]byte(nil), data...)
	return nil
}

func (af *AsyncFile) processQueue() {
	defer af.wg.Done()
	for data := range af.queue {
		if _, err := af.file.Write(data); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing to file: %v\n", err)
		}
	}
}

// Close drains the queue and closes the file
func (af *AsyncFile) Close() error {
	af.mu.Lock()
	if !af.stopped {
		af.stopped = true
		close(af.queue)
	}
	af.mu.Unlock()

	af.wg.Wait()
	return af.file.Close()
}

// NewFileLogger creates the run directory <baseDir>/testrun-<runID>
func NewFileLogger(baseDir, runID string, logger log.Logger) (*FileLogger, error) {
	if runID == "" {
		return nil, fmt.Errorf("runID cannot be empty")
	}
	if baseDir == "" {
		return nil, fmt.Errorf("baseDir cannot be empty")
	}

	logDir := filepath.Join(baseDir, RunDirectoryPrefix+runID)
	l := &FileLogger{
		log:          logger,
		baseDir:      baseDir,
		logDir:       logDir,
		passedDir:    filepath.Join(logDir, "passed"),
		failedDir:    filepath.Join(logDir, "failed"),
		allLogsFile:  filepath.Join(logDir, "all.log"),
		runID:        runID,
		asyncWriters: make(map[string]*AsyncFile),
	}
	for _, dir := range []string{logDir, l.passedDir, l.failedDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return l, nil
}

// RunDir returns the directory of this run
func (l *FileLogger) RunDir() string {
	return l.logDir
}

// AllLogsFile returns the path of the combined log
func (l *FileLogger) AllLogsFile() string {
	return l.allLogsFile
}

// TestLogFile returns where the log of a test with the given status goes
func (l *FileLogger) TestLogFile(nodeID string, status types.TestStatus) string {
	dir := l.passedDir
	if status.IsFailure() {
		dir = l.failedDir
	}
	return filepath.Join(dir, safeFilename(nodeID)+".log")
}

func (l *FileLogger) ItemStarted(node *types.Node) {}

func (l *FileLogger) OutputProduced(node *types.Node, output []byte) {}

// ItemFinished writes the result of a test. Suites are not logged.
func (l *FileLogger) ItemFinished(node *types.Node, result *types.Result) {
	if node.IsSuite() {
		return
	}
	if err := l.logResult(result); err != nil {
		l.log.Error("Failed to log test result", "node", node.ID, "err", err)
	}
}

func (l *FileLogger) logResult(result *types.Result) error {
	entry := formatEntry(result)

	all, err := l.getAsyncWriter(l.allLogsFile)
	if err != nil {
		return err
	}
	if err := all.Write([]byte(entry)); err != nil {
		return err
	}

	perTest, err := l.getAsyncWriter(l.TestLogFile(result.NodeID, result.Status))
	if err != nil {
		return err
	}
	return perTest.Write([]byte(entry))
}

// Complete flushes and closes every open log file
func (l *FileLogger) Complete() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var firstErr error
	for path, writer := range l.asyncWriters {
		if err := writer.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close %s: %w", path, err)
		}
	}
	l.asyncWriters = make(map[string]*AsyncFile)
	return firstErr
}

func (l *FileLogger) getAsyncWriter(path string) (*AsyncFile, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if writer, exists := l.asyncWriters[path]; exists {
		return writer, nil
	}
	writer, err := NewAsyncFile(path)
	if err != nil {
		return nil, err
	}
	l.asyncWriters[path] = writer
	return writer, nil
}

func formatEntry(result *types.Result) string {
	var content strings.Builder
	content.WriteString("\n")
	content.WriteString("┌─────────────────────────────────────────────────────────────────────┐\n")
	fmt.Fprintf(&content, "│ TEST: %-61s │\n", truncateString(result.FullName, 61))
	content.WriteString("├─────────────────────────────────────────────────────────────────────┤\n")
	fmt.Fprintf(&content, "│ ID:       %-57s │\n", truncateString(result.NodeID, 57))
	fmt.Fprintf(&content, "│ Status:   %-57s │\n", result.Status)
	if result.Cancelled() {
		fmt.Fprintf(&content, "│ Cancel:   %-57s │\n", result.Cancel)
	}
	fmt.Fprintf(&content, "│ Duration: %-57s │\n", result.Duration)
	fmt.Fprintf(&content, "│ Time:     %-57s │\n", time.Now().Format(time.RFC3339))
	content.WriteString("└─────────────────────────────────────────────────────────────────────┘\n\n")

	if result.Message != "" {
		content.WriteString("MESSAGE:\n~~~~~~~~\n")
		fmt.Fprintf(&content, "%s\n\n", stripansi.Strip(result.Message))
	}
	if result.Error != nil && result.Error.Error() != result.Message {
		content.WriteString("ERROR:\n~~~~~~\n")
		fmt.Fprintf(&content, "%s\n\n", stripansi.Strip(result.Error.Error()))
	}
	if result.Output != "" {
		content.WriteString("OUTPUT:\n~~~~~~~\n")
		fmt.Fprintf(&content, "%s\n", indentText(stripansi.Strip(result.Output), "  "))
	}
	content.WriteString("\n")
	return content.String()
}

// safeFilename converts a node id to a safe filename
func safeFilename(s string) string {
	return strings.NewReplacer(
		"/", "_", "\\", "_", ":", "_", "*", "_", "?", "_",
		"\"", "_", "<", "_", ">", "_", "|", "_", " ", "_",
	).Replace(s)
}

func indentText(text, indent string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if line != "" {
			lines[i] = indent + line
		}
	}
	return strings.Join(lines, "\n")
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
