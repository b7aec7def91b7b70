package runner

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum-optimism/infra/op-dispatch/types"
	"github.com/ethereum/go-ethereum/log"
)

// ProgressListener is a Listener that periodically logs run progress
type ProgressListener struct {
	logger log.Logger
	ticker *time.Ticker
	stopCh chan struct{}
	once   sync.Once
	mu     sync.RWMutex

	totalTests     int
	completedTests int
	failedTests    int
	startTime      time.Time

	// Track currently running tests
	runningTests map[string]time.Time // test name -> start time
}

var _ Listener = (*ProgressListener)(nil)

// NewProgressListener creates a listener that shows updates in the console
func NewProgressListener(logger log.Logger, totalTests int, updateInterval time.Duration) *ProgressListener {
	if updateInterval == 0 {
		updateInterval = 30 * time.Second // Default to 30 seconds
	}

	p := &ProgressListener{
		logger:       logger,
		ticker:       time.NewTicker(updateInterval),
		stopCh:       make(chan struct{}),
		totalTests:   totalTests,
		startTime:    time.Now(),
		runningTests: make(map[string]time.Time),
	}

	go p.progressReporter()

	return p
}

// ItemStarted tracks when a test starts running
func (p *ProgressListener) ItemStarted(node *types.Node) {
	if node.IsSuite() {
		p.logger.Debug("Starting suite", "suite", node.DisplayName())
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.runningTests[node.DisplayName()] = time.Now()
	p.logger.Debug("Test started", "test", node.DisplayName(), "runningTests", len(p.runningTests))
}

func (p *ProgressListener) ItemFinished(node *types.Node, result *types.Result) {
	if node.IsSuite() {
		p.logger.Debug("Completed suite", "suite", node.DisplayName(), "status", result.Status, "duration", result.Duration)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.runningTests, node.DisplayName())
	p.completedTests++
	if result.Status.IsFailure() {
		p.failedTests++
	}

	// Log individual test completion at debug level to avoid spam
	p.logger.Debug("Test completed", "test", node.DisplayName(), "status", result.Status, "completed", p.completedTests, "total", p.totalTests)
}

func (p *ProgressListener) OutputProduced(node *types.Node, output []byte) {}

// progressReporter runs in a goroutine and periodically reports progress
func (p *ProgressListener) progressReporter() {
	for {
		select {
		case <-p.ticker.C:
			p.reportProgress()
		case <-p.stopCh:
			return
		}
	}
}

func (p *ProgressListener) reportProgress() {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var percentComplete float64
	if p.totalTests > 0 {
		percentComplete = float64(p.completedTests) * 100.0 / float64(p.totalTests)
	}

	p.logger.Info("Progress update",
		"completed", p.completedTests,
		"total", p.totalTests,
		"failed", p.failedTests,
		"percent", fmt.Sprintf("%.1f%%", percentComplete),
		"elapsed", time.Since(p.startTime).Truncate(time.Second),
		"numRunning", len(p.runningTests),
		"longestRunning", formatRunningTests(p.runningTests, 3),
	)
}

// Completed returns the number of finished tests
func (p *ProgressListener) Completed() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.completedTests
}

// Stop stops the periodic reporting
func (p *ProgressListener) Stop() {
	p.once.Do(func() {
		p.ticker.Stop()
		close(p.stopCh)
	})
}

// formatRunningTests formats running tests into a display string, longest
// running first
func formatRunningTests(runningTests map[string]time.Time, maxShow int) string {
	if len(runningTests) == 0 {
		return ""
	}

	type runningTest struct {
		name     string
		duration time.Duration
	}

	var running []runningTest
	now := time.Now()
	for testName, startTime := range runningTests {
		running = append(running, runningTest{
			name:     testName,
			duration: now.Sub(startTime),
		})
	}

	sort.Slice(running, func(i, j int) bool {
		if running[i].duration == running[j].duration {
			return running[i].name < running[j].name
		}
		return running[i].duration > running[j].duration
	})

	var runningStrs []string
	for i, test := range running {
		if i >= maxShow {
			break
		}
		runningStrs = append(runningStrs, fmt.Sprintf("%s (%v)", test.name, test.duration.Truncate(time.Second)))
	}

	if len(running) > maxShow {
		runningStrs = append(runningStrs, fmt.Sprintf("+%d more", len(running)-maxShow))
	}

	return strings.Join(runningStrs, ", ")
}
