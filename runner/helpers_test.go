package runner

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum-optimism/infra/op-dispatch/types"
	"github.com/ethereum/go-ethereum/log"
)

func testLogger() log.Logger {
	return log.NewLogger(log.DiscardHandler())
}

func suiteNode(id string, scope types.ParallelScope, children ...*types.Node) *types.Node {
	return &types.Node{
		ID:       id,
		Name:     id,
		FullName: id,
		Kind:     types.NodeKindSuite,
		Policy:   types.ExecutionPolicy{Scope: scope},
		Children: children,
	}
}

func testNode(id string, fn types.InvokerFunc) *types.Node {
	return &types.Node{
		ID:       id,
		Name:     id,
		FullName: id,
		Kind:     types.NodeKindTest,
		Invoke:   fn,
	}
}

func passing(ctx context.Context, tc types.TestContext) (types.Outcome, error) {
	return types.Outcome{}, nil
}

// recorder tracks which leaves were invoked, in order, and how many ran at once
type recorder struct {
	mu      sync.Mutex
	order   []string
	running map[string]int // by group
	peak    map[string]int
	total   atomic.Int32
}

func newRecorder() *recorder {
	return &recorder{running: make(map[string]int), peak: make(map[string]int)}
}

// leaf returns an invoker that records itself under the given groups while
// running for d
func (r *recorder) leaf(d time.Duration, groups ...string) types.InvokerFunc {
	return func(ctx context.Context, tc types.TestContext) (types.Outcome, error) {
		r.total.Add(1)
		all := append([]string{"all"}, groups...)
		r.mu.Lock()
		r.order = append(r.order, tc.NodeID())
		for _, g := range all {
			r.running[g]++
			if r.running[g] > r.peak[g] {
				r.peak[g] = r.running[g]
			}
		}
		r.mu.Unlock()

		if d > 0 {
			time.Sleep(d)
		}

		r.mu.Lock()
		for _, g := range all {
			r.running[g]--
		}
		r.mu.Unlock()
		return types.Outcome{}, nil
	}
}

func (r *recorder) invoked() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func (r *recorder) peakOf(group string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peak[group]
}

// barrier lets n leaves prove they ran at the same time
type barrier struct {
	n       int32
	arrived atomic.Int32
}

func (b *barrier) leaf(ctx context.Context, tc types.TestContext) (types.Outcome, error) {
	b.arrived.Add(1)
	deadline := time.Now().Add(2 * time.Second)
	for b.arrived.Load() < b.n {
		if time.Now().After(deadline) {
			return types.Outcome{}, types.Fail("siblings never ran concurrently")
		}
		time.Sleep(time.Millisecond)
	}
	return types.Outcome{}, nil
}

// eventListener records listener events
type eventListener struct {
	mu       sync.Mutex
	started  []string
	finished map[string]*types.Result
	output   map[string]string
}

func newEventListener() *eventListener {
	return &eventListener{finished: make(map[string]*types.Result), output: make(map[string]string)}
}

func (l *eventListener) ItemStarted(node *types.Node) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.started = append(l.started, node.ID)
}

func (l *eventListener) ItemFinished(node *types.Node, result *types.Result) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.finished[node.ID] = result
}

func (l *eventListener) OutputProduced(node *types.Node, output []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.output[node.ID] += string(output)
}

func execute(t *testing.T, root *types.Node, opts Options) *Report {
	t.Helper()
	if opts.Log == nil {
		opts.Log = testLogger()
	}
	if opts.Seed == 0 {
		opts.Seed = 1
	}
	report, err := Execute(context.Background(), root, opts)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	return report
}
