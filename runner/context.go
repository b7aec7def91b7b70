package runner

import (
	"bytes"
	"context"
	"hash/fnv"
	"io"
	"maps"
	"math/rand"
	"sync"
	"time"

	"github.com/ethereum-optimism/infra/op-dispatch/types"
	"github.com/ethereum/go-ethereum/log"
)

// ExecutionContext is the per-branch environment of a work item. It is
// derived from the parent's context by copying its fields and applying the
// node's overrides; once the item is running it is never mutated.
type ExecutionContext struct {
	parent *ExecutionContext
	node   *types.Node

	// ctx is set for the root on creation and for every other item when it
	// starts running. Until then the item observes its parent's context.
	ctx     context.Context
	timeout time.Duration

	runID    string
	runSeed  int64
	seed     int64
	settings map[string]string
	failFast bool
	log      log.Logger
	output   *itemOutput

	rngOnce sync.Once
	rng     *rand.Rand
}

var _ types.TestContext = (*ExecutionContext)(nil)

// newRootContext creates the context of the root work item
func newRootContext(ctx context.Context, node *types.Node, runID string, seed int64, settings map[string]string, failFast bool, logger log.Logger, listener Listener) *ExecutionContext {
	ec := &ExecutionContext{
		node:     node,
		ctx:      ctx,
		runID:    runID,
		runSeed:  seed,
		settings: maps.Clone(settings),
		failFast: failFast,
		log:      logger,
	}
	ec.applyOverrides()
	ec.output = newItemOutput(node, listener)
	return ec
}

// derive creates the context of a child work item
func (ec *ExecutionContext) derive(node *types.Node, listener Listener) *ExecutionContext {
	child := &ExecutionContext{
		parent:   ec,
		node:     node,
		runID:    ec.runID,
		runSeed:  ec.runSeed,
		settings: ec.settings,
		failFast: ec.failFast,
		log:      ec.log,
	}
	child.applyOverrides()
	child.output = newItemOutput(node, listener)
	return child
}

// applyOverrides applies the node-level overrides. Settings are copied
// before being modified so siblings never see each other's overrides.
func (ec *ExecutionContext) applyOverrides() {
	ec.seed = deriveSeed(ec.runSeed, ec.node.ID)
	ec.timeout = ec.node.Policy.Timeout
	if len(ec.node.Settings) > 0 {
		settings := maps.Clone(ec.settings)
		if settings == nil {
			settings = make(map[string]string, len(ec.node.Settings))
		}
		maps.Copy(settings, ec.node.Settings)
		ec.settings = settings
	}
}

// deriveSeed mixes the run seed with the node id so every item gets a
// stable seed regardless of scheduling order
func deriveSeed(runSeed int64, nodeID string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(nodeID))
	return runSeed ^ int64(h.Sum64())
}

// Context returns the cancellation context the item currently observes
func (ec *ExecutionContext) Context() context.Context {
	if ec.ctx != nil {
		return ec.ctx
	}
	return ec.parent.Context()
}

// arm binds the item to ctx when it starts running, applying the node's
// timeout. The returned function releases the timer.
func (ec *ExecutionContext) arm(ctx context.Context) (context.Context, context.CancelFunc) {
	if ec.timeout > 0 {
		ctx, cancel := context.WithTimeoutCause(ctx, ec.timeout, &types.TimeoutError{NodeID: ec.node.ID, Timeout: ec.timeout})
		ec.ctx = ctx
		return ctx, cancel
	}
	ec.ctx = ctx
	return ctx, func() {}
}

// NodeID returns the id of the node being executed
func (ec *ExecutionContext) NodeID() string {
	return ec.node.ID
}

// RunID returns the id of the run this context belongs to
func (ec *ExecutionContext) RunID() string {
	return ec.runID
}

// Output returns the writer test logic should write its output to
func (ec *ExecutionContext) Output() io.Writer {
	return ec.output
}

// Seed returns the deterministic seed of this item
func (ec *ExecutionContext) Seed() int64 {
	return ec.seed
}

// Rand returns a random source seeded with Seed. It is not safe for
// concurrent use.
func (ec *ExecutionContext) Rand() *rand.Rand {
	ec.rngOnce.Do(func() {
		ec.rng = rand.New(rand.NewSource(ec.seed))
	})
	return ec.rng
}

// Setting looks up an ambient setting visible to this item
func (ec *ExecutionContext) Setting(key string) (string, bool) {
	value, ok := ec.settings[key]
	return value, ok
}

// Logger returns the item logger
func (ec *ExecutionContext) Logger() log.Logger {
	return ec.log.New("node", ec.node.ID)
}

// Timeout returns the node-level timeout, zero when inherited
func (ec *ExecutionContext) Timeout() time.Duration {
	return ec.timeout
}

// itemOutput captures the output of one item and forwards it to the
// listener as it is produced
type itemOutput struct {
	mu       sync.Mutex
	buf      bytes.Buffer
	node     *types.Node
	listener Listener
}

func newItemOutput(node *types.Node, listener Listener) *itemOutput {
	return &itemOutput{node: node, listener: listener}
}

func (o *itemOutput) Write(p []byte) (int, error) {
	o.mu.Lock()
	n, err := o.buf.Write(p)
	o.mu.Unlock()
	if n > 0 {
		chunk := make([]byte, n)
		copy(chunk, p[:n])
		o.listener.OutputProduced(o.node, chunk)
	}
	return n, err
}

func (o *itemOutput) String() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.buf.String()
}
