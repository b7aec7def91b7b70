package runner

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum-optimism/infra/op-dispatch/metrics"
	"github.com/ethereum-optimism/infra/op-dispatch/types"
	"github.com/ethereum/go-ethereum/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultGracePeriod is how long running test logic may take to unwind
// after cancellation before it is abandoned
const DefaultGracePeriod = 2 * time.Second

// DispatcherConfig holds the per-run settings of a Dispatcher
type DispatcherConfig struct {
	MaxConcurrency int // Zero means runtime.NumCPU()
	GracePeriod    time.Duration
	Filter         types.Filter
	FailFast       bool
	Seed           int64
	Settings       map[string]string
	Listener       Listener
	Log            log.Logger
	RunID          string
}

// Dispatcher executes the work items of one run over a bounded pool of
// execution slots
type Dispatcher struct {
	tree     *types.Tree
	sel      *types.Selection
	cfg      DispatcherConfig
	queue    *admissionQueue
	listener Listener
	log      log.Logger
	grace    time.Duration
	tracer   trace.Tracer

	started atomic.Bool
	abort   context.CancelCauseFunc

	faultMu sync.Mutex
	fault   error
}

// NewDispatcher creates a dispatcher for one run over tree
func NewDispatcher(tree *types.Tree, cfg DispatcherConfig) (*Dispatcher, error) {
	if tree == nil {
		return nil, types.NewBuildDefect("", "tree has no root")
	}
	if cfg.MaxConcurrency < 0 {
		return nil, NewInfrastructureError("cannot allocate execution slots",
			fmt.Errorf("max concurrency must not be negative, got %d", cfg.MaxConcurrency))
	}
	if cfg.MaxConcurrency == 0 {
		cfg.MaxConcurrency = runtime.NumCPU()
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.Log == nil {
		cfg.Log = log.New()
	}
	if cfg.Listener == nil {
		cfg.Listener = NewNoOpListener()
	}

	d := &Dispatcher{
		tree:     tree,
		sel:      tree.Select(cfg.Filter),
		cfg:      cfg,
		listener: cfg.Listener,
		log:      cfg.Log.New("component", "dispatcher", "runID", cfg.RunID),
		grace:    cfg.GracePeriod,
		tracer:   otel.Tracer("dispatcher"),
	}
	d.queue = newAdmissionQueue(cfg.MaxConcurrency, d.log, d.raise)
	return d, nil
}

// Run executes the whole tree and returns the root result. It returns an
// *InfrastructureError, and no result, when the dispatcher could not make
// progress. A dispatcher runs at most once.
func (d *Dispatcher) Run(ctx context.Context) (*types.Result, error) {
	if !d.started.CompareAndSwap(false, true) {
		return nil, errors.New("dispatcher already ran")
	}

	ctx, abort := context.WithCancelCause(ctx)
	defer abort(nil)
	d.abort = abort

	ec := newRootContext(ctx, d.tree.Root, d.cfg.RunID, d.cfg.Seed, d.cfg.Settings, d.cfg.FailFast, d.cfg.Log, d.listener)
	root := newWorkItem(d.tree.Root, nil, ec, d.tree)

	if result, ok := d.synthesize(root.Node); ok {
		d.finishSubtree(root, WorkStateComplete, result)
	} else {
		if err := d.prepare(root); err != nil {
			return nil, NewInfrastructureError("cannot prepare root", err)
		}
		if err := d.Submit(root); err != nil {
			return nil, NewInfrastructureError("cannot submit root", err)
		}
	}

	<-root.Done()

	if err := d.Fault(); err != nil {
		return nil, err
	}
	return root.Result(), nil
}

// Submit hands a Ready item to the dispatcher. The item joins the admission
// queue before Submit returns, then waits for its slot and runs on its own
// goroutine.
func (d *Dispatcher) Submit(w *WorkItem) error {
	if state := w.State(); state != WorkStateReady {
		return fmt.Errorf("work item %s: cannot submit in state %s", w.ID(), state)
	}
	entry := d.queue.Enqueue(w.ID(), w.order, w.policy.Affinity)
	go d.execute(w, entry)
	return nil
}

// Fault returns the infrastructure fault that stopped the run, if any
func (d *Dispatcher) Fault() error {
	d.faultMu.Lock()
	defer d.faultMu.Unlock()
	return d.fault
}

// raise records an infrastructure fault and aborts the run
func (d *Dispatcher) raise(err error) {
	d.faultMu.Lock()
	first := d.fault == nil
	if first {
		d.fault = err
	}
	d.faultMu.Unlock()
	if !first {
		return
	}

	d.log.Error("Aborting run", "err", err)
	metrics.RecordErrorDetails("dispatcher", err)
	if d.abort != nil {
		d.abort(err)
	}
}

// prepare moves an item to Ready, materializing its children. Children
// whose result does not depend on execution are completed right away.
func (d *Dispatcher) prepare(w *WorkItem) error {
	if err := w.ready(d.newChild); err != nil {
		return err
	}
	for _, child := range w.Children() {
		if result, ok := d.synthesize(child.Node); ok {
			d.finishSubtree(child, WorkStateComplete, result)
		}
	}
	return nil
}

func (d *Dispatcher) newChild(node *types.Node, parent *WorkItem) *WorkItem {
	return newWorkItem(node, parent, parent.ec.derive(node, d.listener), d.tree)
}

// synthesize returns the result of a node that must not run
func (d *Dispatcher) synthesize(node *types.Node) (*types.Result, bool) {
	switch node.State {
	case types.RunStateNotRunnable:
		return subtreeResult(node, types.TestStatusError, reasonOr(node, "not runnable"), types.CancelNone), true
	case types.RunStateIgnored:
		return subtreeResult(node, types.TestStatusSkip, reasonOr(node, "ignored"), types.CancelNone), true
	case types.RunStateSkipped:
		return subtreeResult(node, types.TestStatusSkip, reasonOr(node, "skipped"), types.CancelNone), true
	case types.RunStateExplicit:
		if !d.sel.Targets(node.ID) {
			return subtreeResult(node, types.TestStatusSkip, reasonOr(node, "explicit"), types.CancelNone), true
		}
	}
	if !d.sel.Includes(node.ID) {
		return subtreeResult(node, types.TestStatusSkip, "filtered out", types.CancelNone), true
	}
	return nil, false
}

func reasonOr(node *types.Node, fallback string) string {
	if node.Reason != "" {
		return node.Reason
	}
	return fallback
}

// subtreeResult builds the result tree of a node that never runs. Every
// leaf gets status, message and cancel; suites aggregate their children.
func subtreeResult(node *types.Node, status types.TestStatus, message string, cancel types.CancelReason) *types.Result {
	if !node.IsSuite() {
		result := types.NewResult(node)
		result.Status = status
		result.Message = message
		result.Cancel = cancel
		result.Counts = types.CountsFor(status)
		return result
	}

	children := make([]*types.Result, 0, len(node.Children))
	for _, child := range node.Children {
		children = append(children, subtreeResult(child, status, message, cancel))
	}
	result := withIdentity(types.Aggregate(children), node)
	if len(children) == 0 {
		result.Status = status
	}
	result.Message = message
	result.Cancel = cancel
	return result
}

func withIdentity(result *types.Result, node *types.Node) *types.Result {
	result.NodeID = node.ID
	result.Name = node.Name
	result.FullName = node.FullName
	result.Kind = node.Kind
	return result
}

// cancelUnstarted completes an item that never ran because its branch was
// cancelled
func (d *Dispatcher) cancelUnstarted(w *WorkItem, cause error) {
	reason := cancelReason(cause)
	result := subtreeResult(w.Node, types.TestStatusCancelled, causeMessage(cause), reason)
	d.finishSubtree(w, WorkStateCancelled, result)
}

// faultUnstarted completes an item that never ran because of an unhandled
// fault upstream
func (d *Dispatcher) faultUnstarted(w *WorkItem, message string) {
	result := subtreeResult(w.Node, types.TestStatusFail, message, types.CancelFault)
	d.finishSubtree(w, WorkStateCancelled, result)
}

func cancelReason(cause error) types.CancelReason {
	if reason := types.CancelReasonFor(cause); reason != types.CancelNone {
		return reason
	}
	return types.CancelAborted
}

func causeMessage(cause error) string {
	if cause == nil {
		return "cancelled"
	}
	return cause.Error()
}

// finishSubtree completes an item with a synthesized result tree, notifying
// the listener for every node in it
func (d *Dispatcher) finishSubtree(w *WorkItem, state WorkState, result *types.Result) {
	notifySubtree(w.Node, result, d.listener)
	d.finishItem(w, state, result)
}

// notifySubtree reports the descendants of node, children first
func notifySubtree(node *types.Node, result *types.Result, listener Listener) {
	for i, child := range node.Children {
		if i < len(result.Children) {
			notifySubtree(child, result.Children[i], listener)
			listener.ItemFinished(child, result.Children[i])
			metrics.RecordItem(child.Kind, result.Children[i].Status, result.Children[i].Cancel, 0)
		}
	}
}

func (d *Dispatcher) finishItem(w *WorkItem, state WorkState, result *types.Result) {
	if err := w.finish(state, result); err != nil {
		d.log.Error("Failed to finish work item", "node", w.ID(), "err", err)
		return
	}
	d.log.Debug("Work item finished", "node", w.ID(), "state", state, "status", result.Status, "duration", result.Duration)
	d.listener.ItemFinished(w.Node, result)
	metrics.RecordItem(w.Node.Kind, result.Status, result.Cancel, result.Duration)
	w.signal()
}

// execute waits for the item's execution slot and runs it
func (d *Dispatcher) execute(w *WorkItem, entry *admission) {
	parentCtx := w.ec.Context()
	if parentCtx.Err() != nil {
		_ = d.queue.Abandon(entry)
		d.cancelUnstarted(w, context.Cause(parentCtx))
		return
	}

	release, err := d.queue.Wait(parentCtx, entry)
	if err != nil {
		d.cancelUnstarted(w, err)
		return
	}
	if parentCtx.Err() != nil {
		release()
		d.cancelUnstarted(w, context.Cause(parentCtx))
		return
	}
	if err := w.transition(WorkStateRunning); err != nil {
		release()
		d.raise(NewInfrastructureError("work item lifecycle", err))
		d.cancelUnstarted(w, err)
		return
	}

	spanCtx, span := d.tracer.Start(parentCtx, fmt.Sprintf("%s %s", w.Node.Kind, w.Node.DisplayName()))
	runCtx, stop := w.ec.arm(spanCtx)
	d.listener.ItemStarted(w.Node)

	var result *types.Result
	var state WorkState
	if w.Node.IsSuite() {
		result, state = d.runSuite(runCtx, w, release)
	} else {
		result, state = d.runTest(runCtx, w)
		release()
	}
	stop()

	span.SetAttributes(
		attribute.String("node.id", w.ID()),
		attribute.String("status", string(result.Status)),
	)
	if result.Status.IsFailure() {
		span.SetStatus(codes.Error, result.Message)
	}
	span.End()

	d.finishItem(w, state, result)
}

// runTest invokes the test logic of a leaf while holding its slot
func (d *Dispatcher) runTest(ctx context.Context, w *WorkItem) (*types.Result, WorkState) {
	result := types.NewResult(w.Node)
	result.StartTime = time.Now()
	inv := d.invoke(ctx, w.ec, w.Node.Invoke)
	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)
	result.Output = w.ec.output.String()

	state := WorkStateComplete
	if inv.cancelled {
		state = WorkStateCancelled
		markCancelled(result, inv.cause)
		if inv.message != "" {
			result.Message = inv.message
		}
	} else {
		result.Status = inv.status
		result.Message = inv.message
		result.Error = inv.err
	}
	result.Counts = types.CountsFor(result.Status)

	if d.cfg.FailFast && result.Status.IsFailure() {
		d.log.Info("Stopping run after failure", "node", w.ID(), "status", result.Status)
		d.abort(types.ErrFailFast)
	}
	return result, state
}

func markCancelled(result *types.Result, cause error) {
	result.Status = types.TestStatusCancelled
	result.Cancel = cancelReason(cause)
	result.Message = causeMessage(cause)
	result.Error = cause
}

// runSuite runs setup while holding the slot, gives the slot back while the
// children run, and takes a slot again for teardown
func (d *Dispatcher) runSuite(ctx context.Context, w *WorkItem, release func()) (*types.Result, WorkState) {
	start := time.Now()
	var notes []string
	var setupFailure, setupSkip string

	if w.Node.Setup != nil {
		inv := d.invoke(ctx, w.ec, w.Node.Setup)
		switch {
		case inv.cancelled && ctx.Err() == nil:
			setupFailure = fmt.Sprintf("setup cancelled: %s", reasonText(inv.message, "no reason given"))
		case inv.cancelled:
			// Children observe the cancellation themselves
		case inv.status.IsFailure():
			setupFailure = fmt.Sprintf("setup failed: %s", inv.message)
		case inv.status == types.TestStatusSkip:
			setupSkip = reasonText(inv.message, "skipped by setup")
		}
	}
	release()

	children := w.Children()
	switch {
	case setupFailure != "":
		d.log.Warn("Suite setup failed, cancelling children", "suite", w.ID(), "reason", setupFailure)
		notes = append(notes, setupFailure)
		for _, child := range children {
			if !child.State().Terminal() {
				d.faultUnstarted(child, setupFailure)
			}
		}
	case setupSkip != "":
		for _, child := range children {
			if !child.State().Terminal() {
				d.finishSubtree(child, WorkStateComplete, subtreeResult(child.Node, types.TestStatusSkip, setupSkip, types.CancelNone))
			}
		}
	default:
		d.runChildren(w, children)
	}

	if w.Node.Teardown != nil {
		if note := d.teardown(ctx, w); note != "" {
			notes = append(notes, note)
		}
	}

	results := make([]*types.Result, 0, len(children))
	for _, child := range children {
		results = append(results, child.Result())
	}
	result := withIdentity(types.Aggregate(results), w.Node)
	result.Output = w.ec.output.String()
	if len(children) == 0 {
		d.log.Warn("Suite has no children", "suite", w.ID())
	}
	if !result.Started() {
		result.StartTime = start
		result.EndTime = time.Now()
		result.Duration = result.EndTime.Sub(result.StartTime)
	}
	if len(notes) > 0 {
		result.Message = strings.Join(append([]string{result.Message}, notes...), "; ")
		result.Message = strings.TrimPrefix(result.Message, "; ")
	}

	state := WorkStateComplete
	if ctx.Err() != nil && result.Counts.Cancelled > 0 {
		state = WorkStateCancelled
		result.Cancel = cancelReason(context.Cause(ctx))
	}
	return result, state
}

func reasonText(message, fallback string) string {
	if message != "" {
		return message
	}
	return fallback
}

// runChildren submits the children in tree order. Children that may overlap
// their siblings are submitted and tracked; any other child first waits for
// everything in flight and then runs alone.
func (d *Dispatcher) runChildren(w *WorkItem, children []*WorkItem) {
	var inflight []*WorkItem
	drain := func() {
		for _, child := range inflight {
			<-child.Done()
		}
		inflight = inflight[:0]
	}

	for _, child := range children {
		if child.State().Terminal() {
			continue
		}
		if err := d.prepare(child); err != nil {
			d.raise(NewInfrastructureError("work item lifecycle", err))
			d.cancelUnstarted(child, err)
			continue
		}

		parallel := concurrentWithSiblings(w, child)
		if !parallel {
			drain()
		}
		if err := d.Submit(child); err != nil {
			d.raise(NewInfrastructureError("work item lifecycle", err))
			d.cancelUnstarted(child, err)
			continue
		}
		if parallel {
			inflight = append(inflight, child)
		} else {
			<-child.Done()
		}
	}
	drain()
}

// concurrentWithSiblings decides whether child may run alongside its
// siblings. An explicit NotParallel on either side always serializes.
func concurrentWithSiblings(parent, child *WorkItem) bool {
	if child.Node.Policy.Scope == types.ScopeNotParallel {
		return false
	}
	if parent.policy.Scope.ChildrenParallel() {
		return true
	}
	return child.Node.Policy.Scope.SelfParallel() && parent.Node.Policy.Scope != types.ScopeNotParallel
}

// teardown runs the suite teardown in a fresh slot. It runs even when the
// branch was cancelled, bounded by the grace period.
func (d *Dispatcher) teardown(ctx context.Context, w *WorkItem) string {
	tdCtx := context.WithoutCancel(ctx)
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		tdCtx, cancel = context.WithTimeout(tdCtx, d.grace)
		defer cancel()
	}

	release, err := d.queue.Acquire(tdCtx, w.ID(), w.order, w.policy.Affinity)
	if err != nil {
		d.log.Warn("Suite teardown did not run", "suite", w.ID(), "err", err)
		return fmt.Sprintf("teardown did not run: %v", err)
	}
	defer release()

	inv := d.invoke(tdCtx, w.ec, w.Node.Teardown)
	switch {
	case inv.cancelled:
		d.log.Warn("Suite teardown cancelled", "suite", w.ID(), "cause", inv.cause)
		return "teardown cancelled"
	case inv.status.IsFailure():
		d.log.Warn("Suite teardown failed", "suite", w.ID(), "reason", inv.message)
		return fmt.Sprintf("teardown failed: %s", inv.message)
	}
	return ""
}
