package runner

import (
	"context"
	"fmt"
	"sync"

	"github.com/emirpasic/gods/trees/binaryheap"
	"github.com/ethereum-optimism/infra/op-dispatch/metrics"
	"github.com/ethereum/go-ethereum/log"
)

// admission is one pending request for an execution slot
type admission struct {
	nodeID   string
	order    int
	affinity string

	ready     chan struct{}
	granted   bool
	abandoned bool
	err       error
}

// byTreeOrder orders admissions by pre-order index
func byTreeOrder(a, b interface{}) int {
	x, y := a.(*admission).order, b.(*admission).order
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	default:
		return 0
	}
}

// admissionQueue is the bounded pool of execution slots. Waiting items are
// admitted lowest pre-order index first, skipping items whose affinity is
// held by a running item.
type admissionQueue struct {
	mu       sync.Mutex
	log      log.Logger
	capacity int
	running  int
	pending  int
	busy     map[string]bool
	waiting  *binaryheap.Heap

	// onFault is called once, outside the lock, when no waiting item can
	// ever be admitted
	onFault func(error)
	fault   error
}

func newAdmissionQueue(capacity int, logger log.Logger, onFault func(error)) *admissionQueue {
	return &admissionQueue{
		log:      logger,
		capacity: capacity,
		busy:     make(map[string]bool),
		waiting:  binaryheap.NewWith(byTreeOrder),
		onFault:  onFault,
	}
}

// Acquire blocks until the item is granted a slot or ctx is done. The
// returned function gives the slot back and must be called exactly once.
func (q *admissionQueue) Acquire(ctx context.Context, nodeID string, order int, affinity string) (func(), error) {
	return q.Wait(ctx, q.Enqueue(nodeID, order, affinity))
}

// Enqueue registers a request for a slot without blocking. Registering all
// siblings before any of them waits lets the heap order them, whichever
// goroutine happens to run first.
func (q *admissionQueue) Enqueue(nodeID string, order int, affinity string) *admission {
	entry := &admission{
		nodeID:   nodeID,
		order:    order,
		affinity: affinity,
		ready:    make(chan struct{}),
	}

	q.mu.Lock()
	if q.fault != nil {
		entry.err = q.fault
		close(entry.ready)
		q.mu.Unlock()
		return entry
	}
	q.waiting.Push(entry)
	q.pending++
	fault := q.dispatchLocked()
	q.mu.Unlock()
	q.raise(fault)
	return entry
}

// Wait blocks until an enqueued entry is granted or ctx is done
func (q *admissionQueue) Wait(ctx context.Context, entry *admission) (func(), error) {
	select {
	case <-entry.ready:
		if entry.err != nil {
			return nil, entry.err
		}
		return q.releaser(entry), nil
	case <-ctx.Done():
		if err := q.Abandon(entry); err != nil {
			return nil, err
		}
		return nil, context.Cause(ctx)
	}
}

// Abandon withdraws an entry that will not be waited for. A slot granted in
// the meantime is given back. It returns the queue fault if the entry was
// rejected.
func (q *admissionQueue) Abandon(entry *admission) error {
	q.mu.Lock()
	if entry.granted {
		q.mu.Unlock()
		q.releaser(entry)()
		return nil
	}
	if entry.err == nil && !entry.abandoned {
		entry.abandoned = true
		q.pending--
	}
	err := entry.err
	q.mu.Unlock()
	return err
}

// releaser returns the idempotent release function of a granted entry
func (q *admissionQueue) releaser(entry *admission) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			q.mu.Lock()
			q.running--
			if entry.affinity != "" {
				delete(q.busy, entry.affinity)
			}
			fault := q.dispatchLocked()
			q.mu.Unlock()
			metrics.ItemStopped()
			q.raise(fault)
		})
	}
}

// dispatchLocked grants as many waiting entries as capacity and affinity
// allow. It returns an error when live entries are stuck with nothing
// running that could ever free them. With capacity above zero and composites
// releasing before their children start this cannot happen in a run.
func (q *admissionQueue) dispatchLocked() error {
	var blocked []*admission
	for q.running < q.capacity && !q.waiting.Empty() {
		value, _ := q.waiting.Pop()
		entry := value.(*admission)
		if entry.abandoned {
			continue
		}
		if entry.affinity != "" && q.busy[entry.affinity] {
			blocked = append(blocked, entry)
			continue
		}
		q.grantLocked(entry)
	}
	for _, entry := range blocked {
		q.waiting.Push(entry)
	}

	if q.running == 0 && q.pending > 0 && q.fault == nil {
		q.fault = NewInfrastructureError("admission deadlock",
			fmt.Errorf("%d items waiting, none running, capacity %d", q.pending, q.capacity))
		q.failLocked(q.fault)
		return q.fault
	}
	return nil
}

func (q *admissionQueue) grantLocked(entry *admission) {
	entry.granted = true
	q.pending--
	q.running++
	if entry.affinity != "" {
		q.busy[entry.affinity] = true
	}
	metrics.ItemStarted()
	q.log.Debug("Admitted work item", "node", entry.nodeID, "order", entry.order, "affinity", entry.affinity, "running", q.running)
	close(entry.ready)
}

// failLocked rejects every waiting entry
func (q *admissionQueue) failLocked(err error) {
	for !q.waiting.Empty() {
		value, _ := q.waiting.Pop()
		entry := value.(*admission)
		if entry.abandoned {
			continue
		}
		entry.err = err
		q.pending--
		close(entry.ready)
	}
}

func (q *admissionQueue) raise(err error) {
	if err != nil && q.onFault != nil {
		q.onFault(err)
	}
}

// Running returns the number of granted slots
func (q *admissionQueue) Running() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}
