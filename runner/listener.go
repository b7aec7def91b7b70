package runner

import (
	"github.com/ethereum-optimism/infra/op-dispatch/types"
)

// Listener receives execution events. Calls are made synchronously from
// whichever goroutine executed the item, so implementations must be safe
// for concurrent use.
type Listener interface {
	ItemStarted(node *types.Node)
	ItemFinished(node *types.Node, result *types.Result)
	OutputProduced(node *types.Node, output []byte)
}

// noOpListener ignores every event
type noOpListener struct{}

// NewNoOpListener creates a listener that does nothing
func NewNoOpListener() Listener {
	return noOpListener{}
}

func (noOpListener) ItemStarted(node *types.Node)                        {}
func (noOpListener) ItemFinished(node *types.Node, result *types.Result) {}
func (noOpListener) OutputProduced(node *types.Node, output []byte)      {}

// multiListener fans events out to several listeners in order
type multiListener []Listener

// NewMultiListener combines listeners. Nil entries are dropped.
func NewMultiListener(listeners ...Listener) Listener {
	var combined multiListener
	for _, l := range listeners {
		if l != nil {
			combined = append(combined, l)
		}
	}
	if len(combined) == 0 {
		return NewNoOpListener()
	}
	if len(combined) == 1 {
		return combined[0]
	}
	return combined
}

func (m multiListener) ItemStarted(node *types.Node) {
	for _, l := range m {
		l.ItemStarted(node)
	}
}

func (m multiListener) ItemFinished(node *types.Node, result *types.Result) {
	for _, l := range m {
		l.ItemFinished(node, result)
	}
}

func (m multiListener) OutputProduced(node *types.Node, output []byte) {
	for _, l := range m {
		l.OutputProduced(node, output)
	}
}
