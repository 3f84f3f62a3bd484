// Package queue implements the queue-pair wrapper: lifecycle management
// integrated with the per-queue command log.
package queue

import (
	"fmt"

	"github.com/nvmetest/qnvme/internal/cmdlog"
	"github.com/nvmetest/qnvme/internal/transport"
)

// MaxPairs mirrors the root package's MaxQueuePairs; duplicated as a
// package-local constant to avoid an import cycle (the root package
// depends on this one, not the reverse).
const MaxPairs = 16

// Pair wraps one transport queue pair together with its command log.
type Pair struct {
	ID     int
	ctrlr  transport.ControllerHandle
	handle transport.QueuePairHandle
	tr     transport.Transport
	Log    *cmdlog.Table
}

// Create requests an I/O queue pair from the transport with
// io_queue_requests = 2*depth. If the resulting queue ID is >= 16, the
// queue pair is freed and creation fails (spec §4.4).
func Create(tr transport.Transport, ctrlr transport.ControllerHandle, qprio int, depth uint32) (*Pair, error) {
	handle, err := tr.CreateQueuePair(ctrlr, qprio, 2*depth)
	if err != nil {
		return nil, fmt.Errorf("queue: create: %w", err)
	}
	if int(handle) >= MaxPairs {
		_ = tr.FreeQueuePair(ctrlr, handle)
		return nil, fmt.Errorf("queue: id %d exceeds registry capacity %d", handle, MaxPairs)
	}
	return &Pair{
		ID:     int(handle),
		ctrlr:  ctrlr,
		handle: handle,
		tr:     tr,
		Log:    cmdlog.NewTable(),
	}, nil
}

// Submit forwards a raw command to the transport through this pair's
// queue-pair handle. Callers should route the callback through the
// command log so completions always run the log's completion hook.
func (p *Pair) Submit(cmd transport.Command, buf []byte, onCompletion transport.CompletionFunc) error {
	return p.tr.SubmitRaw(p.ctrlr, p.handle, cmd, buf, onCompletion)
}

// Wait drains up to max completions (0 = unbounded), running each
// completion's command-log hook (and, transitively, verification and
// the user callback) on the calling goroutine.
func (p *Pair) Wait(max int) (int, error) {
	return p.tr.PollCompletions(p.ctrlr, p.handle, max)
}

// Free clears the command log (sentinel tail) and releases the
// transport resource.
func (p *Pair) Free() error {
	p.Log.Clear()
	return p.tr.FreeQueuePair(p.ctrlr, p.handle)
}

// Registry tracks the up-to-16 live queue pairs so RPC and dump
// operations can enumerate them. Admin occupies slot 0; I/O queues
// occupy 1..15. The registry lives in this process's memory and is not
// shared: a process sees only the queue pairs it registered itself.
type Registry struct {
	slots [MaxPairs]*Pair
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register tracks a created pair at its own ID slot.
func (r *Registry) Register(p *Pair) error {
	if p.ID < 0 || p.ID >= MaxPairs {
		return fmt.Errorf("queue: id %d out of range", p.ID)
	}
	r.slots[p.ID] = p
	return nil
}

// Unregister removes a pair, typically after Free.
func (r *Registry) Unregister(id int) {
	if id >= 0 && id < MaxPairs {
		r.slots[id] = nil
	}
}

// Get returns the pair at id, or nil if none is registered there.
func (r *Registry) Get(id int) *Pair {
	if id < 0 || id >= MaxPairs {
		return nil
	}
	return r.slots[id]
}

// Live returns every currently-registered pair whose command log is
// live, for RPC summaries.
func (r *Registry) Live() []*Pair {
	var out []*Pair
	for _, p := range r.slots {
		if p != nil && p.Log.Live() {
			out = append(out, p)
		}
	}
	return out
}
