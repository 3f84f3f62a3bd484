package qnvme

import (
	"sync/atomic"

	"github.com/nvmetest/qnvme/internal/queue"
	"github.com/nvmetest/qnvme/internal/transport"
)

// TestHarness wires a Mock transport to a live namespace and an I/O queue
// pair, exposing the same call-count tracking the teacher's MockBackend
// gave consumers of the block-device package — here scoped to NVMe
// completions instead of backend method calls.
type TestHarness struct {
	Transport *transport.Mock
	Namespace *Namespace
	Queue     *queue.Pair
	Metrics   *Metrics
	Config    *ConfigWord

	token atomic.Uint64
}

// NewTestHarness builds a harness over a sectors-sector mock namespace
// with verify-reads enabled and a fresh queue pair at qdepth depth.
func NewTestHarness(sectors uint64, maxTransfer uint32, qdepth uint32) (*TestHarness, error) {
	tr := transport.NewMock(sectors, maxTransfer)
	ctrlr, err := tr.Probe("tcp")
	if err != nil {
		return nil, WrapError("NewTestHarness", err)
	}
	qp, err := queue.Create(tr, ctrlr, 0, qdepth)
	if err != nil {
		return nil, WrapError("NewTestHarness", err)
	}

	cfg := NewConfigWord()
	cfg.Set(ConfigVerifyReads)

	h := &TestHarness{
		Transport: tr,
		Queue:     qp,
		Metrics:   NewMetrics(),
		Config:    cfg,
	}

	ns, err := NewNamespace(1, SectorSize, sectors, ctrlr, tr, NewChecksumTable(sectors), &h.token, cfg)
	if err != nil {
		return nil, err
	}
	ns.Metrics = h.Metrics
	h.Namespace = ns
	return h, nil
}

// Drain polls the harness's queue pair until it has no more completions
// ready, returning the total drained.
func (h *TestHarness) Drain() (int, error) {
	total := 0
	for {
		n, err := h.Queue.Wait(0)
		if err != nil {
			return total, err
		}
		total += n
		if n == 0 {
			return total, nil
		}
	}
}

// CallCounts exposes per-opcode completion counts recorded by the
// harness's Metrics, for assertions on how many commands a workload
// actually completed.
func (h *TestHarness) CallCounts() map[string]uint64 {
	snap := h.Metrics.Snapshot()
	return map[string]uint64{
		"read":               snap.ReadOps,
		"write":               snap.WriteOps,
		"deallocate":          snap.DeallocateOps,
		"write_uncorrectable": snap.WriteUncorrectableOps,
		"write_zeroes":        snap.WriteZeroesOps,
	}
}
