package qnvme

import (
	"sync/atomic"

	"github.com/nvmetest/qnvme/internal/cmdlog"
	"github.com/nvmetest/qnvme/internal/queue"
	"github.com/nvmetest/qnvme/internal/transport"
)

// ConfigWord is the single process-shared 64-bit global configuration
// value (spec §3): bit 0 is "verify reads". Mutated only by the primary;
// readable by all. bits is a pointer rather than an embedded value so a
// driver can overlay it directly on a shared-memory segment (see
// Driver.Init); standalone callers get a private word via NewConfigWord.
type ConfigWord struct {
	bits *atomic.Uint64
}

// NewConfigWord returns a config word backed by ordinary process memory,
// for tests and any caller that doesn't need cross-process sharing.
func NewConfigWord() *ConfigWord {
	return &ConfigWord{bits: new(atomic.Uint64)}
}

// newConfigWordAt overlays a config word on an existing atomic word,
// typically one carved out of a shared-memory segment.
func newConfigWordAt(bits *atomic.Uint64) *ConfigWord {
	return &ConfigWord{bits: bits}
}

// Set replaces the whole config word (driver_config(u64) in spec §6).
func (c *ConfigWord) Set(v uint64) { c.bits.Store(v) }

// Get returns the raw config word.
func (c *ConfigWord) Get() uint64 { return c.bits.Load() }

// VerifyReads reports whether bit 0 is set.
func (c *ConfigWord) VerifyReads() bool { return c.bits.Load()&ConfigVerifyReads != 0 }

// Namespace wraps NVMe namespace 1 — the only namespace this engine ever
// addresses (spec §1 Non-goals) — with the data painter/verifier hooked
// into every write and read.
type Namespace struct {
	ID         uint32
	SectorSize uint32
	NumSectors uint64

	ctrlr     transport.ControllerHandle
	transport transport.Transport
	table     *ChecksumTable
	token     *atomic.Uint64
	config    *ConfigWord

	// Metrics is optional; when set by the driver, every completion on a
	// bound queue pair is recorded here.
	Metrics *Metrics
}

// NewNamespace attaches namespace 1. Per spec §4.5 preconditions, any ID
// other than 1 or any sector size other than 512 is rejected immediately.
func NewNamespace(id uint32, sectorSize uint32, numSectors uint64, ctrlr transport.ControllerHandle, tr transport.Transport, table *ChecksumTable, token *atomic.Uint64, config *ConfigWord) (*Namespace, error) {
	if id != 1 {
		return nil, NewArgumentError("NewNamespace", StatusInvalidFieldInCmd, "only namespace id 1 is supported")
	}
	if sectorSize != SectorSize {
		return nil, NewArgumentError("NewNamespace", StatusInvalidFieldInCmd, "only 512-byte sectors are supported")
	}
	return &Namespace{
		ID:         id,
		SectorSize: sectorSize,
		NumSectors: numSectors,
		ctrlr:      ctrlr,
		transport:  tr,
		table:      table,
		token:      token,
		config:     config,
	}, nil
}

// MaxTransferSize returns the controller's maximum data transfer size in
// bytes, consulted by the IOWorker argument normalization.
func (ns *Namespace) MaxTransferSize() uint32 {
	return ns.transport.MaxTransferSize(ns.ctrlr)
}

// bindVerifier wires the queue pair's command log to this namespace's
// table and the global verify-reads bit, exactly once per pair.
func (ns *Namespace) bindVerifier(qp *queue.Pair) {
	if qp.Log.Verify == nil {
		qp.Log.Verify = func(e *cmdlog.Entry) error {
			if !ns.config.VerifyReads() {
				return nil
			}
			return verify(e.Buf, e.LBA, e.LBACount, e.SectorSize, ns.table, e.Queue)
		}
	}
	if qp.Log.Observe == nil && ns.Metrics != nil {
		qp.Log.Observe = func(e *cmdlog.Entry, err error) {
			bytes := uint64(e.LBACount) * uint64(e.SectorSize)
			switch e.Opcode {
			case OpcodeRead:
				ns.Metrics.RecordRead(bytes, e.LatencyUs, err)
			case OpcodeWrite:
				ns.Metrics.RecordWrite(bytes, e.LatencyUs, err)
			case OpcodeDatasetManagement:
				ns.Metrics.RecordDeallocate(e.LatencyUs)
			case OpcodeWriteUncorrectable:
				ns.Metrics.RecordWriteUncorrectable(e.LatencyUs)
			case OpcodeWriteZeroes:
				ns.Metrics.RecordWriteZeroes(e.LatencyUs)
			}
			ns.Metrics.RecordQueueDepth(uint32(qp.Log.Outstanding()))
		}
	}
}

// ReadWrite implements spec §4.5's read_write: precondition checks,
// command construction, paint-before-submit on writes, command-log
// append, and transport submission with the log's completion hook.
func (ns *Namespace) ReadWrite(isRead bool, qp *queue.Pair, buf []byte, lba uint64, lbaCount uint32, ioFlags uint32, cb func(*cmdlog.Entry, error)) error {
	if ns.SectorSize != SectorSize {
		return NewArgumentError("ReadWrite", StatusInvalidFieldInCmd, "sector size must be 512")
	}
	if uint64(len(buf)) < uint64(lbaCount)*uint64(ns.SectorSize) {
		return NewArgumentError("ReadWrite", StatusInvalidFieldInCmd, "buffer shorter than lba_count*sector_size")
	}
	if ioFlags&0xFFFF0000 != 0 {
		return NewArgumentError("ReadWrite", StatusInvalidFieldInCmd, "upper 16 bits of io_flags must be clear")
	}
	if ns.ID != 1 {
		return NewArgumentError("ReadWrite", StatusInvalidFieldInCmd, "namespace id must be 1")
	}

	ns.bindVerifier(qp)

	opcode := uint8(OpcodeWrite)
	if isRead {
		opcode = OpcodeRead
	}
	cmd := transport.Command{
		Opcode: opcode,
		NSID:   ns.ID,
		CDW10:  uint32(lba),
		CDW11:  uint32(lba >> 32),
		CDW12:  ioFlags | (lbaCount - 1),
	}

	if !isRead {
		paint(buf, lba, lbaCount, ns.SectorSize, ns.table, ns.token)
	}

	entry := qp.Log.AddCmd(qp.ID, opcode, lba, lbaCount, ns.SectorSize, buf, cb, nil)
	return qp.Submit(cmd, buf, func(cpl transport.Completion) {
		qp.Log.Complete(entry, cpl.Status)
	})
}

// DSMRange is one Dataset Management deallocate range.
type DSMRange struct {
	LBA   uint64
	Count uint32
}

// Deallocate implements opcode 9: clears each range to unmapped before
// submission, per spec §4.5.
func (ns *Namespace) Deallocate(qp *queue.Pair, ranges []DSMRange, cb func(*cmdlog.Entry, error)) error {
	ns.bindVerifier(qp)
	for _, r := range ranges {
		ns.table.Clear(r.LBA, uint64(r.Count), false, false)
	}
	cmd := transport.Command{Opcode: OpcodeDatasetManagement, NSID: ns.ID, CDW10: uint32(len(ranges) - 1)}
	entry := qp.Log.AddCmd(qp.ID, OpcodeDatasetManagement, 0, 0, ns.SectorSize, nil, cb, nil)
	return qp.Submit(cmd, nil, func(cpl transport.Completion) {
		qp.Log.Complete(entry, cpl.Status)
	})
}

// WriteUncorrectable implements opcode 4: marks the range uncorrectable
// before submission so any subsequent read fails verification even if
// the completion itself reports success.
func (ns *Namespace) WriteUncorrectable(qp *queue.Pair, lba uint64, count uint32, cb func(*cmdlog.Entry, error)) error {
	ns.bindVerifier(qp)
	ns.table.Clear(lba, uint64(count), false, true)
	cmd := transport.Command{
		Opcode: OpcodeWriteUncorrectable,
		NSID:   ns.ID,
		CDW10:  uint32(lba),
		CDW11:  uint32(lba >> 32),
		CDW12:  count - 1,
	}
	entry := qp.Log.AddCmd(qp.ID, OpcodeWriteUncorrectable, lba, count, ns.SectorSize, nil, cb, nil)
	return qp.Submit(cmd, nil, func(cpl transport.Completion) {
		qp.Log.Complete(entry, cpl.Status)
	})
}

// WriteZeroes implements opcode 8: the range is marked unmapped, same as
// deallocate, since the resulting content carries no payload to verify
// against (spec §4.5).
func (ns *Namespace) WriteZeroes(qp *queue.Pair, lba uint64, count uint32, cb func(*cmdlog.Entry, error)) error {
	ns.bindVerifier(qp)
	ns.table.Clear(lba, uint64(count), false, false)
	cmd := transport.Command{
		Opcode: OpcodeWriteZeroes,
		NSID:   ns.ID,
		CDW10:  uint32(lba),
		CDW11:  uint32(lba >> 32),
		CDW12:  count - 1,
	}
	entry := qp.Log.AddCmd(qp.ID, OpcodeWriteZeroes, lba, count, ns.SectorSize, nil, cb, nil)
	return qp.Submit(cmd, nil, func(cpl transport.Completion) {
		qp.Log.Complete(entry, cpl.Status)
	})
}

// Format clears the whole namespace's checksum-table range to unmapped.
func (ns *Namespace) Format() {
	ns.table.Clear(0, ns.NumSectors, false, false)
}

// Sanitize clears the entire table regardless of namespace size,
// matching spec §4.2's sanitize=true mode (caller passes lba=0).
func (ns *Namespace) Sanitize() {
	ns.table.Clear(0, 0, true, false)
}
