// Package transport defines the boundary between the validation engine
// and the underlying NVMe transport (PCIe or TCP). Per the spec's scope,
// the real transport — probe/attach, doorbells, PCIe config space, TCP
// framing — is a thin external collaborator; this package only declares
// the interface the core consumes, plus an in-memory Mock used by every
// test in this module (property tests can't reach real hardware).
package transport

// Command is a raw NVMe command: opcode plus the cdw10..15 fields the
// namespace wrapper populates for read/write/dataset-management.
type Command struct {
	Opcode uint8
	NSID   uint32
	CDW10  uint32
	CDW11  uint32
	CDW12  uint32
	CDW13  uint32
	CDW14  uint32
	CDW15  uint32
}

// Completion is a raw NVMe completion. Status is packed (SCT<<8)|SC, an
// 11-bit field in the real protocol but handled here as a uint16.
type Completion struct {
	CDW0   uint32
	Status uint16
}

// ControllerHandle identifies an attached controller.
type ControllerHandle int

// QueuePairHandle identifies a created queue pair. 0 is reserved for the
// admin queue.
type QueuePairHandle int

// CompletionFunc is invoked by PollCompletions for each drained
// completion, in the style of the original callback-per-command design
// (spec §9, "completion-driven submission, no futures").
type CompletionFunc func(Completion)

// TimeoutFunc and AERFunc back the opaque timeout/AER registration the
// core exposes per spec §6; the real transport invokes them out of band.
type TimeoutFunc func(qp QueuePairHandle, cmd Command)
type AERFunc func(Completion)

// Transport is the contract the validation engine consumes. A real
// implementation drives PCIe or TCP hardware; Mock drives an in-memory
// byte store for tests.
type Transport interface {
	// Probe connects to a controller by transport id: a string
	// containing ':' is treated as a PCIe BDF, anything else as a TCP
	// target (IPv4, discovery NQN, port 4420).
	Probe(transportID string) (ControllerHandle, error)

	// CreateQueuePair requests an I/O queue pair with the given
	// priority and submission-queue size (io_queue_requests).
	CreateQueuePair(ctrlr ControllerHandle, qprio int, ioQueueSize uint32) (QueuePairHandle, error)

	// FreeQueuePair releases a previously created queue pair.
	FreeQueuePair(ctrlr ControllerHandle, qp QueuePairHandle) error

	// SubmitRaw submits a command with an optional data buffer and a
	// completion callback invoked from a later PollCompletions call.
	// qp == 0 submits to the admin queue.
	SubmitRaw(ctrlr ControllerHandle, qp QueuePairHandle, cmd Command, buf []byte, cb CompletionFunc) error

	// PollCompletions drains up to max completions for qp (0 =
	// unbounded) and invokes their callbacks, returning the count
	// drained.
	PollCompletions(ctrlr ControllerHandle, qp QueuePairHandle, max int) (int, error)

	// MaxTransferSize returns the controller's maximum data transfer
	// size in bytes, used by the IOWorker argument normalization.
	MaxTransferSize(ctrlr ControllerHandle) uint32

	// NamespaceSectorCount and NamespaceSectorSize describe namespace 1,
	// the only namespace this engine ever addresses.
	NamespaceSectorCount(ctrlr ControllerHandle) uint64
	NamespaceSectorSize(ctrlr ControllerHandle) uint32

	// PCIeCfgRead8/Write8 and RegRead32/Write32 are thin pass-throughs
	// to the real transport's config space and MMIO registers; this
	// module never inspects their values itself.
	PCIeCfgRead8(ctrlr ControllerHandle, offset uint32) (uint8, error)
	PCIeCfgWrite8(ctrlr ControllerHandle, offset uint32, value uint8) error
	RegRead32(ctrlr ControllerHandle, offset uint32) (uint32, error)
	RegWrite32(ctrlr ControllerHandle, offset uint32, value uint32) error

	// RegisterTimeoutCB and RegisterAERCB register the opaque
	// timeout/AER callbacks per spec §6/§9.
	RegisterTimeoutCB(cb TimeoutFunc)
	RegisterAERCB(cb AERFunc)
}
