package transport

import "sync"

type pendingCompletion struct {
	cpl Completion
	cb  CompletionFunc
}

// Mock is an in-memory Transport: writes land in a byte slice, reads
// come back out of it, and completions queue per queue-pair until
// PollCompletions drains them — preserving the submit-then-poll
// discipline real hardware imposes, which the IOWorker and queue-pair
// wrapper both depend on.
type Mock struct {
	mu sync.Mutex

	sectorSize  uint32
	sectorCount uint64
	maxTransfer uint32
	data        []byte

	nextQP  int
	pending map[QueuePairHandle][]pendingCompletion

	// InjectStatus, keyed by LBA, forces the next command whose starting
	// LBA (CDW10/CDW11) equals that key to complete with the given status
	// instead of success; other LBAs inside a command's range do not
	// match. Tests use
	// this to exercise the runtime-NVMe-error and data-integrity paths
	// without needing real failing hardware.
	InjectStatus map[uint64]uint16

	timeoutCB TimeoutFunc
	aerCB     AERFunc
}

// NewMock creates a mock transport backing a namespace of sectorCount
// 512-byte sectors.
func NewMock(sectorCount uint64, maxTransfer uint32) *Mock {
	return &Mock{
		sectorSize:   512,
		sectorCount:  sectorCount,
		maxTransfer:  maxTransfer,
		data:         make([]byte, sectorCount*512),
		nextQP:       1,
		pending:      make(map[QueuePairHandle][]pendingCompletion),
		InjectStatus: make(map[uint64]uint16),
	}
}

func (m *Mock) Probe(transportID string) (ControllerHandle, error) {
	return ControllerHandle(1), nil
}

func (m *Mock) CreateQueuePair(ctrlr ControllerHandle, qprio int, ioQueueSize uint32) (QueuePairHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	qp := QueuePairHandle(m.nextQP)
	m.nextQP++
	m.pending[qp] = nil
	return qp, nil
}

func (m *Mock) FreeQueuePair(ctrlr ControllerHandle, qp QueuePairHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, qp)
	return nil
}

func (m *Mock) SubmitRaw(ctrlr ControllerHandle, qp QueuePairHandle, cmd Command, buf []byte, cb CompletionFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	lba := uint64(cmd.CDW10) | uint64(cmd.CDW11)<<32
	status := uint16(0)

	switch cmd.Opcode {
	case 0x01: // write
		off := lba * uint64(m.sectorSize)
		if off+uint64(len(buf)) <= uint64(len(m.data)) {
			copy(m.data[off:], buf)
		}
	case 0x02: // read
		off := lba * uint64(m.sectorSize)
		if off+uint64(len(buf)) <= uint64(len(m.data)) {
			copy(buf, m.data[off:off+uint64(len(buf))])
		}
	}

	if s, ok := m.InjectStatus[lba]; ok {
		status = s
		delete(m.InjectStatus, lba)
	}

	m.pending[qp] = append(m.pending[qp], pendingCompletion{cpl: Completion{Status: status}, cb: cb})
	return nil
}

func (m *Mock) PollCompletions(ctrlr ControllerHandle, qp QueuePairHandle, max int) (int, error) {
	m.mu.Lock()
	q := m.pending[qp]
	if max <= 0 || max > len(q) {
		max = len(q)
	}
	drained := q[:max]
	m.pending[qp] = q[max:]
	m.mu.Unlock()

	for _, p := range drained {
		p.cb(p.cpl)
	}
	return len(drained), nil
}

func (m *Mock) MaxTransferSize(ctrlr ControllerHandle) uint32 { return m.maxTransfer }

func (m *Mock) NamespaceSectorCount(ctrlr ControllerHandle) uint64 { return m.sectorCount }
func (m *Mock) NamespaceSectorSize(ctrlr ControllerHandle) uint32  { return m.sectorSize }

func (m *Mock) PCIeCfgRead8(ctrlr ControllerHandle, offset uint32) (uint8, error)  { return 0, nil }
func (m *Mock) PCIeCfgWrite8(ctrlr ControllerHandle, offset uint32, value uint8) error { return nil }
func (m *Mock) RegRead32(ctrlr ControllerHandle, offset uint32) (uint32, error)    { return 0, nil }
func (m *Mock) RegWrite32(ctrlr ControllerHandle, offset uint32, value uint32) error { return nil }

func (m *Mock) RegisterTimeoutCB(cb TimeoutFunc) { m.timeoutCB = cb }
func (m *Mock) RegisterAERCB(cb AERFunc)         { m.aerCB = cb }

var _ Transport = (*Mock)(nil)
