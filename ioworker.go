package qnvme

import (
	"math/rand"
	"time"

	"github.com/nvmetest/qnvme/internal/cmdlog"
	"github.com/nvmetest/qnvme/internal/dma"
	"github.com/nvmetest/qnvme/internal/queue"
)

// IOWorkerArgs configures one workload run (spec §4.6).
type IOWorkerArgs struct {
	LBAStart       uint64
	LBASize        uint32 // blocks per I/O
	LBAAlign       uint32
	LBARandom      bool
	RegionStart    uint64
	RegionEnd      uint64
	ReadPercentage int // 0-100
	IOPS           int // 0 = uncapped
	IOCount        int // 0 = unbounded
	Seconds        int // 0 = 24h cap

	QDepth int

	// CounterPerSecond and CounterPerLatency are optional; when non-nil
	// they are populated in place during Run.
	CounterPerSecond  []uint64
	CounterPerLatency []uint64 // length UsPerSecond
}

// IOWorkerResult is the ret-block from spec §4.6.
type IOWorkerResult struct {
	IOCountRead  uint64
	IOCountWrite uint64
	LatencyMaxUs uint32
	Mseconds     uint64
	Error        uint16 // first observed 11-bit status, 0 if none
}

const maxIOWorkerSeconds = 86400

// IOWorker drives one queue pair per spec §4.6: a single cooperative
// loop that sustains QDepth concurrency, enforces an optional IOPS cap,
// and terminates on time, count, or first error.
type IOWorker struct {
	ns   *Namespace
	qp   *queue.Pair
	rng  *rand.Rand
	args IOWorkerArgs

	regionStart uint64
	regionEnd   uint64 // aligned last valid start LBA, per spec's normalization
	ioCount     int    // 0 stays 0 meaning unbounded
	seconds     int

	lastSeqLBA   uint64
	seqStarted   bool
	ioCountSent  uint64
	ioCountCplt  uint64
	ioCountRead  uint64
	ioCountWrite uint64
	latencyMaxUs uint32
	errStatus    uint16
	finished     bool

	ioDelayUs  int64
	nextDueUs  int64
	startTime  time.Time
	secTimerUs int64
	secIndex   int

	bufPool *dma.Pool
}

// NewIOWorker normalizes arguments per spec §4.6 and returns a ready
// worker, or an *Error (ErrCodeArgument) if a precondition is violated —
// in which case no command is ever logged (scenario 5).
func NewIOWorker(ns *Namespace, qp *queue.Pair, rng *rand.Rand, args IOWorkerArgs) (*IOWorker, error) {
	seconds := args.Seconds
	if seconds == 0 {
		seconds = maxIOWorkerSeconds
	}
	if seconds > maxIOWorkerSeconds {
		seconds = maxIOWorkerSeconds
	}

	ioCount := args.IOCount // 0 means unbounded, kept as 0

	regionEndRaw := args.RegionEnd
	if regionEndRaw > ns.NumSectors {
		regionEndRaw = ns.NumSectors
	}

	align := args.LBAAlign
	if align == 0 {
		align = 1
	}
	regionStart := ceilAlign(args.RegionStart, align)
	var regionEnd uint64
	if regionEndRaw >= uint64(args.LBASize)+1 {
		regionEnd = floorAlign(regionEndRaw-uint64(args.LBASize)-1, align)
	}
	if regionEnd <= regionStart {
		return nil, NewArgumentError("IOWorker", StatusInvalidFieldInCmd, "region_start must be less than region_end")
	}

	qdepth := args.QDepth
	if ioCount != 0 && qdepth > ioCount {
		qdepth = ioCount
	}
	if qdepth > CmdLogDepth/2 {
		return nil, NewArgumentError("IOWorker", StatusInvalidFieldInCmd, "qdepth exceeds CMD_LOG_DEPTH/2")
	}

	if uint64(args.LBASize)*uint64(ns.SectorSize) > uint64(ns.MaxTransferSize()) {
		return nil, NewArgumentError("IOWorker", StatusInvalidFieldInCmd, "lba_size*sector_size exceeds max transfer")
	}

	w := &IOWorker{
		ns:          ns,
		qp:          qp,
		rng:         rng,
		args:        args,
		regionStart: regionStart,
		regionEnd:   regionEnd,
		ioCount:     ioCount,
		seconds:     seconds,
		bufPool:     dma.NewPool(),
	}
	w.args.QDepth = qdepth
	if args.IOPS > 0 {
		w.ioDelayUs = int64(1_000_000 / args.IOPS)
	}
	return w, nil
}

func ceilAlign(v uint64, align uint32) uint64 {
	a := uint64(align)
	if a <= 1 {
		return v
	}
	return ((v + a - 1) / a) * a
}

func floorAlign(v uint64, align uint32) uint64 {
	a := uint64(align)
	if a <= 1 {
		return v
	}
	return (v / a) * a
}

// selectLBA implements spec §4.6's sequential/random LBA selection.
func (w *IOWorker) selectLBA() uint64 {
	if w.args.LBARandom {
		span := w.regionEnd - w.regionStart
		if span == 0 {
			return floorAlign(w.regionStart, w.args.LBAAlign)
		}
		lba := w.regionStart + uint64(w.rng.Int63n(int64(span)))
		return floorAlign(lba, w.args.LBAAlign)
	}

	if !w.seqStarted {
		w.seqStarted = true
		w.lastSeqLBA = w.args.LBAStart
		return w.lastSeqLBA
	}
	next := w.lastSeqLBA + uint64(w.args.LBAAlign)
	if next < w.regionStart {
		next = w.regionStart
	}
	if next > w.regionEnd {
		next = w.regionStart
	}
	w.lastSeqLBA = next
	return next
}

func (w *IOWorker) elapsedUs() int64 {
	return time.Since(w.startTime).Microseconds()
}

// Run executes the worker to completion, an IOWorker hard timeout, or
// first error, per spec §4.6's state machine (Init -> Warming -> Running
// -> Draining -> Done).
func (w *IOWorker) Run() (*IOWorkerResult, error) {
	w.startTime = time.Now()
	defer w.bufPool.Close()

	bufSize := int(uint64(w.args.LBASize) * uint64(w.ns.SectorSize))
	dmaBufs := make([]*dma.Buffer, w.args.QDepth)
	bufs := make([][]byte, w.args.QDepth)
	for i := range bufs {
		b, err := w.bufPool.Get(bufSize)
		if err != nil {
			return nil, WrapError("IOWorker.Run", err)
		}
		dmaBufs[i] = b
		bufs[i] = b.Bytes()
	}
	defer func() {
		for _, b := range dmaBufs {
			w.bufPool.Put(b)
		}
	}()

	hardDeadline := time.Duration(w.seconds+10) * time.Second

	for i := range bufs {
		w.submitNext(bufs[i])
	}

	for !(w.ioCountSent == w.ioCountCplt && w.finished) {
		if _, err := w.qp.Wait(0); err != nil {
			return w.result(), err
		}
		if time.Since(w.startTime) > hardDeadline {
			return w.result(), NewTimeoutError("IOWorker.Run")
		}
	}

	return w.result(), nil
}

func (w *IOWorker) result() *IOWorkerResult {
	return &IOWorkerResult{
		IOCountRead:  w.ioCountRead,
		IOCountWrite: w.ioCountWrite,
		LatencyMaxUs: w.latencyMaxUs,
		Mseconds:     uint64(time.Since(w.startTime).Milliseconds()),
		Error:        w.errStatus,
	}
}

func (w *IOWorker) submitNext(buf []byte) {
	if w.finished {
		return
	}
	lba := w.selectLBA()
	isRead := w.rng.Intn(100) < w.args.ReadPercentage
	w.ioCountSent++

	err := w.ns.ReadWrite(isRead, w.qp, buf, lba, w.args.LBASize, 0, func(e *cmdlog.Entry, err error) {
		w.onComplete(buf, e, err)
	})
	if err != nil {
		// Couldn't even submit (e.g. queue rejected it); treat as a
		// completed-with-error I/O so the drain loop still converges.
		w.ioCountCplt++
		w.finished = true
		if w.errStatus == 0 {
			w.errStatus = StatusInvalidFieldInCmd
		}
	}
}

func (w *IOWorker) onComplete(buf []byte, e *cmdlog.Entry, err error) {
	w.ioCountCplt++

	if e.LatencyUs > w.latencyMaxUs {
		w.latencyMaxUs = e.LatencyUs
	}
	if e.Opcode == OpcodeRead {
		w.ioCountRead++
	} else {
		w.ioCountWrite++
	}

	if w.args.CounterPerLatency != nil {
		idx := int(e.LatencyUs)
		if idx >= len(w.args.CounterPerLatency) {
			idx = len(w.args.CounterPerLatency) - 1
		}
		w.args.CounterPerLatency[idx]++
	}

	if w.ioDelayUs > 0 {
		w.nextDueUs += w.ioDelayUs
		now := w.elapsedUs()
		if w.nextDueUs > now {
			time.Sleep(time.Duration(w.nextDueUs-now) * time.Microsecond)
		}
	}

	if err != nil {
		if w.errStatus == 0 {
			w.errStatus = e.Status
		}
		w.finished = true
	}

	if w.args.CounterPerSecond != nil {
		nowUs := w.elapsedUs()
		for nowUs >= w.secTimerUs+1_000_000 {
			w.secTimerUs += 1_000_000
			w.secIndex++
			if w.secIndex < len(w.args.CounterPerSecond) {
				w.args.CounterPerSecond[w.secIndex] = 0
			}
		}
		if w.secIndex < len(w.args.CounterPerSecond) {
			w.args.CounterPerSecond[w.secIndex]++
		}
	}

	if w.ioCount != 0 && int(w.ioCountSent) >= w.ioCount {
		w.finished = true
	}
	if w.elapsedUs() > int64(w.seconds)*1_000_000 {
		w.finished = true
	}

	if !w.finished {
		w.submitNext(buf)
	}
}
