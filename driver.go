package qnvme

import (
	"errors"
	"fmt"
	"math/rand"
	"os"
	"runtime"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/nvmetest/qnvme/internal/logging"
	"github.com/nvmetest/qnvme/internal/queue"
	"github.com/nvmetest/qnvme/internal/rpc"
	"github.com/nvmetest/qnvme/internal/shm"
	"github.com/nvmetest/qnvme/internal/transport"
)

// bookkeepingHeaderSize is the fixed prefix of the bookkeeping segment:
// 8 bytes for the IO token, 8 bytes for the config word. The checksum
// table's entries follow immediately after, one atomic uint32 per
// sector (spec §3's "process-shared LBA->checksum map").
const bookkeepingHeaderSize = 16

// DriverOptions configures Driver.Init.
type DriverOptions struct {
	// InstanceName disambiguates shared-memory segment names when more
	// than one driver instance runs on the same host (rare; tests mostly
	// want the default).
	InstanceName string

	// RPCSocketPath overrides rpc.DefaultSocketPath; tests always set
	// this to a per-test temp path.
	RPCSocketPath string

	// DisableRPC skips spawning the RPC acceptor even when this process
	// becomes primary, for tests that don't want a listening socket.
	DisableRPC bool

	// MemSizeMiB pads the bookkeeping segment up to at least this many
	// MiB, echoing the original driver's upfront mem_size reservation.
	// The segment is always sized to actually fit the token, config
	// word, and checksum table first; this only adds slack on top, and
	// defaults to no padding at all.
	MemSizeMiB int
}

// segmentSize returns the bookkeeping segment size needed for a
// sectorCount-sector namespace's checksum table, padded up to
// MemSizeMiB if that's larger.
func (o DriverOptions) segmentSize(sectorCount uint64) int {
	needed := bookkeepingHeaderSize + int(sectorCount)*4
	if pad := o.MemSizeMiB << 20; pad > needed {
		return pad
	}
	return needed
}

// Driver bootstraps and tears down the process-wide state a validation
// run needs: a reproducible PRNG, CPU-core pinning, the shared-memory
// segments backing cross-process state, the queue-pair registry, and (in
// the primary process only) the RPC acceptor (spec §4.7).
type Driver struct {
	opts   DriverOptions
	logger *logging.Logger

	shm    *shm.Registry
	rng    *rand.Rand
	config *ConfigWord
	token  *atomic.Uint64
	Table  *ChecksumTable

	Metrics   *Metrics
	Queues    *queue.Registry
	rpc       *rpc.Server
	transport transport.Transport
}

// NewDriver constructs a driver bound to tr but does not yet touch
// shared memory, affinity, or RPC; call Init to bootstrap. The config
// word and token default to private, process-local atomics so a driver
// is still safely usable before Init (and in tests that skip it); Init
// replaces both with views onto the shared bookkeeping segment.
func NewDriver(tr transport.Transport, opts DriverOptions) *Driver {
	return &Driver{
		opts:      opts,
		logger:    logging.Default(),
		rng:       rand.New(rand.NewSource(1)),
		config:    NewConfigWord(),
		token:     new(atomic.Uint64),
		Metrics:   NewMetrics(),
		Queues:    queue.NewRegistry(),
		transport: tr,
	}
}

// Init reproduces driver_init: seed the PRNG (already done in NewDriver,
// since the original seeds before spdk_env_init runs anything
// concurrent), pin this process to a deterministic core, create or
// attach the shared-memory bookkeeping segment that the IO token,
// config word, and checksum table all live in, and — in the primary
// process only — spawn the RPC acceptor.
func (d *Driver) Init(sectorCount uint64) error {
	if err := d.pinToCore(); err != nil {
		d.logger.Warn("failed to set core affinity", "error", err)
	}

	reg := shm.NewRegistry()
	name := "driver"
	if d.opts.InstanceName != "" {
		name = d.opts.InstanceName
	}
	seg, err := shm.CreateOrAttach(name+".bookkeeping", d.opts.segmentSize(sectorCount))
	if err != nil {
		return WrapError("Driver.Init", err)
	}
	reg.Track(seg)
	d.shm = reg

	// Attachers (secondaries) map the same file the primary already
	// truncated to this layout, so the offsets below line up for every
	// process regardless of who created the segment. Clamp the entry
	// count to what's actually mapped in case a misconfigured attacher
	// passes a larger sectorCount than the primary did.
	d.token = seg.Uint64At(0)
	d.config = newConfigWordAt(seg.Uint64At(8))
	maxEntries := (len(seg.Bytes()) - bookkeepingHeaderSize) / 4
	numEntries := int(sectorCount)
	if numEntries > maxEntries {
		numEntries = maxEntries
	}
	entries := seg.Uint32SliceAt(bookkeepingHeaderSize, numEntries)
	d.Table = &ChecksumTable{entries: entries}

	if err := d.startRPC(); err != nil && !errors.Is(err, rpc.ErrNotPrimary) {
		return WrapError("Driver.Init", err)
	}

	d.logger.Info("driver initialized", "primary", reg.IsPrimary(), "pid", os.Getpid())
	return nil
}

// startRPC spawns the RPC acceptor. Only the primary ever serves RPC
// (spec §4.7, §5); a secondary gets rpc.ErrNotPrimary, which Init treats
// as an expected, non-fatal branch rather than a setup failure.
func (d *Driver) startRPC() error {
	if !d.IsPrimary() {
		return rpc.ErrNotPrimary
	}
	if d.opts.DisableRPC {
		return nil
	}
	srv, err := rpc.NewServer(d.opts.RPCSocketPath, d.Queues, d.logger)
	if err != nil {
		return err
	}
	d.rpc = srv
	go srv.Serve()
	return nil
}

// pinToCore mirrors driver_init's 1<<(pid%nproc) core mask, grounded on
// the teacher's ioLoop affinity block.
func (d *Driver) pinToCore() error {
	nproc := runtime.NumCPU()
	if nproc <= 0 {
		return nil
	}
	cpu := os.Getpid() % nproc
	var mask unix.CPUSet
	mask.Set(cpu)
	return unix.SchedSetaffinity(0, &mask)
}

// SetConfig replaces the global config word (driver_config in spec §6).
func (d *Driver) SetConfig(v uint64) { d.config.Set(v) }

// Config returns the shared config word for wiring into new namespaces.
func (d *Driver) Config() *ConfigWord { return d.config }

// Token returns the shared IO token counter for wiring into new
// namespaces.
func (d *Driver) Token() *atomic.Uint64 { return d.token }

// IsPrimary reports whether this process created (rather than attached
// to) the shared bookkeeping segment.
func (d *Driver) IsPrimary() bool {
	return d.shm != nil && d.shm.IsPrimary()
}

// Transport returns the bound transport.
func (d *Driver) Transport() transport.Transport { return d.transport }

// NewNamespace attaches namespace id (only 1 is supported) using the
// driver's shared config word, IO token, and checksum table, and wires
// the driver's Metrics into it.
func (d *Driver) NewNamespace(id uint32, sectorSize uint32, numSectors uint64, ctrlr transport.ControllerHandle) (*Namespace, error) {
	ns, err := NewNamespace(id, sectorSize, numSectors, ctrlr, d.transport, d.Table, d.token, d.config)
	if err != nil {
		return nil, err
	}
	ns.Metrics = d.Metrics
	return ns, nil
}

// NewQueuePair creates and registers a queue pair under the driver's
// registry (spec §4.4, §4.7's cmd_log_qpair_init).
func (d *Driver) NewQueuePair(ctrlr transport.ControllerHandle, qprio int, depth uint32) (*queue.Pair, error) {
	p, err := queue.Create(d.transport, ctrlr, qprio, depth)
	if err != nil {
		return nil, err
	}
	if err := d.Queues.Register(p); err != nil {
		return nil, fmt.Errorf("driver: register queue pair: %w", err)
	}
	return p, nil
}

// Fini reproduces driver_fini: only the primary tears anything down —
// stopping the RPC acceptor, clearing every live queue's command log,
// and releasing shared memory.
func (d *Driver) Fini() error {
	if !d.IsPrimary() {
		if d.shm != nil {
			return d.shm.Close()
		}
		return nil
	}

	if d.rpc != nil {
		if err := d.rpc.Stop(); err != nil {
			d.logger.Warn("rpc stop failed", "error", err)
		}
	}
	for _, p := range d.Queues.Live() {
		p.Log.Clear()
	}
	d.Metrics.Stop()
	d.logger.Info("driver unloaded")

	if d.shm != nil {
		return d.shm.Close()
	}
	return nil
}
