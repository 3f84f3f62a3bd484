package qnvme

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvmetest/qnvme/internal/cmdlog"
	"github.com/nvmetest/qnvme/internal/queue"
	"github.com/nvmetest/qnvme/internal/transport"
)

func newTestNamespace(t *testing.T, sectors uint64) (*Namespace, *queue.Pair, *transport.Mock) {
	t.Helper()
	tr := transport.NewMock(sectors, 1<<20)
	ctrlr, err := tr.Probe("tcp")
	require.NoError(t, err)
	qp, err := queue.Create(tr, ctrlr, 0, 32)
	require.NoError(t, err)

	table := NewChecksumTable(sectors)
	var token atomic.Uint64
	cfg := NewConfigWord()
	cfg.Set(ConfigVerifyReads)

	ns, err := NewNamespace(1, SectorSize, sectors, ctrlr, tr, table, &token, cfg)
	require.NoError(t, err)
	return ns, qp, tr
}

// Scenario 1: sequential write-then-read of LBAs 0..15 with verify on.
func TestScenarioSequentialWriteThenRead(t *testing.T) {
	ns, qp, _ := newTestNamespace(t, 64)

	buf := make([]byte, 16*SectorSize)
	var writeErr error
	require.NoError(t, ns.ReadWrite(false, qp, buf, 0, 16, 0, func(e *cmdlog.Entry, err error) {
		writeErr = err
	}))
	_, err := qp.Wait(0)
	require.NoError(t, err)
	require.NoError(t, writeErr)

	readBuf := make([]byte, 16*SectorSize)
	var readErr error
	require.NoError(t, ns.ReadWrite(true, qp, readBuf, 0, 16, 0, func(e *cmdlog.Entry, err error) {
		readErr = err
	}))
	_, err = qp.Wait(0)
	require.NoError(t, err)
	assert.NoError(t, readErr)
}

// Scenario 2: deallocate LBAs 4..7, then read 0..15: those slots succeed
// with no verify; others verify against prior checksums.
func TestScenarioDeallocateThenRead(t *testing.T) {
	ns, qp, tr := newTestNamespace(t, 64)

	buf := make([]byte, 16*SectorSize)
	require.NoError(t, ns.ReadWrite(false, qp, buf, 0, 16, 0, nil))
	_, err := qp.Wait(0)
	require.NoError(t, err)

	require.NoError(t, ns.Deallocate(qp, []DSMRange{{LBA: 4, Count: 4}}, nil))
	_, err = qp.Wait(0)
	require.NoError(t, err)

	// Corrupt the backing store under LBAs 4..7 directly to prove
	// deallocated slots skip verification regardless of content.
	garbage := make([]byte, 4*SectorSize)
	for i := range garbage {
		garbage[i] = 0xA5
	}
	require.NoError(t, tr.SubmitRaw(ns.ctrlr, transport.QueuePairHandle(qp.ID), transport.Command{Opcode: OpcodeWrite, NSID: 1, CDW10: 4}, garbage, func(transport.Completion) {}))
	_, err = qp.Wait(0)
	require.NoError(t, err)

	readBuf := make([]byte, 16*SectorSize)
	var readErr error
	require.NoError(t, ns.ReadWrite(true, qp, readBuf, 0, 16, 0, func(e *cmdlog.Entry, err error) {
		readErr = err
	}))
	_, err = qp.Wait(0)
	require.NoError(t, err)
	assert.NoError(t, readErr)
}

// A write whose buffer is shorter than lba_count*sector_size is rejected
// immediately as an argument failure. The namespace layer does not check
// the controller's max transfer size; that check lives in NewIOWorker
// (see TestIOWorkerRejectsOversizedTransfer).
func TestReadWriteRejectsShortBuffer(t *testing.T) {
	ns, qp, _ := newTestNamespace(t, 1<<20)
	buf := make([]byte, SectorSize) // too short for 2 sectors
	err := ns.ReadWrite(false, qp, buf, 0, 2, 0, nil)
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeArgument))
}

func TestReadWriteRejectsNonzeroUpperIOFlags(t *testing.T) {
	ns, qp, _ := newTestNamespace(t, 64)
	buf := make([]byte, SectorSize)
	err := ns.ReadWrite(false, qp, buf, 0, 1, 0x00010000, nil)
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeArgument))
}

func TestWriteUncorrectableFailsSubsequentRead(t *testing.T) {
	ns, qp, _ := newTestNamespace(t, 64)

	buf := make([]byte, SectorSize)
	require.NoError(t, ns.ReadWrite(false, qp, buf, 5, 1, 0, nil))
	_, err := qp.Wait(0)
	require.NoError(t, err)

	require.NoError(t, ns.WriteUncorrectable(qp, 5, 1, nil))
	_, err = qp.Wait(0)
	require.NoError(t, err)

	readBuf := make([]byte, SectorSize)
	var readErr error
	require.NoError(t, ns.ReadWrite(true, qp, readBuf, 5, 1, 0, func(e *cmdlog.Entry, err error) {
		readErr = err
		assert.Equal(t, StatusUnrecoveredReadError, e.Status)
	}))
	_, err = qp.Wait(0)
	require.NoError(t, err)
	require.Error(t, readErr)
}

func TestNamespaceMetricsRecordReadsAndWrites(t *testing.T) {
	ns, qp, _ := newTestNamespace(t, 64)
	ns.Metrics = NewMetrics()

	buf := make([]byte, 4*SectorSize)
	require.NoError(t, ns.ReadWrite(false, qp, buf, 0, 4, 0, nil))
	_, err := qp.Wait(0)
	require.NoError(t, err)

	readBuf := make([]byte, 4*SectorSize)
	require.NoError(t, ns.ReadWrite(true, qp, readBuf, 0, 4, 0, nil))
	_, err = qp.Wait(0)
	require.NoError(t, err)

	snap := ns.Metrics.Snapshot()
	assert.Equal(t, uint64(1), snap.WriteOps)
	assert.Equal(t, uint64(1), snap.ReadOps)
	assert.Equal(t, uint64(4*SectorSize), snap.WriteBytes)
}

func TestNamespaceMetricsRecordQueueDepth(t *testing.T) {
	ns, qp, _ := newTestNamespace(t, 64)
	ns.Metrics = NewMetrics()

	buf := make([]byte, 4*SectorSize)
	require.NoError(t, ns.ReadWrite(false, qp, buf, 0, 4, 0, nil))
	_, err := qp.Wait(0)
	require.NoError(t, err)

	snap := ns.Metrics.Snapshot()
	assert.Equal(t, uint32(1), snap.MaxQueueDepth)
}

func TestSanitizeClearsEverything(t *testing.T) {
	ns, qp, _ := newTestNamespace(t, 64)
	buf := make([]byte, 8*SectorSize)
	require.NoError(t, ns.ReadWrite(false, qp, buf, 0, 8, 0, nil))
	_, err := qp.Wait(0)
	require.NoError(t, err)

	ns.Sanitize()

	for i := uint64(0); i < 8; i++ {
		assert.Equal(t, TableUnmapped, ns.table.get(i))
	}
}
