package qnvme

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIOWorkerOneIOExactly(t *testing.T) {
	ns, qp, _ := newTestNamespace(t, 256)
	rng := rand.New(rand.NewSource(1))

	w, err := NewIOWorker(ns, qp, rng, IOWorkerArgs{
		LBAStart:       0,
		LBASize:        1,
		LBAAlign:       1,
		RegionStart:    0,
		RegionEnd:      256,
		ReadPercentage: 0,
		IOCount:        1,
		QDepth:         1,
		Seconds:        1,
	})
	require.NoError(t, err)

	res, err := w.Run()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.IOCountRead+res.IOCountWrite)
	assert.Equal(t, uint16(0), res.Error)
}

// Scenario 5: a write whose lba_size*sector_size exceeds max transfer is
// rejected immediately with no I/O issued.
func TestIOWorkerRejectsOversizedTransfer(t *testing.T) {
	// The region is wide enough for a 4096-block I/O, so the region check
	// passes and the max-transfer check is the one that rejects.
	ns, qp, _ := newTestNamespace(t, 8192)
	rng := rand.New(rand.NewSource(1))

	_, err := NewIOWorker(ns, qp, rng, IOWorkerArgs{
		LBASize:     4096, // 4096*512 = 2MiB, over the 1MiB mock max transfer
		LBAAlign:    1,
		RegionStart: 0,
		RegionEnd:   8192,
		QDepth:      1,
		Seconds:     1,
	})
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeArgument))
}

// region_start must be strictly less than region_end; a caller passing an
// inverted or degenerate region is rejected in normalization rather than
// panicking later inside random LBA selection.
func TestIOWorkerRejectsInvertedRegion(t *testing.T) {
	ns, qp, _ := newTestNamespace(t, 256)
	rng := rand.New(rand.NewSource(1))

	_, err := NewIOWorker(ns, qp, rng, IOWorkerArgs{
		LBASize:     1,
		LBAAlign:    1,
		LBARandom:   true,
		RegionStart: 200,
		RegionEnd:   100,
		QDepth:      1,
		Seconds:     1,
	})
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeArgument))
}

func TestIOWorkerRejectsOversizedQDepth(t *testing.T) {
	ns, qp, _ := newTestNamespace(t, 256)
	rng := rand.New(rand.NewSource(1))

	_, err := NewIOWorker(ns, qp, rng, IOWorkerArgs{
		LBASize:     1,
		LBAAlign:    1,
		RegionStart: 0,
		RegionEnd:   256,
		QDepth:      CmdLogDepth,
		Seconds:     1,
	})
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeArgument))
}

// Scenario 4: after a prior full-region write with verify on, a
// read_percentage=100 run sees no verify failures.
func TestIOWorkerReadAfterWriteNoVerifyFailures(t *testing.T) {
	ns, qp, _ := newTestNamespace(t, 64)
	buf := make([]byte, 64*SectorSize)
	require.NoError(t, ns.ReadWrite(false, qp, buf, 0, 64, 0, nil))
	_, err := qp.Wait(0)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(1))
	w, err := NewIOWorker(ns, qp, rng, IOWorkerArgs{
		LBAStart:       0,
		LBASize:        1,
		LBAAlign:       1,
		RegionStart:    0,
		RegionEnd:      64,
		ReadPercentage: 100,
		IOCount:        16,
		QDepth:         4,
		Seconds:        5,
	})
	require.NoError(t, err)

	res, err := w.Run()
	require.NoError(t, err)
	assert.Equal(t, uint16(0), res.Error)
	assert.Equal(t, uint64(16), res.IOCountRead)
}

func TestIOWorkerSequentialWrapsAtRegionEnd(t *testing.T) {
	ns, qp, _ := newTestNamespace(t, 32)
	rng := rand.New(rand.NewSource(1))

	w, err := NewIOWorker(ns, qp, rng, IOWorkerArgs{
		LBAStart:       0,
		LBASize:        1,
		LBAAlign:       1,
		RegionStart:    0,
		RegionEnd:      4,
		ReadPercentage: 0,
		IOCount:        10,
		QDepth:         1,
		Seconds:        5,
	})
	require.NoError(t, err)

	res, err := w.Run()
	require.NoError(t, err)
	assert.Equal(t, uint64(10), res.IOCountWrite)
}

func TestIOWorkerFirstErrorStopsSubmission(t *testing.T) {
	ns, qp, tr := newTestNamespace(t, 64)
	tr.InjectStatus[3] = StatusInvalidFieldInCmd

	rng := rand.New(rand.NewSource(1))
	w, err := NewIOWorker(ns, qp, rng, IOWorkerArgs{
		LBAStart:       3,
		LBASize:        1,
		LBAAlign:       1,
		RegionStart:    0,
		RegionEnd:      64,
		ReadPercentage: 0,
		IOCount:        100,
		QDepth:         1,
		Seconds:        5,
	})
	require.NoError(t, err)

	res, err := w.Run()
	require.NoError(t, err)
	assert.Equal(t, StatusInvalidFieldInCmd, res.Error)
	assert.Less(t, res.IOCountWrite, uint64(100))
}

func TestIOWorkerHonorsDurationBound(t *testing.T) {
	if testing.Short() {
		t.Skip("skips the real-time duration check in -short mode")
	}
	ns, qp, _ := newTestNamespace(t, 2048)
	rng := rand.New(rand.NewSource(1))

	w, err := NewIOWorker(ns, qp, rng, IOWorkerArgs{
		LBAStart:       0,
		LBASize:        1,
		LBAAlign:       1,
		LBARandom:      true,
		RegionStart:    0,
		RegionEnd:      1024,
		ReadPercentage: 0,
		IOCount:        0,
		QDepth:         32,
		Seconds:        1,
	})
	require.NoError(t, err)

	start := time.Now()
	res, err := w.Run()
	require.NoError(t, err)
	elapsed := time.Since(start)

	assert.Greater(t, elapsed, 900*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
	assert.Greater(t, res.IOCountWrite, uint64(0))
}
