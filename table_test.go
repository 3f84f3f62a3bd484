package qnvme

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCsumNeverSentinel(t *testing.T) {
	// A raw CRC32C of 0 or 0xFFFFFFFF would collide with a sentinel. Sweep
	// a range of small buffers and assert neither sentinel ever appears.
	for i := 0; i < 4096; i++ {
		buf := make([]byte, 64)
		buf[0] = byte(i)
		buf[1] = byte(i >> 8)
		c := csum(buf)
		assert.NotEqual(t, uint32(0), c)
		assert.NotEqual(t, uint32(0xFFFFFFFF), c)
	}
}

func TestPaintVerifyRoundTrip(t *testing.T) {
	table := NewChecksumTable(64)
	var token atomic.Uint64
	buf := make([]byte, 4*SectorSize)

	paint(buf, 10, 4, SectorSize, table, &token)
	require.NoError(t, verify(buf, 10, 4, SectorSize, table, -1))
}

func TestVerifyLBAMismatch(t *testing.T) {
	table := NewChecksumTable(64)
	var token atomic.Uint64
	buf := make([]byte, 4*SectorSize)

	paint(buf, 10, 4, SectorSize, table, &token)
	// Corrupt the LBA word of slot 2.
	buf[2*SectorSize] ^= 0xFF

	err := verify(buf, 10, 4, SectorSize, table, 0)
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeDataIntegrity))
	var qe *Error
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, uint64(12), qe.LBA)
}

func TestVerifyCRCMismatch(t *testing.T) {
	table := NewChecksumTable(64)
	var token atomic.Uint64
	buf := make([]byte, 4*SectorSize)

	paint(buf, 10, 4, SectorSize, table, &token)
	// Corrupt a middle byte (not the LBA word, not the token word).
	buf[1*SectorSize+16] ^= 0xFF

	err := verify(buf, 10, 4, SectorSize, table, 0)
	require.Error(t, err)
	var qe *Error
	require.ErrorAs(t, err, &qe)
	assert.Contains(t, qe.Msg, "crc mismatch")
}

func TestClearUnmappedSkipsVerification(t *testing.T) {
	table := NewChecksumTable(64)
	var token atomic.Uint64
	buf := make([]byte, 4*SectorSize)

	paint(buf, 10, 4, SectorSize, table, &token)
	table.Clear(12, 1, false, false)

	// Even with the buffer content stale, an unmapped LBA must verify ok.
	buf[2*SectorSize+16] ^= 0xFF
	require.NoError(t, verify(buf, 12, 1, SectorSize, table, 0))
}

func TestClearUncorrectableFailsVerify(t *testing.T) {
	table := NewChecksumTable(64)
	var token atomic.Uint64
	buf := make([]byte, SectorSize)

	paint(buf, 5, 1, SectorSize, table, &token)
	table.Clear(5, 1, false, true)

	err := verify(buf, 5, 1, SectorSize, table, 0)
	require.Error(t, err)
	var qe *Error
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, StatusUnrecoveredReadError, qe.Status)
}

func TestSanitizeClearsWholeTable(t *testing.T) {
	table := NewChecksumTable(64)
	var token atomic.Uint64
	buf := make([]byte, 8*SectorSize)
	paint(buf, 0, 8, SectorSize, table, &token)

	table.Clear(0, 0, true, false)

	for i := uint64(0); i < 8; i++ {
		assert.Equal(t, TableUnmapped, table.get(i))
	}
}

func TestTokenMonotonic(t *testing.T) {
	var token atomic.Uint64
	table := NewChecksumTable(1024)
	buf := make([]byte, 4*SectorSize)

	paint(buf, 0, 4, SectorSize, table, &token)
	first := token.Load()
	paint(buf, 100, 4, SectorSize, table, &token)
	second := token.Load()

	assert.Greater(t, second, first)
}

func TestNilTableDegradesToNoOp(t *testing.T) {
	table := NewChecksumTable(0)
	assert.Nil(t, table)

	var token atomic.Uint64
	buf := make([]byte, SectorSize)
	paint(buf, 0, 1, SectorSize, table, &token)
	require.NoError(t, verify(buf, 0, 1, SectorSize, table, 0))
}
