package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvmetest/qnvme/internal/transport"
)

func TestCreateRegistersUnderID(t *testing.T) {
	tr := transport.NewMock(64, 1<<20)
	ctrlr, _ := tr.Probe("tcp")

	p, err := Create(tr, ctrlr, 0, 32)
	require.NoError(t, err)
	assert.Equal(t, 1, p.ID)
	assert.True(t, p.Log.Live())
}

func TestFreeClearsLog(t *testing.T) {
	tr := transport.NewMock(64, 1<<20)
	ctrlr, _ := tr.Probe("tcp")

	p, err := Create(tr, ctrlr, 0, 32)
	require.NoError(t, err)
	require.NoError(t, p.Free())
	assert.False(t, p.Log.Live())
}

func TestRegistryTracksLiveQueues(t *testing.T) {
	tr := transport.NewMock(64, 1<<20)
	ctrlr, _ := tr.Probe("tcp")
	reg := NewRegistry()

	p1, _ := Create(tr, ctrlr, 0, 32)
	require.NoError(t, reg.Register(p1))
	p2, _ := Create(tr, ctrlr, 0, 32)
	require.NoError(t, reg.Register(p2))

	assert.Len(t, reg.Live(), 2)

	require.NoError(t, p1.Free())
	reg.Unregister(p1.ID)
	assert.Len(t, reg.Live(), 1)
}

func TestWaitDrainsCompletions(t *testing.T) {
	tr := transport.NewMock(64, 1<<20)
	ctrlr, _ := tr.Probe("tcp")
	p, err := Create(tr, ctrlr, 0, 32)
	require.NoError(t, err)

	buf := make([]byte, 512)
	called := false
	_ = tr.SubmitRaw(ctrlr, transport.QueuePairHandle(p.ID), transport.Command{Opcode: 0x01, CDW10: 0}, buf, func(transport.Completion) {
		called = true
	})

	n, err := p.Wait(0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, called)
}
