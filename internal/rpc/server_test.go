package rpc

import (
	"bufio"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nvmetest/qnvme/internal/queue"
	"github.com/nvmetest/qnvme/internal/transport"
)

func TestGetNVMeControllersReturnsLiveQueueSummaries(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "spdk.sock")

	tr := transport.NewMock(64, 1<<20)
	ctrlr, err := tr.Probe("tcp")
	require.NoError(t, err)
	qp, err := queue.Create(tr, ctrlr, 0, 4)
	require.NoError(t, err)

	reg := queue.NewRegistry()
	require.NoError(t, reg.Register(qp))

	qp.Log.AddCmd(qp.ID, 0x02, 0, 1, 512, nil, nil, nil)

	srv, err := NewServer(sockPath, reg, nil)
	require.NoError(t, err)
	go srv.Serve()
	defer srv.Stop()

	conn, err := dialWithRetry(sockPath)
	require.NoError(t, err)
	defer conn.Close()

	enc := json.NewEncoder(conn)
	require.NoError(t, enc.Encode(map[string]any{"id": 1, "method": "get_nvme_controllers"}))

	dec := json.NewDecoder(bufio.NewReader(conn))
	var resp struct {
		Result [][2]any `json:"result"`
	}
	require.NoError(t, dec.Decode(&resp))
	require.Len(t, resp.Result, 1)
}

func TestUnknownMethodReturnsError(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "spdk.sock")
	reg := queue.NewRegistry()

	srv, err := NewServer(sockPath, reg, nil)
	require.NoError(t, err)
	go srv.Serve()
	defer srv.Stop()

	conn, err := dialWithRetry(sockPath)
	require.NoError(t, err)
	defer conn.Close()

	enc := json.NewEncoder(conn)
	require.NoError(t, enc.Encode(map[string]any{"id": 1, "method": "nope"}))

	dec := json.NewDecoder(bufio.NewReader(conn))
	var resp response
	require.NoError(t, dec.Decode(&resp))
	require.NotNil(t, resp.Error)
}

func dialWithRetry(path string) (net.Conn, error) {
	var lastErr error
	for i := 0; i < 20; i++ {
		conn, err := net.Dial("unix", path)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		time.Sleep(5 * time.Millisecond)
	}
	return nil, lastErr
}
