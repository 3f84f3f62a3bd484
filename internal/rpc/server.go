// Package rpc implements the JSON-over-Unix-socket control surface the
// original driver exposed through SPDK's jsonrpc server: one registered
// method, get_nvme_controllers, returning a per-live-queue
// [tail_index, [opcode, ...]] pair for the newest up-to-4 commands.
package rpc

import (
	"bufio"
	"encoding/json"
	"errors"
	"net"
	"os"
	"sync"

	"github.com/nvmetest/qnvme/internal/logging"
	"github.com/nvmetest/qnvme/internal/queue"
)

// DefaultSocketPath mirrors the original driver's /var/tmp/spdk.sock.
const DefaultSocketPath = "/var/tmp/spdk.sock"

type request struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
}

type response struct {
	ID     json.RawMessage `json:"id"`
	Result any             `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Server accepts JSON-RPC requests on a Unix socket and serves
// get_nvme_controllers from a queue registry. Only the primary driver
// process runs one (spec §4.7, §5).
type Server struct {
	path     string
	queues   *queue.Registry
	logger   *logging.Logger
	listener net.Listener

	mu       sync.Mutex
	stopped  bool
	doneCh   chan struct{}
}

// NewServer binds a Unix socket at path, removing any stale socket file
// left behind by a prior process first.
func NewServer(path string, queues *queue.Registry, logger *logging.Logger) (*Server, error) {
	if path == "" {
		path = DefaultSocketPath
	}
	if logger == nil {
		logger = logging.Default()
	}
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	return &Server{path: path, queues: queues, logger: logger, listener: ln, doneCh: make(chan struct{})}, nil
}

// Serve accepts connections until Stop is called. It blocks in Accept
// instead of polling every 100ms like the original rpc_server's
// usleep(100000) accept loop, since a real net.Listener doesn't need the
// busy-wait SPDK's hand-rolled jsonrpc transport required.
func (s *Server) Serve() {
	defer close(s.doneCh)
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.isStopped() {
				return
			}
			s.logger.Warn("rpc accept error", "error", err)
			continue
		}
		go s.handleConn(conn)
	}
}

func (s *Server) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	dec := json.NewDecoder(bufio.NewReader(conn))
	enc := json.NewEncoder(conn)

	for {
		var req request
		if err := dec.Decode(&req); err != nil {
			return
		}
		resp := s.dispatch(req)
		if err := enc.Encode(resp); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(req request) response {
	switch req.Method {
	case "get_nvme_controllers":
		return response{ID: req.ID, Result: s.getNVMeControllers()}
	default:
		return response{ID: req.ID, Error: &rpcError{Code: -32601, Message: "method not found"}}
	}
}

// getNVMeControllers reproduces rpc_get_nvme_controllers's wire shape: one
// [tail, [opc,...]] element per live queue, in registry slot order.
func (s *Server) getNVMeControllers() [][2]any {
	var out [][2]any
	for _, p := range s.queues.Live() {
		tail, opcodes := p.Log.Summary()
		out = append(out, [2]any{tail, opcodes})
	}
	return out
}

// Stop closes the listener; in-flight Serve returns once Accept fails.
func (s *Server) Stop() error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	err := s.listener.Close()
	<-s.doneCh
	os.Remove(s.path)
	return err
}

// ErrNotPrimary is returned by driver bootstrap when a secondary process
// attempts to start an RPC server (only the primary ever does, per spec
// §4.7/§5).
var ErrNotPrimary = errors.New("rpc: only the primary driver process serves rpc")
