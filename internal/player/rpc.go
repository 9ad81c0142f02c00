package player

import (
	"bufio"
	"encoding/json"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/info-beamer/package-bload-auditorium/internal/monitoring"
)

// DefaultReconnectBackoff is the fixed wait between reconnect attempts of
// an RPC channel.
const DefaultReconnectBackoff = 500 * time.Millisecond

// Handler receives the arguments of one inbound RPC call. Returned errors
// are logged; they never terminate the dispatch loop.
type Handler func(args []json.RawMessage) error

// RPC is a bidirectional channel to one playback node. Outbound calls are
// one-way JSON arrays; inbound calls are dispatched to registered handlers
// by method name on a background loop that reconnects forever.
type RPC struct {
	dial    func() (io.ReadWriteCloser, error)
	backoff time.Duration
	log     *zap.SugaredLogger
	metrics *monitoring.Collector

	mu   sync.Mutex
	conn io.ReadWriteCloser
	r    *bufio.Reader

	hmu      sync.RWMutex
	handlers map[string]Handler

	stopOnce sync.Once
	stop     chan struct{}
}

// NewRPC opens an RPC channel named channel to the node at nodePath and
// starts its dispatch loop. The stream itself is established lazily and
// re-established forever on failure.
func NewRPC(q *Query, nodePath, channel string, log *zap.SugaredLogger, metrics *monitoring.Collector) *RPC {
	if channel == "" {
		channel = "go"
	}
	return newRPC(func() (io.ReadWriteCloser, error) {
		return q.Node(nodePath + "/rpc/" + channel).IO()
	}, DefaultReconnectBackoff, log, metrics)
}

func newRPC(dial func() (io.ReadWriteCloser, error), backoff time.Duration, log *zap.SugaredLogger, metrics *monitoring.Collector) *RPC {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if backoff <= 0 {
		backoff = DefaultReconnectBackoff
	}
	r := &RPC{
		dial:     dial,
		backoff:  backoff,
		log:      log,
		metrics:  metrics,
		handlers: make(map[string]Handler),
		stop:     make(chan struct{}),
	}
	go r.listen()
	return r
}

// Register installs fn as the handler for method. Registration is
// idempotent: the last writer wins.
func (r *RPC) Register(method string, fn Handler) {
	r.hmu.Lock()
	defer r.hmu.Unlock()
	r.handlers[method] = fn
}

// RegisterAll installs all given handlers.
func (r *RPC) RegisterAll(handlers map[string]Handler) {
	r.hmu.Lock()
	defer r.hmu.Unlock()
	for method, fn := range handlers {
		r.handlers[method] = fn
	}
}

// Call sends a one-way RPC call to the node. It reports whether the write
// succeeded; no reply is ever read for a call.
func (r *RPC) Call(method string, args ...interface{}) bool {
	msg := make([]interface{}, 0, len(args)+1)
	msg = append(msg, method)
	msg = append(msg, args...)
	line, err := json.Marshal(msg)
	if err != nil {
		r.log.Warnw("cannot encode rpc call", "method", method, "error", err)
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	conn := r.connectionLocked()
	if conn == nil {
		return false
	}
	if _, err := conn.Write(append(line, '\n')); err != nil {
		r.log.Debugw("rpc write failed", "method", method, "error", err)
		r.closeConnectionLocked()
		return false
	}
	r.metrics.RPCCalled()
	return true
}

// Close stops the dispatch loop and tears down the stream.
func (r *RPC) Close() {
	r.stopOnce.Do(func() { close(r.stop) })
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeConnectionLocked()
}

func (r *RPC) connectionLocked() io.ReadWriteCloser {
	if r.conn != nil {
		return r.conn
	}
	conn, err := r.dial()
	if err != nil {
		r.log.Debugw("cannot open rpc stream", "error", err)
		return nil
	}
	r.conn = conn
	r.r = bufio.NewReader(conn)
	return conn
}

func (r *RPC) closeConnectionLocked() {
	if r.conn != nil {
		r.conn.Close()
	}
	r.conn = nil
	r.r = nil
}

// reader returns the buffered reader of the current (or a fresh) stream.
func (r *RPC) reader() *bufio.Reader {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.connectionLocked() == nil {
		return nil
	}
	return r.r
}

func (r *RPC) listen() {
	for {
		select {
		case <-r.stop:
			return
		default:
		}

		reader := r.reader()
		if reader == nil {
			r.sleep()
			continue
		}

		line, err := reader.ReadString('\n')
		if err != nil || line == "" {
			r.mu.Lock()
			r.closeConnectionLocked()
			r.mu.Unlock()
			r.sleep()
			continue
		}
		r.dispatch(line)
	}
}

func (r *RPC) sleep() {
	select {
	case <-r.stop:
	case <-time.After(r.backoff):
	}
}

// dispatch decodes one inbound message and invokes the registered handler.
// Malformed messages, unknown methods and handler failures are logged and
// skipped; nothing here may kill the loop.
func (r *RPC) dispatch(line string) {
	var msg []json.RawMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		r.log.Warnw("cannot decode rpc message", "error", err)
		return
	}
	if len(msg) == 0 {
		r.log.Warnw("empty rpc message")
		return
	}
	var method string
	if err := json.Unmarshal(msg[0], &method); err != nil {
		r.log.Warnw("cannot decode rpc method name", "error", err)
		return
	}

	r.hmu.RLock()
	handler := r.handlers[method]
	r.hmu.RUnlock()
	if handler == nil {
		r.log.Warnw("callback not found", "method", method)
		return
	}

	r.metrics.RPCDispatched()
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Errorw("rpc handler panicked", "method", method, "panic", rec)
		}
	}()
	if err := handler(msg[1:]); err != nil {
		r.log.Warnw("rpc handler failed", "method", method, "error", err)
	}
}
