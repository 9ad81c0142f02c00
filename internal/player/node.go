package player

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/info-beamer/package-bload-auditorium/internal/monitoring"
)

// Node sends fire-and-forget control datagrams addressed to one playback
// node. Delivery is best effort: failures are logged, never retried, and
// the receiver must tolerate loss and reordering.
type Node struct {
	path    string
	conn    net.Conn
	log     *zap.SugaredLogger
	metrics *monitoring.Collector

	// Datagrams can go out at frame rate; the send log is throttled.
	logLimit *rate.Limiter
}

// NewNode opens the datagram path for the node at path, addressed at the
// player's control port on host.
func NewNode(path, host string, port int, log *zap.SugaredLogger, metrics *monitoring.Collector) (*Node, error) {
	if host == "" {
		host = DefaultHost
	}
	if port == 0 {
		port = DefaultPort
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	conn, err := net.Dial("udp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("cannot open datagram socket: %w", err)
	}
	return &Node{
		path:     path,
		conn:     conn,
		log:      log,
		metrics:  metrics,
		logLimit: rate.NewLimiter(rate.Limit(5), 10),
	}, nil
}

// Path returns the node's hierarchical address.
func (n *Node) Path() string {
	return n.path
}

// IsTopLevel reports whether this is the root node.
func (n *Node) IsTopLevel() bool {
	return n.path == "root"
}

// SendRaw sends raw bytes without the node path prefix.
func (n *Node) SendRaw(raw []byte) {
	if n.logLimit.Allow() {
		n.log.Debugw("sending datagram", "data", string(raw))
	}
	if _, err := n.conn.Write(raw); err != nil {
		n.log.Debugw("datagram send failed", "error", err)
		return
	}
	n.metrics.DatagramSent()
}

// Send sends data prefixed with the node path.
func (n *Node) Send(data string) {
	n.SendRaw([]byte(n.path + data))
}

// SendJSON sends JSON-serialized data to a sub-path of the node.
func (n *Node) SendJSON(path string, data interface{}) error {
	encoded, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("cannot encode datagram payload: %w", err)
	}
	n.Send(fmt.Sprintf("%s:%s", path, encoded))
	return nil
}

// SendTo delivers data to a sub-path: strings and byte slices go out raw,
// everything else is JSON-serialized.
func (n *Node) SendTo(path string, data interface{}) error {
	switch v := data.(type) {
	case string:
		n.Send(fmt.Sprintf("%s:%s", path, v))
		return nil
	case []byte:
		n.Send(fmt.Sprintf("%s:%s", path, v))
		return nil
	default:
		return n.SendJSON(path, data)
	}
}

// Close releases the datagram socket.
func (n *Node) Close() error {
	return n.conn.Close()
}

// WriteFileAtomic publishes content under filename by writing a temporary
// file in the same directory and renaming it into place, so concurrent
// readers never observe a partially written file.
func WriteFileAtomic(filename string, content []byte) error {
	dir := filepath.Dir(filename)
	tmp, err := os.CreateTemp(dir, ".agent-tmp-*")
	if err != nil {
		return fmt.Errorf("cannot create temp file in %s: %w", dir, err)
	}
	defer func() {
		if tmp != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("cannot write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("cannot close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), filename); err != nil {
		os.Remove(tmp.Name())
		tmp = nil
		return fmt.Errorf("cannot move file into place: %w", err)
	}
	tmp = nil
	return nil
}

// WriteJSONAtomic atomically publishes data as compact JSON.
func WriteJSONAtomic(filename string, data interface{}) error {
	encoded, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("cannot encode %s: %w", filename, err)
	}
	return WriteFileAtomic(filename, encoded)
}
