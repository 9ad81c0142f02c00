// Package player implements the device-side client for the locally running
// info-beamer player process: the line-based query protocol, node-addressed
// RPC channels and the one-way control datagram path.
package player

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	goversion "github.com/hashicorp/go-version"
	"go.uber.org/zap"

	"github.com/info-beamer/package-bload-auditorium/internal/monitoring"
	"github.com/info-beamer/package-bload-auditorium/pkg/errors"
)

const (
	// DefaultHost and DefaultPort address the player's control socket.
	DefaultHost = "127.0.0.1"
	DefaultPort = 4444

	// DefaultTimeout bounds every socket operation on the control link.
	DefaultTimeout = 2 * time.Second
)

var bannerRe = regexp.MustCompile(`^Info Beamer PI ([^ ]+)`)

// Query owns one connection to the local player. The connection is created
// lazily on first use, discarded on any I/O error and recreated on the next
// call. All calls are serialized by an internal lock.
type Query struct {
	host    string
	port    int
	timeout time.Duration
	log     *zap.SugaredLogger
	metrics *monitoring.Collector

	mu         sync.Mutex
	conn       net.Conn
	r          *bufio.Reader
	version    *goversion.Version
	versionStr string
}

// NewQuery creates a control link to the player at host:port. No connection
// is opened until the first command.
func NewQuery(host string, port int, timeout time.Duration, log *zap.SugaredLogger, metrics *monitoring.Collector) *Query {
	if host == "" {
		host = DefaultHost
	}
	if port == 0 {
		port = DefaultPort
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Query{
		host:    host,
		port:    port,
		timeout: timeout,
		log:     log,
		metrics: metrics,
	}
}

// Addr returns the player's control address.
func (q *Query) Addr() string {
	return net.JoinHostPort(q.host, strconv.Itoa(q.port))
}

// Close discards the current connection, if any.
func (q *Query) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.resetLocked()
}

// Send issues one command line and returns the player's response. The
// negotiated player version must strictly exceed minVersion or the command
// fails with an Unsupported error before anything is written. A transport
// failure triggers exactly one reconnect-and-resend; timeouts fail
// immediately.
func (q *Query) Send(cmd, minVersion string, multiline bool) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sendLocked(cmd, minVersion, multiline)
}

func (q *Query) sendLocked(cmd, minVersion string, multiline bool) (string, error) {
	for attempt := 0; attempt < 2; attempt++ {
		if err := q.connectLocked(); err != nil {
			return "", err
		}
		if err := q.checkVersionLocked(minVersion); err != nil {
			return "", err
		}

		q.conn.SetWriteDeadline(time.Now().Add(q.timeout))
		if _, err := q.conn.Write([]byte(cmd + "\n")); err != nil {
			q.resetLocked()
			if isTimeout(err) {
				return "", errors.Wrap(err, errors.CodeTimeout, "timeout sending command")
			}
			q.log.Debugw("command write failed, reconnecting", "cmd", cmd, "error", err)
			continue
		}

		var resp string
		var err error
		if multiline {
			resp, err = q.readMultiLocked()
		} else {
			resp, err = q.readLineLocked()
		}
		if err != nil {
			q.resetLocked()
			if isTimeout(err) {
				return "", errors.Wrap(err, errors.CodeTimeout, "timeout waiting for response")
			}
			// Any other failure, including an empty read from a closed
			// peer, goes through the single reconnect-and-resend.
			q.log.Debugw("response read failed, reconnecting", "cmd", cmd, "error", err)
			continue
		}
		return resp, nil
	}
	return "", errors.New(errors.CodeCommunication, "failed to get a response")
}

func (q *Query) connectLocked() error {
	if q.conn != nil {
		return nil
	}

	conn, err := net.DialTimeout("tcp", q.Addr(), q.timeout)
	if err != nil {
		if isTimeout(err) {
			return errors.Wrap(err, errors.CodeTimeout, "timeout while opening connection")
		}
		return errors.Wrap(err, errors.CodeCommunication, fmt.Sprintf("cannot connect to %s", q.Addr()))
	}

	r := bufio.NewReader(conn)
	conn.SetReadDeadline(time.Now().Add(q.timeout))
	banner, err := r.ReadString('\n')
	if err != nil {
		conn.Close()
		if isTimeout(err) {
			return errors.Wrap(err, errors.CodeTimeout, "timeout while reopening connection")
		}
		return errors.Wrap(err, errors.CodeProtocol, "failed to read handshake")
	}

	m := bannerRe.FindStringSubmatch(banner)
	if m == nil {
		conn.Close()
		return errors.New(errors.CodeProtocol, "invalid handshake, not info-beamer?")
	}
	version, err := goversion.NewVersion(m[1])
	if err != nil {
		conn.Close()
		return errors.Wrap(err, errors.CodeProtocol, fmt.Sprintf("unparsable player version %q", m[1]))
	}

	q.conn = conn
	q.r = r
	q.version = version
	q.versionStr = m[1]
	q.metrics.PlayerReconnected()
	q.log.Debugw("connected to player", "addr", q.Addr(), "version", q.versionStr)
	return nil
}

func (q *Query) checkVersionLocked(minVersion string) error {
	if minVersion == "" {
		return nil
	}
	min, err := goversion.NewVersion(minVersion)
	if err != nil {
		return errors.Wrap(err, errors.CodeProtocol, fmt.Sprintf("invalid minimum version %q", minVersion))
	}
	if q.version.Compare(min) <= 0 {
		return errors.Newf(errors.CodeUnsupported,
			"this query is not implemented in your version of info-beamer: newer than %s required, %s found",
			minVersion, q.versionStr)
	}
	return nil
}

// readLineLocked reads a single response line. An empty read means the peer
// closed the connection and is reported as an error, never as an empty
// response.
func (q *Query) readLineLocked() (string, error) {
	q.conn.SetReadDeadline(time.Now().Add(q.timeout))
	line, err := q.r.ReadString('\n')
	if err != nil {
		if isTimeout(err) {
			return "", err
		}
		if line == "" {
			return "", fmt.Errorf("connection closed by peer: %w", err)
		}
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// readMultiLocked accumulates lines until a blank terminator line. EOF
// before the terminator counts as failure.
func (q *Query) readMultiLocked() (string, error) {
	var lines []string
	for {
		q.conn.SetReadDeadline(time.Now().Add(q.timeout))
		line, err := q.r.ReadString('\n')
		if err != nil {
			if isTimeout(err) {
				return "", err
			}
			return "", fmt.Errorf("connection closed before terminator: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n"), nil
}

func (q *Query) resetLocked() {
	if q.conn != nil {
		q.conn.Close()
	}
	q.conn = nil
	q.r = nil
	q.version = nil
	q.versionStr = ""
}

func isTimeout(err error) bool {
	netErr, ok := err.(net.Error)
	return ok && netErr.Timeout()
}

// Ping tests if the player is reachable.
func (q *Query) Ping() (bool, error) {
	resp, err := q.Send("*query/*ping", "0.6", false)
	if err != nil {
		return false, err
	}
	return resp == "pong", nil
}

// Uptime returns the player's uptime in seconds.
func (q *Query) Uptime() (int64, error) {
	resp, err := q.Send("*query/*uptime", "0.6", false)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(resp, 10, 64)
}

// Objects returns the number of allocated player objects.
func (q *Query) Objects() (int64, error) {
	resp, err := q.Send("*query/*objects", "0.9.4", false)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(resp, 10, 64)
}

// Version returns the running player version.
func (q *Query) Version() (string, error) {
	return q.Send("*query/*version", "0.6", false)
}

// FPS returns the framerate of the top level node.
func (q *Query) FPS() (float64, error) {
	resp, err := q.Send("*query/*fps", "0.6", false)
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(resp, 64)
}

// Display returns the display configuration as raw JSON.
func (q *Query) Display() (json.RawMessage, error) {
	resp, err := q.Send("*query/*display", "1.0", false)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(resp), nil
}

// ResourceUsage reports the player's accumulated resource consumption.
type ResourceUsage struct {
	UserTime   int64
	SystemTime int64
	Memory     int64
}

// Resources returns information about used resources.
func (q *Query) Resources() (ResourceUsage, error) {
	resp, err := q.Send("*query/*resources", "0.6", false)
	if err != nil {
		return ResourceUsage{}, err
	}
	parts := strings.Split(resp, ",")
	if len(parts) != 3 {
		return ResourceUsage{}, errors.Newf(errors.CodeProtocol, "malformed resources response %q", resp)
	}
	var values [3]int64
	for i, part := range parts {
		values[i], err = strconv.ParseInt(part, 10, 64)
		if err != nil {
			return ResourceUsage{}, errors.Wrap(err, errors.CodeProtocol, "malformed resources response")
		}
	}
	return ResourceUsage{UserTime: values[0], SystemTime: values[1], Memory: values[2]}, nil
}

// ScreenSize is the native screen size in pixels.
type ScreenSize struct {
	Width  int
	Height int
}

// Screen returns the native screen size.
func (q *Query) Screen() (ScreenSize, error) {
	resp, err := q.Send("*query/*screen", "0.8.1", false)
	if err != nil {
		return ScreenSize{}, err
	}
	parts := strings.Split(resp, ",")
	if len(parts) != 2 {
		return ScreenSize{}, errors.Newf(errors.CodeProtocol, "malformed screen response %q", resp)
	}
	w, err := strconv.Atoi(parts[0])
	if err != nil {
		return ScreenSize{}, errors.Wrap(err, errors.CodeProtocol, "malformed screen response")
	}
	h, err := strconv.Atoi(parts[1])
	if err != nil {
		return ScreenSize{}, errors.Wrap(err, errors.CodeProtocol, "malformed screen response")
	}
	return ScreenSize{Width: w, Height: h}, nil
}

// RunID returns a unique run id that changes with every player restart.
func (q *Query) RunID() (string, error) {
	return q.Send("*query/*runid", "0.9.0", false)
}

// Nodes returns the list of playback nodes.
func (q *Query) Nodes() ([]string, error) {
	resp, err := q.Send("*query/*nodes", "0.9.3", false)
	if err != nil {
		return nil, err
	}
	if resp == "" {
		return nil, nil
	}
	return strings.Split(resp, ","), nil
}

// NodeQuery addresses queries at a single playback node.
type NodeQuery struct {
	q    *Query
	path string
}

// Node returns a query handle for the node at path.
func (q *Query) Node(path string) NodeQuery {
	return NodeQuery{q: q, path: path}
}

// Mem returns the Lua memory usage of this node.
func (n NodeQuery) Mem() (int64, error) {
	resp, err := n.q.Send("*query/*mem/"+n.path, "0.6", false)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(resp, 10, 64)
}

// FPS returns the framerate of this node.
func (n NodeQuery) FPS() (float64, error) {
	resp, err := n.q.Send("*query/*fps/"+n.path, "0.6", false)
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(resp, 64)
}

// HasError queries the node's error flag.
func (n NodeQuery) HasError() (bool, error) {
	resp, err := n.q.Send("*query/*has_error/"+n.path, "0.8.2", false)
	if err != nil {
		return false, err
	}
	return resp != "0", nil
}

// Error returns the node's last Lua traceback.
func (n NodeQuery) Error() (string, error) {
	return n.q.Send("*query/*error/"+n.path, "0.8.2", true)
}

// IO promotes the control connection to a raw stream connected to this
// node. On success the stream is owned by the caller; the control link
// reconnects on its next command.
func (n NodeQuery) IO() (*RawStream, error) {
	return n.q.openRaw("*raw/" + n.path)
}

// RawStream is a player connection handed over to a node channel. Reads go
// through the link's buffered reader so no bytes are lost in the handover.
type RawStream struct {
	r    *bufio.Reader
	conn net.Conn
}

func (s *RawStream) Read(p []byte) (int, error)  { return s.r.Read(p) }
func (s *RawStream) Write(p []byte) (int, error) { return s.conn.Write(p) }
func (s *RawStream) Close() error                { return s.conn.Close() }

func (q *Query) openRaw(cmd string) (*RawStream, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	resp, err := q.sendLocked(cmd, "0.6", false)
	if err != nil {
		return nil, err
	}
	if resp != "ok!" {
		q.resetLocked()
		return nil, errors.Newf(errors.CodeProtocol, "cannot open stream %q: %q", cmd, resp)
	}

	stream := &RawStream{r: q.r, conn: q.conn}
	// Raw streams are long-lived: clear the per-command deadlines.
	q.conn.SetDeadline(time.Time{})
	q.conn = nil
	q.r = nil
	q.version = nil
	q.versionStr = ""
	return stream, nil
}
