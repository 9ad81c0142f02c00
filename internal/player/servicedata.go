package player

import (
	"bytes"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
)

// ServiceDataHandler receives the payload of one service data packet.
type ServiceDataHandler func(data []byte)

// ServiceData receives `<path>:<data>` datagrams from the player on the
// service data port and dispatches them to per-path callbacks. The listen
// loop survives malformed packets and unknown paths.
type ServiceData struct {
	conn *net.UDPConn
	log  *zap.SugaredLogger

	mu        sync.Mutex
	callbacks map[string]ServiceDataHandler
}

// NewServiceData binds the service data receiver to the given local port
// and starts its listen loop.
func NewServiceData(port int, log *zap.SugaredLogger) (*ServiceData, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{
		IP:   net.IPv4(127, 0, 0, 1),
		Port: port,
	})
	if err != nil {
		return nil, fmt.Errorf("cannot bind service data port %d: %w", port, err)
	}
	s := &ServiceData{
		conn:      conn,
		log:       log,
		callbacks: make(map[string]ServiceDataHandler),
	}
	go s.listen()
	return s, nil
}

// Register installs fn for packets addressed to path. Last writer wins.
func (s *ServiceData) Register(path string, fn ServiceDataHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks[path] = fn
}

// RegisterAll installs all given callbacks.
func (s *ServiceData) RegisterAll(callbacks map[string]ServiceDataHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for path, fn := range callbacks {
		s.callbacks[path] = fn
	}
}

// Remove drops the callback for path, if any.
func (s *ServiceData) Remove(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.callbacks, path)
}

// Close stops the listener.
func (s *ServiceData) Close() error {
	return s.conn.Close()
}

func (s *ServiceData) listen() {
	buf := make([]byte, 1<<16)
	for {
		n, _, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			// Closed socket ends the loop; the receiver has no other
			// shutdown path.
			return
		}
		s.handle(buf[:n])
	}
}

func (s *ServiceData) handle(pkt []byte) {
	path, data, found := bytes.Cut(pkt, []byte{':'})
	if !found {
		s.log.Warnw("malformed service data packet", "size", len(pkt))
		return
	}

	s.mu.Lock()
	callback := s.callbacks[string(path)]
	s.mu.Unlock()
	if callback == nil {
		s.log.Warnw("callback not found", "path", string(path))
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			s.log.Errorw("service data handler panicked", "path", string(path), "panic", rec)
		}
	}()
	callback(append([]byte(nil), data...))
}
