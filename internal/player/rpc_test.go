package player

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// pipeDialer hands out pre-arranged connections, one per dial attempt.
type pipeDialer struct {
	mu    sync.Mutex
	conns []io.ReadWriteCloser
	dials int
}

func (d *pipeDialer) dial() (io.ReadWriteCloser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if len(d.conns) == 0 {
		return nil, fmt.Errorf("no player available")
	}
	conn := d.conns[0]
	d.conns = d.conns[1:]
	return conn, nil
}

func testRPC(t *testing.T, dialer *pipeDialer) *RPC {
	t.Helper()
	r := newRPC(dialer.dial, 10*time.Millisecond, zaptest.NewLogger(t).Sugar(), nil)
	t.Cleanup(r.Close)
	return r
}

func TestRPCCallEncoding(t *testing.T) {
	client, server := net.Pipe()
	dialer := &pipeDialer{conns: []io.ReadWriteCloser{client}}
	r := testRPC(t, dialer)

	lines := make(chan string, 1)
	go func() {
		line, err := bufio.NewReader(server).ReadString('\n')
		if err == nil {
			lines <- line
		}
	}()

	require.Eventually(t, func() bool {
		return r.Call("update", "progress", 42)
	}, time.Second, 10*time.Millisecond)

	select {
	case line := <-lines:
		assert.JSONEq(t, `["update", "progress", 42]`, line)
	case <-time.After(time.Second):
		t.Fatal("no call arrived")
	}
}

func TestRPCDispatch(t *testing.T) {
	client, server := net.Pipe()
	dialer := &pipeDialer{conns: []io.ReadWriteCloser{client}}
	r := testRPC(t, dialer)

	type event struct {
		method string
		args   []json.RawMessage
	}
	events := make(chan event, 4)
	r.Register("pop", func(args []json.RawMessage) error {
		events <- event{"pop", args}
		return nil
	})
	r.Register("panicky", func(args []json.RawMessage) error {
		panic("boom")
	})

	_, err := server.Write([]byte(`["pop", 1755000000.5, 10.0, 42, "video.mp4"]` + "\n"))
	require.NoError(t, err)

	select {
	case got := <-events:
		assert.Equal(t, "pop", got.method)
		require.Len(t, got.args, 4)
		assert.Equal(t, `42`, string(got.args[2]))
		assert.Equal(t, `"video.mp4"`, string(got.args[3]))
	case <-time.After(time.Second):
		t.Fatal("handler never ran")
	}

	// Unknown methods and panicking handlers must not kill the loop.
	_, err = server.Write([]byte(`["no_such_method"]` + "\n"))
	require.NoError(t, err)
	_, err = server.Write([]byte(`["panicky"]` + "\n"))
	require.NoError(t, err)
	_, err = server.Write([]byte(`["pop", 1, 2, 3, "x"]` + "\n"))
	require.NoError(t, err)

	select {
	case got := <-events:
		assert.Equal(t, "pop", got.method)
	case <-time.After(time.Second):
		t.Fatal("dispatch loop died")
	}
}

func TestRPCCallWithoutConnection(t *testing.T) {
	dialer := &pipeDialer{}
	r := testRPC(t, dialer)

	assert.False(t, r.Call("update", 1))
}

func TestRPCReconnect(t *testing.T) {
	first, firstPeer := net.Pipe()
	second, secondPeer := net.Pipe()
	dialer := &pipeDialer{conns: []io.ReadWriteCloser{first, second}}
	r := testRPC(t, dialer)

	events := make(chan struct{}, 1)
	r.Register("ping", func([]json.RawMessage) error {
		events <- struct{}{}
		return nil
	})

	// Kill the first channel; the loop reconnects on its own.
	firstPeer.Close()

	require.Eventually(t, func() bool {
		secondPeer.SetWriteDeadline(time.Now().Add(50 * time.Millisecond))
		if _, err := secondPeer.Write([]byte(`["ping"]` + "\n")); err != nil {
			return false
		}
		select {
		case <-events:
			return true
		default:
			return false
		}
	}, 2*time.Second, 20*time.Millisecond)
}
