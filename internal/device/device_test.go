package device

import (
	"bufio"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testDevice(t *testing.T) (*Device, <-chan string) {
	t.Helper()
	socket := filepath.Join(t.TempDir(), "syncer")
	listener, err := net.Listen("unix", socket)
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })

	commands := make(chan string, 16)
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				r := bufio.NewReader(conn)
				for {
					line, err := r.ReadString('\n')
					if err != nil {
						return
					}
					commands <- line[:len(line)-1]
				}
			}(conn)
		}
	}()

	t.Setenv("SYNCER_SOCKET", socket)
	d := New(zaptest.NewLogger(t).Sugar())
	t.Cleanup(d.Close)
	return d, commands
}

func recvCommand(t *testing.T, commands <-chan string) string {
	t.Helper()
	select {
	case cmd := <-commands:
		return cmd
	case <-time.After(time.Second):
		t.Fatal("no command arrived")
		return ""
	}
}

func TestDeviceCommands(t *testing.T) {
	d, commands := testDevice(t)

	d.ScreenOn()
	assert.Equal(t, "tv on", recvCommand(t, commands))

	d.ScreenOff()
	assert.Equal(t, "tv off", recvCommand(t, commands))

	d.RestartPlayer()
	assert.Equal(t, "infobeamer restart", recvCommand(t, commands))

	d.VerifyCache()
	assert.Equal(t, "syncer verify_cache", recvCommand(t, commands))

	d.Reboot()
	assert.Equal(t, "system reboot", recvCommand(t, commands))
}

func TestDeviceSendUpstream(t *testing.T) {
	d, commands := testDevice(t)

	require.NoError(t, d.SendUpstream(map[string]interface{}{"kind": "status"}))
	assert.Equal(t, `upstream {"kind":"status"}`, recvCommand(t, commands))
}

func TestDeviceSurvivesMissingSyncer(t *testing.T) {
	t.Setenv("SYNCER_SOCKET", filepath.Join(t.TempDir(), "nowhere"))
	d := New(zaptest.NewLogger(t).Sugar())
	defer d.Close()

	// Commands to an unreachable syncer are dropped, never fatal.
	d.ScreenOn()
	d.Reboot()
}

func TestDeviceSerial(t *testing.T) {
	t.Setenv("SERIAL", "1000000012345678")
	d := New(zaptest.NewLogger(t).Sugar())
	defer d.Close()
	assert.Equal(t, "1000000012345678", d.Serial())
}
