// Package device controls the local player device: power and screen
// state through the syncer control socket, plus GPIO access.
package device

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// defaultSocket is the syncer control socket used when SYNCER_SOCKET is
// unset.
const defaultSocket = "/tmp/syncer"

// Device sends one-way control commands to the on-device syncer process.
// Commands are best effort: a broken socket drops the command and the
// connection, the next command reconnects.
type Device struct {
	socket string
	log    *zap.SugaredLogger

	mu   sync.Mutex
	conn net.Conn

	gpio *GPIO
}

// New creates a device handle. The syncer socket path comes from the
// SYNCER_SOCKET environment variable.
func New(log *zap.SugaredLogger) *Device {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	socket := os.Getenv("SYNCER_SOCKET")
	if socket == "" {
		socket = defaultSocket
	}
	return &Device{
		socket: socket,
		log:    log,
		gpio:   newGPIO(log),
	}
}

// GPIO returns the device's GPIO interface.
func (d *Device) GPIO() *GPIO {
	return d.gpio
}

// SendRaw writes one newline-terminated command to the syncer socket.
// Errors only drop the connection; delivery is not guaranteed.
func (d *Device) SendRaw(raw string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.conn == nil {
		conn, err := net.Dial("unix", d.socket)
		if err != nil {
			d.log.Debugw("cannot reach syncer socket", "socket", d.socket, "error", err)
			return
		}
		d.conn = conn
	}
	if _, err := d.conn.Write([]byte(raw + "\n")); err != nil {
		d.log.Debugw("syncer command dropped", "command", raw, "error", err)
		d.conn.Close()
		d.conn = nil
	}
}

// SendUpstream forwards a JSON message to the device's upstream
// connection.
func (d *Device) SendUpstream(values map[string]interface{}) error {
	encoded, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("cannot encode upstream message: %w", err)
	}
	d.SendRaw("upstream " + string(encoded))
	return nil
}

// Screen switches the display output on or off.
func (d *Device) Screen(on bool) {
	if on {
		d.SendRaw("tv on")
	} else {
		d.SendRaw("tv off")
	}
}

// ScreenOn switches the display output on.
func (d *Device) ScreenOn() { d.Screen(true) }

// ScreenOff switches the display output off.
func (d *Device) ScreenOff() { d.Screen(false) }

// Reboot restarts the device.
func (d *Device) Reboot() {
	d.SendRaw("system reboot")
}

// HaltUntilPowerCycled shuts the device down until external power
// cycling.
func (d *Device) HaltUntilPowerCycled() {
	d.SendRaw("system halt")
}

// RestartPlayer restarts the player process.
func (d *Device) RestartPlayer() {
	d.SendRaw("infobeamer restart")
}

// VerifyCache asks the syncer to revalidate all cached assets.
func (d *Device) VerifyCache() {
	d.SendRaw("syncer verify_cache")
}

// Serial returns the device serial from the environment.
func (d *Device) Serial() string {
	return os.Getenv("SERIAL")
}

// ScreenResolution reads the current framebuffer size.
func (d *Device) ScreenResolution() (width, height int, err error) {
	data, err := os.ReadFile("/sys/class/graphics/fb0/virtual_size")
	if err != nil {
		return 0, 0, fmt.Errorf("cannot read framebuffer size: %w", err)
	}
	parts := strings.Split(strings.TrimSpace(string(data)), ",")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("malformed framebuffer size %q", data)
	}
	if _, err := fmt.Sscanf(parts[0], "%d", &width); err != nil {
		return 0, 0, fmt.Errorf("malformed framebuffer width %q", parts[0])
	}
	if _, err := fmt.Sscanf(parts[1], "%d", &height); err != nil {
		return 0, 0, fmt.Errorf("malformed framebuffer height %q", parts[1])
	}
	return width, height, nil
}

// Close drops the syncer connection and stops GPIO monitoring.
func (d *Device) Close() {
	d.mu.Lock()
	if d.conn != nil {
		d.conn.Close()
		d.conn = nil
	}
	d.mu.Unlock()
	d.gpio.Close()
}
