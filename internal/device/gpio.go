package device

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const gpioBase = "/sys/class/gpio"

// pollInterval bounds how fast pin changes are detected. Edge-triggered
// polling through the value files keeps this portable across kernels.
const pollInterval = 100 * time.Millisecond

// PinChange is one observed transition of a monitored input pin.
type PinChange struct {
	Pin  int
	High bool
}

// GPIO exposes the sysfs GPIO interface. Pins are exported on first use;
// monitored input pins are polled and transitions delivered on Changes.
type GPIO struct {
	log *zap.SugaredLogger

	mu        sync.Mutex
	exported  map[int]struct{}
	monitored map[int]bool
	changes   chan PinChange
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

func newGPIO(log *zap.SugaredLogger) *GPIO {
	g := &GPIO{
		log:       log,
		exported:  make(map[int]struct{}),
		monitored: make(map[int]bool),
		changes:   make(chan PinChange, 16),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go g.poll()
	return g
}

// Changes delivers transitions of monitored pins. Slow consumers lose
// intermediate transitions, never the channel.
func (g *GPIO) Changes() <-chan PinChange {
	return g.changes
}

func pinDir(pin int) string {
	return filepath.Join(gpioBase, fmt.Sprintf("gpio%d", pin))
}

// exportLocked makes a pin's sysfs directory available. The directory
// appears asynchronously after the export write since mdev has to adjust
// permissions first, so readiness is retried briefly.
func (g *GPIO) exportLocked(pin int) error {
	if _, ok := g.exported[pin]; ok {
		return nil
	}
	if _, err := os.Stat(pinDir(pin)); os.IsNotExist(err) {
		if err := os.WriteFile(filepath.Join(gpioBase, "export"), []byte(strconv.Itoa(pin)), 0o644); err != nil {
			return fmt.Errorf("cannot export pin %d: %w", pin, err)
		}
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		if err := os.WriteFile(filepath.Join(pinDir(pin), "direction"), []byte("in"), 0o644); err == nil {
			break
		} else if time.Now().After(deadline) {
			return fmt.Errorf("pin %d did not become usable: %w", pin, err)
		}
		time.Sleep(100 * time.Millisecond)
	}
	g.exported[pin] = struct{}{}
	return nil
}

// SetupPin exports a pin and configures its direction, "in" or "out".
func (g *GPIO) SetupPin(pin int, direction string) error {
	if direction != "in" && direction != "out" {
		return fmt.Errorf("invalid pin direction %q", direction)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.exportLocked(pin); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(pinDir(pin), "direction"), []byte(direction), 0o644); err != nil {
		return fmt.Errorf("cannot set pin %d direction: %w", pin, err)
	}
	return nil
}

// SetPinActiveLow inverts a pin's logic level.
func (g *GPIO) SetPinActiveLow(pin int, activeLow bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	value := "0"
	if activeLow {
		value = "1"
	}
	if err := os.WriteFile(filepath.Join(pinDir(pin), "active_low"), []byte(value), 0o644); err != nil {
		return fmt.Errorf("cannot set pin %d active_low: %w", pin, err)
	}
	return nil
}

// SetPinValue drives an output pin high or low.
func (g *GPIO) SetPinValue(pin int, high bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	value := "0"
	if high {
		value = "1"
	}
	if err := os.WriteFile(filepath.Join(pinDir(pin), "value"), []byte(value), 0o644); err != nil {
		return fmt.Errorf("cannot set pin %d: %w", pin, err)
	}
	return nil
}

func readPin(pin int) (bool, error) {
	data, err := os.ReadFile(filepath.Join(pinDir(pin), "value"))
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(string(data)) == "1", nil
}

// Monitor configures a pin as input and starts reporting its transitions
// on Changes. The current level is reported as the first change.
func (g *GPIO) Monitor(pin int) error {
	if err := g.SetupPin(pin, "in"); err != nil {
		return err
	}
	high, err := readPin(pin)
	if err != nil {
		return fmt.Errorf("cannot read pin %d: %w", pin, err)
	}
	g.mu.Lock()
	g.monitored[pin] = high
	g.mu.Unlock()
	g.emit(PinChange{Pin: pin, High: high})
	return nil
}

// On returns the current level of a monitored pin.
func (g *GPIO) On(pin int) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.monitored[pin]
}

func (g *GPIO) emit(change PinChange) {
	select {
	case g.changes <- change:
	default:
		g.log.Warnw("gpio change dropped", "pin", change.Pin)
	}
}

func (g *GPIO) poll() {
	defer close(g.done)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-g.stop:
			return
		case <-ticker.C:
		}
		g.mu.Lock()
		pins := make(map[int]bool, len(g.monitored))
		for pin, high := range g.monitored {
			pins[pin] = high
		}
		g.mu.Unlock()

		for pin, last := range pins {
			high, err := readPin(pin)
			if err != nil || high == last {
				continue
			}
			g.mu.Lock()
			g.monitored[pin] = high
			g.mu.Unlock()
			g.emit(PinChange{Pin: pin, High: high})
		}
	}
}

// Close stops the monitor goroutine.
func (g *GPIO) Close() {
	g.stopOnce.Do(func() {
		close(g.stop)
	})
	<-g.done
}
