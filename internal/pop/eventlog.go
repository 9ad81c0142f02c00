package pop

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/info-beamer/package-bload-auditorium/internal/monitoring"
)

const (
	// activeName is the single open log file. Its name is structurally
	// distinct from rotated segment names so the submitter can identify
	// ready segments by pattern alone.
	activeName = "current.log"

	// segmentPrefix marks closed segments ready for submission.
	segmentPrefix = "submit-"
)

// minWait keeps the writer responsive even when the rotation deadline has
// already passed.
const minWait = 100 * time.Millisecond

// EventLog durably records playback events. Log never blocks and never
// fails; a single writer goroutine owns the active file, syncs every entry
// to disk and rotates by size and time into immutable segments.
type EventLog struct {
	dir      string
	maxDelay time.Duration
	maxLines int
	log      *zap.SugaredLogger
	metrics  *monitoring.Collector

	mu    sync.Mutex
	queue [][]byte
	wake  chan struct{}

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewEventLog opens the event log in dir. A leftover active file from an
// unclean shutdown is rotated into a submittable segment before any new
// entry is accepted.
func NewEventLog(dir string, maxDelay time.Duration, maxLines int, log *zap.SugaredLogger, metrics *monitoring.Collector) (*EventLog, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create log directory %s: %w", dir, err)
	}

	l := &EventLog{
		dir:      dir,
		maxDelay: maxDelay,
		maxLines: maxLines,
		log:      log,
		metrics:  metrics,
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	// Crash recovery: entries already synced to the previous active file
	// must become submittable before we write anything new.
	f, err := l.reopen(nil)
	if err != nil {
		return nil, err
	}
	go l.writer(f)
	return l, nil
}

// Dir returns the log directory.
func (l *EventLog) Dir() string {
	return l.dir
}

// Log enqueues one proof-of-play event. It never blocks the caller and
// never fails; encoding problems are logged and the event is dropped.
func (l *EventLog) Log(playStart, duration float64, assetID int64, assetFilename string) {
	line, err := json.Marshal([]interface{}{
		newEventID(), playStart, duration, assetID, assetFilename,
	})
	if err != nil {
		l.log.Warnw("cannot encode event", "asset", assetFilename, "error", err)
		return
	}

	l.mu.Lock()
	l.queue = append(l.queue, line)
	depth := len(l.queue)
	l.mu.Unlock()

	l.metrics.EventLogged()
	l.metrics.SetQueueDepth(depth)

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Close stops the writer goroutine and closes the active file. Intended
// for tests; in production the writer runs for the process lifetime.
func (l *EventLog) Close() {
	l.stopOnce.Do(func() { close(l.stop) })
	<-l.done
}

// newEventID builds a globally unique event id without coordination: a
// time-derived prefix plus a cryptographically random suffix.
func newEventID() string {
	var suffix [12]byte
	rand.Read(suffix[:])
	return fmt.Sprintf("%08x%s", time.Now().Unix(), hex.EncodeToString(suffix[:]))
}

func newSegmentName() string {
	var id [16]byte
	rand.Read(id[:])
	return fmt.Sprintf("%s%s.log", segmentPrefix, hex.EncodeToString(id[:]))
}

// IsSegmentName reports whether name matches the ready segment pattern.
func IsSegmentName(name string) bool {
	return strings.HasPrefix(name, segmentPrefix)
}

func (l *EventLog) writer(f *os.File) {
	defer close(l.done)
	defer func() {
		if f != nil {
			f.Close()
		}
	}()

	deadline := time.Now().Add(l.maxDelay)
	lines := 0

	for {
		select {
		case <-l.stop:
			return
		default:
		}

		wait := time.Until(deadline)
		if wait < minWait {
			wait = minWait
		}

		rotate := false
		line, ok := l.next(wait)
		if ok {
			if f == nil {
				var err error
				if f, err = l.openActive(); err != nil {
					l.log.Errorw("cannot reopen active log", "error", err)
				}
			}
			if f != nil {
				if err := appendSynced(f, line); err != nil {
					l.log.Errorw("error writing log line", "error", err)
				} else {
					lines++
					l.log.Debugw("line added", "line", string(line))
				}
			}
		} else {
			select {
			case <-l.stop:
				return
			default:
			}
			if lines == 0 {
				// Idle segments are never rotated while empty;
				// push the deadline forward instead.
				deadline = deadline.Add(l.maxDelay)
			} else {
				rotate = true
			}
		}

		if lines >= l.maxLines {
			rotate = true
		}

		if rotate {
			l.log.Infow("closing log segment", "lines", lines)
			var err error
			if f, err = l.reopen(f); err != nil {
				l.log.Errorw("cannot rotate log", "error", err)
			}
			lines = 0
			deadline = time.Now().Add(l.maxDelay)
		}
	}
}

// next dequeues the oldest entry, waiting up to wait for one to arrive.
func (l *EventLog) next(wait time.Duration) ([]byte, bool) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		l.mu.Lock()
		if len(l.queue) > 0 {
			line := l.queue[0]
			l.queue = l.queue[1:]
			depth := len(l.queue)
			l.mu.Unlock()
			l.metrics.SetQueueDepth(depth)
			return line, true
		}
		l.mu.Unlock()

		select {
		case <-l.wake:
		case <-timer.C:
			return nil, false
		case <-l.stop:
			return nil, false
		}
	}
}

// appendSynced writes one line and forces it to stable storage. A crash
// after this returns cannot lose the entry.
func appendSynced(f *os.File, line []byte) error {
	if _, err := f.Write(append(line, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

// reopen closes the current active file, rotates it into a uniquely named
// segment if it exists on disk, and opens a fresh active file.
func (l *EventLog) reopen(old *os.File) (*os.File, error) {
	active := filepath.Join(l.dir, activeName)
	if old != nil {
		old.Close()
	}
	if _, err := os.Stat(active); err == nil {
		segment := filepath.Join(l.dir, newSegmentName())
		if err := os.Rename(active, segment); err != nil {
			return nil, fmt.Errorf("cannot rotate active log: %w", err)
		}
		l.metrics.SegmentRotated()
		l.log.Infow("rotated log segment", "segment", filepath.Base(segment))
	}
	return l.openActive()
}

func (l *EventLog) openActive() (*os.File, error) {
	active := filepath.Join(l.dir, activeName)
	f, err := os.OpenFile(active, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("cannot open active log: %w", err)
	}
	return f, nil
}
