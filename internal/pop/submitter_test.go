package pop

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/info-beamer/package-bload-auditorium/pkg/errors"
)

type submission struct {
	name      string
	content   string
	queueSize int
}

// fakeCollector records submissions and answers them from a script.
type fakeCollector struct {
	mu       sync.Mutex
	calls    []submission
	fail     bool
	disabled bool
	settings *Settings
}

func (f *fakeCollector) Settings(ctx context.Context) (Settings, error) {
	if f.settings == nil {
		return Settings{}, errors.New(errors.CodeAPI, "no settings endpoint")
	}
	return *f.settings, nil
}

func (f *fakeCollector) Submit(ctx context.Context, path string, queueSize int) (SubmitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return SubmitResult{}, errors.New(errors.CodeSubmission, "collector unavailable")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return SubmitResult{}, err
	}
	f.calls = append(f.calls, submission{
		name:      filepath.Base(path),
		content:   string(content),
		queueSize: queueSize,
	})
	return SubmitResult{Disabled: f.disabled}, nil
}

func (f *fakeCollector) submissions() []submission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]submission(nil), f.calls...)
}

func testSettings() Settings {
	return Settings{
		MaxDelay:    time.Hour,
		MaxLines:    1000,
		SubmitDelay: 15 * time.Second,
		ErrorDelay:  60 * time.Second,
	}
}

func writeSegment(t *testing.T, dir, content string) string {
	t.Helper()
	name := newSegmentName()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	return name
}

func TestSubmitterUploadsOneSegmentPerCycle(t *testing.T) {
	dir := t.TempDir()
	first := writeSegment(t, dir, "line 1\n")
	second := writeSegment(t, dir, "line 2\n")

	collector := &fakeCollector{}
	s := NewSubmitter(dir, collector, testSettings(), zaptest.NewLogger(t).Sugar(), nil)

	delay := s.cycle(context.Background())
	assert.Equal(t, testSettings().SubmitDelay, delay)

	calls := collector.submissions()
	require.Len(t, calls, 1)
	assert.Equal(t, 2, calls[0].queueSize)

	// The submitted segment is gone, the other survives to the next cycle.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, []string{first, second}, entries[0].Name())

	delay = s.cycle(context.Background())
	assert.Equal(t, testSettings().SubmitDelay, delay)
	assert.Len(t, collector.submissions(), 2)

	entries, err = os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSubmitterIdleWithoutSegments(t *testing.T) {
	dir := t.TempDir()
	// The active log file is not a segment and must be ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "current.log"), []byte("pending\n"), 0o644))

	collector := &fakeCollector{}
	s := NewSubmitter(dir, collector, testSettings(), zaptest.NewLogger(t).Sugar(), nil)

	delay := s.cycle(context.Background())
	assert.Equal(t, DefaultIdleDelay, delay)
	assert.Empty(t, collector.submissions())
}

func TestSubmitterDeletesEmptySegmentsWithoutUpload(t *testing.T) {
	dir := t.TempDir()
	writeSegment(t, dir, "")

	collector := &fakeCollector{fail: true}
	s := NewSubmitter(dir, collector, testSettings(), zaptest.NewLogger(t).Sugar(), nil)

	// Even with a broken collector the empty segment disappears: it is
	// deleted locally, never uploaded.
	delay := s.cycle(context.Background())
	assert.Equal(t, testSettings().SubmitDelay, delay)
	assert.Empty(t, collector.submissions())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSubmitterRetainsSegmentOnFailure(t *testing.T) {
	dir := t.TempDir()
	name := writeSegment(t, dir, "line 1\n")

	collector := &fakeCollector{fail: true}
	s := NewSubmitter(dir, collector, testSettings(), zaptest.NewLogger(t).Sugar(), nil)

	delay := s.cycle(context.Background())
	assert.Equal(t, testSettings().ErrorDelay, delay)

	// The segment survives for the next attempt.
	_, err := os.Stat(filepath.Join(dir, name))
	require.NoError(t, err)

	// Once the collector recovers, the retry succeeds with the same
	// content.
	collector.mu.Lock()
	collector.fail = false
	collector.mu.Unlock()

	delay = s.cycle(context.Background())
	assert.Equal(t, testSettings().SubmitDelay, delay)
	calls := collector.submissions()
	require.Len(t, calls, 1)
	assert.Equal(t, name, calls[0].name)
	assert.Equal(t, "line 1\n", calls[0].content)
}

func TestSubmitterDiscardsWhenDisabled(t *testing.T) {
	dir := t.TempDir()
	writeSegment(t, dir, "line 1\n")

	collector := &fakeCollector{disabled: true}
	s := NewSubmitter(dir, collector, testSettings(), zaptest.NewLogger(t).Sugar(), nil)

	delay := s.cycle(context.Background())
	assert.Equal(t, testSettings().SubmitDelay, delay)

	// Accepted-but-disabled still deletes the segment locally.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSubmitterDrainsBacklogFromEventLog(t *testing.T) {
	dir := t.TempDir()

	// Seven events through a 3-line log produce two ready segments.
	l, err := NewEventLog(dir, time.Hour, 3, zaptest.NewLogger(t).Sugar(), nil)
	require.NoError(t, err)
	for i := 0; i < 7; i++ {
		l.Log(1755000000+float64(i), 10, int64(i), "asset.mp4")
	}
	require.Eventually(t, func() bool {
		return len(listSegments(t, dir)) == 2
	}, 5*time.Second, 50*time.Millisecond)
	l.Close()

	collector := &fakeCollector{}
	s := NewSubmitter(dir, collector, testSettings(), zaptest.NewLogger(t).Sugar(), nil)

	s.cycle(context.Background())
	s.cycle(context.Background())

	calls := collector.submissions()
	require.Len(t, calls, 2)
	// The first upload reported both waiting segments, the second just
	// itself.
	assert.Equal(t, 2, calls[0].queueSize)
	assert.Equal(t, 1, calls[1].queueSize)
	assert.Empty(t, listSegments(t, dir))
}

func TestLoadSettings(t *testing.T) {
	defaults := testSettings()

	// Unreachable endpoint: defaults win.
	got := LoadSettings(context.Background(), &fakeCollector{}, defaults, zaptest.NewLogger(t).Sugar())
	assert.Equal(t, defaults, got)

	remote := Settings{
		MaxDelay:    30 * time.Second,
		MaxLines:    100,
		SubmitDelay: 5 * time.Second,
		ErrorDelay:  20 * time.Second,
	}
	got = LoadSettings(context.Background(), &fakeCollector{settings: &remote}, defaults, zaptest.NewLogger(t).Sugar())
	assert.Equal(t, remote, got)
}
