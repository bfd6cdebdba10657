package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-ime/internal/audio"
	"github.com/loqalabs/loqa-ime/internal/capture"
	"github.com/loqalabs/loqa-ime/internal/engine"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", msg)
}

func waitDone(t *testing.T, h Handle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("session %s did not finish", h.ID)
	}
}

// fakeStream hands samples to the coordinator one push at a time. push
// returns once the capture goroutine has taken the samples.
type fakeStream struct {
	frames   chan []float32
	errs     chan error
	ended    chan struct{}
	endOnce  sync.Once
	stopped  chan struct{}
	stopOnce sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		frames:  make(chan []float32),
		errs:    make(chan error),
		ended:   make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

func (f *fakeStream) Read() ([]float32, error) {
	select {
	case s := <-f.frames:
		return s, nil
	case err := <-f.errs:
		return nil, err
	case <-f.ended:
		return nil, io.EOF
	case <-f.stopped:
		return nil, io.EOF
	}
}

func (f *fakeStream) Stop() error {
	f.stopOnce.Do(func() { close(f.stopped) })
	return nil
}

func (f *fakeStream) push(t *testing.T, n int) {
	t.Helper()
	select {
	case f.frames <- make([]float32, n):
	case <-time.After(3 * time.Second):
		t.Fatalf("capture did not read %d samples", n)
	}
}

// pushLevel sends n samples at a constant level.
func (f *fakeStream) pushLevel(t *testing.T, n int, level float32) {
	t.Helper()
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = level
	}
	select {
	case f.frames <- samples:
	case <-time.After(3 * time.Second):
		t.Fatalf("capture did not read %d samples", n)
	}
}

func (f *fakeStream) fail(err error) {
	f.errs <- err
}

func (f *fakeStream) end() {
	f.endOnce.Do(func() { close(f.ended) })
}

func (f *fakeStream) isStopped() bool {
	select {
	case <-f.stopped:
		return true
	default:
		return false
	}
}

type fakeSource struct {
	mu      sync.Mutex
	streams []*fakeStream
	openErr error
}

func (s *fakeSource) Name() string { return "fake" }

func (s *fakeSource) Open(audio.Format) (capture.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openErr != nil {
		return nil, s.openErr
	}
	st := newFakeStream()
	s.streams = append(s.streams, st)
	return st, nil
}

func (s *fakeSource) stream(i int) *fakeStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streams[i]
}

// fakeEngine is both Loader and Transcriber.
type fakeEngine struct {
	mu          sync.Mutex
	loadErr     error
	feedFn      func(attempt int, c audio.Chunk) (engine.Output, error)
	flushFn     func(fed int) (engine.Output, error)
	gate        chan struct{}
	attempts    int
	fed         []audio.Chunk
	flushes     int
	inFlight    int
	maxInFlight int
	loads       int
	closes      int
}

func (e *fakeEngine) Name() string { return "fake" }

func (e *fakeEngine) Load(context.Context) (engine.Transcriber, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.loadErr != nil {
		return nil, e.loadErr
	}
	e.loads++
	return e, nil
}

func (e *fakeEngine) Feed(ctx context.Context, c audio.Chunk) (engine.Output, error) {
	e.mu.Lock()
	e.attempts++
	attempt := e.attempts
	e.inFlight++
	if e.inFlight > e.maxInFlight {
		e.maxInFlight = e.inFlight
	}
	gate := e.gate
	fn := e.feedFn
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.inFlight--
		e.mu.Unlock()
	}()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return engine.Output{}, ctx.Err()
		}
	}
	out := engine.Output{Text: fmt.Sprintf("partial %d", c.Seq)}
	var err error
	if fn != nil {
		out, err = fn(attempt, c)
	}
	if err == nil {
		e.mu.Lock()
		e.fed = append(e.fed, c)
		e.mu.Unlock()
	}
	return out, err
}

func (e *fakeEngine) Flush(context.Context) (engine.Output, error) {
	e.mu.Lock()
	e.flushes++
	fed := len(e.fed)
	fn := e.flushFn
	e.mu.Unlock()
	if fn != nil {
		return fn(fed)
	}
	return engine.Output{Text: fmt.Sprintf("final %d", fed), Final: true}, nil
}

func (e *fakeEngine) Reset() error { return nil }

func (e *fakeEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closes++
	return nil
}

func (e *fakeEngine) snapshot() (attempts int, fed []audio.Chunk, flushes int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.attempts, append([]audio.Chunk(nil), e.fed...), e.flushes
}

func (e *fakeEngine) closeCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closes
}

// recorder is a Sink that keeps every update.
type recorder struct {
	mu      sync.Mutex
	updates []Update
	hook    func(Update)
}

func (r *recorder) add(u Update) {
	r.mu.Lock()
	r.updates = append(r.updates, u)
	hook := r.hook
	r.mu.Unlock()
	if hook != nil {
		hook(u)
	}
}

func (r *recorder) OnStatus(u Update)  { r.add(u) }
func (r *recorder) OnPartial(u Update) { r.add(u) }
func (r *recorder) OnCommit(u Update)  { r.add(u) }

func (r *recorder) all() []Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Update(nil), r.updates...)
}

func (r *recorder) forSession(id string) []Update {
	var out []Update
	for _, u := range r.all() {
		if u.SessionID == id {
			out = append(out, u)
		}
	}
	return out
}

func (r *recorder) count(id string, kind UpdateKind) int {
	n := 0
	for _, u := range r.forSession(id) {
		if u.Kind == kind {
			n++
		}
	}
	return n
}

func (r *recorder) terminalSeen(id string) bool {
	for _, u := range r.forSession(id) {
		if u.Terminal {
			return true
		}
	}
	return false
}

const testChunk = 160

func testOptions() Options {
	return Options{
		ChunkDuration:               10 * time.Millisecond,
		Format:                      audio.Format{SampleRate: 16000, Channels: 1},
		MaxConsecutiveEngineRetries: 1,
		QueueDepth:                  2,
	}
}

func newTestCoordinator(t *testing.T, src *fakeSource, eng *fakeEngine, sink Sink) *Coordinator {
	t.Helper()
	c := New(src, eng, sink, testOptions(), newLogger())
	t.Cleanup(c.Close)
	return c
}
