package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-ime/internal/audio"
	"github.com/loqalabs/loqa-ime/internal/capture"
	"github.com/loqalabs/loqa-ime/internal/config"
	"github.com/loqalabs/loqa-ime/internal/engine"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Options tunes a Coordinator.
type Options struct {
	ChunkDuration time.Duration
	Format        audio.Format
	// MaxConsecutiveEngineRetries is how many times a failed engine call is
	// repeated before the session is abandoned.
	MaxConsecutiveEngineRetries int
	QueueDepth                  int
	Live                        LiveOptions
}

// OptionsFromConfig maps the session section of the config file.
func OptionsFromConfig(cfg config.SessionConfig) Options {
	return Options{
		ChunkDuration:               time.Duration(cfg.ChunkDurationMS) * time.Millisecond,
		Format:                      audio.Format{SampleRate: cfg.SampleRate, Channels: cfg.Channels},
		MaxConsecutiveEngineRetries: cfg.MaxConsecutiveEngineRetries,
		QueueDepth:                  cfg.QueueDepth,
		Live: LiveOptions{
			UpdateInterval:   time.Duration(cfg.Live.UpdateIntervalMS) * time.Millisecond,
			SilenceThreshold: cfg.Live.SilenceThreshold,
			MaxDisplayChars:  cfg.Live.MaxDisplayChars,
			ContextChunks:    cfg.Live.ContextChunks,
		},
	}
}

func (o Options) chunkSamples() int {
	n := int(int64(o.Format.SampleRate) * o.ChunkDuration.Milliseconds() / 1000)
	if n <= 0 {
		n = 1
	}
	return n
}

// Handle describes a started session to the caller.
type Handle struct {
	ID         string
	StartedAt  time.Time
	ChunkSize  int
	SampleRate int
	// Live is set for continuous subtitle sessions.
	Live bool
	done <-chan struct{}
}

// Done is closed once the session has been torn down and the coordinator is
// idle again.
func (h Handle) Done() <-chan struct{} { return h.done }

// Snapshot is a point-in-time view of the coordinator.
type Snapshot struct {
	SessionID string
	State     State
	StartedAt time.Time
	Live      bool
}

// Coordinator runs at most one dictation session at a time: it owns the
// capture stream, feeds fixed-size chunks to the engine from a single
// goroutine, and hands results to the Sink through a Dispatcher.
type Coordinator struct {
	source  capture.Source
	loader  engine.Loader
	disp    *Dispatcher
	opts    Options
	log     *slog.Logger
	metrics *metrics
	clock   func() time.Time

	// opMu serialises Start, Stop, Cancel and Close.
	opMu sync.Mutex

	// mu guards active, closed and every session's mutable state.
	mu     sync.Mutex
	active *session
	closed bool
}

type session struct {
	id        string
	startedAt time.Time
	chunkSize int
	format    audio.Format
	log       *slog.Logger
	span      trace.Span
	live      bool
	subs      *subtitles

	ctx    context.Context
	cancel context.CancelFunc

	stream capture.Stream
	tr     engine.Transcriber
	queue  chan audio.Chunk

	// halt is closed when no further chunk may reach the engine.
	halt     chan struct{}
	haltOnce sync.Once
	stopOnce sync.Once
	wg       sync.WaitGroup
	done     chan struct{}

	// guarded by Coordinator.mu
	state     State
	stopping  bool
	cancelled bool
	terminal  bool
	outcome   string
	seq       int
}

func (s *session) handle() Handle {
	return Handle{ID: s.id, StartedAt: s.startedAt, ChunkSize: s.chunkSize, SampleRate: s.format.SampleRate, Live: s.live, done: s.done}
}

func (s *session) halted() bool {
	select {
	case <-s.halt:
		return true
	default:
		return false
	}
}

// abort stops further engine work: pending enqueues unblock and an in-flight
// engine call sees a cancelled context.
func (s *session) abort() {
	s.haltOnce.Do(func() {
		close(s.halt)
		s.cancel()
	})
}

func (s *session) stopStream() {
	if s.stream == nil {
		return
	}
	s.stopOnce.Do(func() {
		if err := s.stream.Stop(); err != nil {
			s.log.Warn("capture stop failed", slogError(err))
		}
	})
}

func New(source capture.Source, loader engine.Loader, sink Sink, opts Options, log *slog.Logger) *Coordinator {
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 1
	}
	if opts.MaxConsecutiveEngineRetries < 0 {
		opts.MaxConsecutiveEngineRetries = 0
	}
	if opts.Live.ContextChunks <= 0 {
		opts.Live.ContextChunks = defaultContextChunks
	}
	log = log.With(slog.String("component", "session"))
	return &Coordinator{
		source:  source,
		loader:  loader,
		disp:    NewDispatcher(sink, log),
		opts:    opts,
		log:     log,
		metrics: newMetrics(),
		clock:   time.Now,
	}
}

// Start begins a new dictation session. Any active session is cancelled
// first, and a session that is already committing is allowed to finish, so
// the previous session's terminal callback always precedes the new one's
// first status.
func (c *Coordinator) Start(ctx context.Context) (Handle, error) {
	return c.start(ctx, false)
}

func (c *Coordinator) start(ctx context.Context, live bool) (Handle, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return Handle{}, ErrClosed
	}
	c.cancelActive()

	s := c.newSession(live)
	c.mu.Lock()
	c.active = s
	c.setStateLocked(s, StateInitializing)
	c.emitLocked(s, UpdateStatus, StatusInitializing, false, nil)
	c.mu.Unlock()

	tr, err := c.loader.Load(ctx)
	if err != nil {
		return Handle{}, c.failStart(s, KindEngineInitFailed, err)
	}
	stream, err := c.source.Open(c.opts.Format)
	if err != nil {
		if cerr := tr.Close(); cerr != nil {
			s.log.Warn("engine release failed", slogError(cerr))
		}
		return Handle{}, c.failStart(s, KindDeviceUnavailable, err)
	}
	if err := tr.Reset(); err != nil {
		s.log.Warn("engine reset failed", slogError(err))
	}
	s.tr = tr
	s.stream = stream

	c.mu.Lock()
	c.setStateLocked(s, StateListening)
	c.emitLocked(s, UpdateStatus, StatusListening, false, nil)
	c.mu.Unlock()
	c.metrics.sessionStarted(s.ctx)

	s.wg.Add(2)
	go c.capture(s)
	if live {
		go c.consumeLive(s)
	} else {
		go c.consume(s)
	}
	go c.reap(s)

	s.log.Info("session started",
		slog.String("source", c.source.Name()),
		slog.String("engine", c.loader.Name()),
		slog.Bool("live", live),
		slog.Int("chunk_samples", s.chunkSize))
	return s.handle(), nil
}

// Stop requests graceful finalization of the active session: capture ends,
// queued audio is decoded, the trailing partial window is zero-padded and
// fed, and the final decode is committed. A live session instead decodes
// what is queued and ends without committing. It reports whether a stop was
// initiated; repeated calls are no-ops.
func (c *Coordinator) Stop() bool {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	s := c.active
	if s == nil || s.state != StateListening || s.stopping || s.terminal {
		c.mu.Unlock()
		return false
	}
	s.stopping = true
	if !s.live {
		c.setStateLocked(s, StateTranscribing)
		c.emitLocked(s, UpdateStatus, StatusTranscribing, false, nil)
	}
	c.mu.Unlock()

	s.stopStream()
	return true
}

// Cancel abandons the active session without committing. It returns once the
// capture device and engine are released. It reports whether a session was
// cancelled; it is a no-op when idle or once a commit has begun.
func (c *Coordinator) Cancel() bool {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.cancelActive()
}

// Close cancels any active session and flushes pending callbacks. Sink
// callbacks may still call Cancel or Stop while Close waits for them.
func (c *Coordinator) Close() {
	c.opMu.Lock()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.opMu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	c.cancelActive()
	c.opMu.Unlock()

	c.disp.Close()
}

// State reports the active session's state, or StateIdle.
func (c *Coordinator) State() State {
	return c.Snapshot().State
}

func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return Snapshot{State: StateIdle}
	}
	return Snapshot{SessionID: c.active.id, State: c.active.state, StartedAt: c.active.startedAt, Live: c.active.live}
}

// Active returns the handle of the current session, if any.
func (c *Coordinator) Active() (Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return Handle{}, false
	}
	return c.active.handle(), true
}

func (c *Coordinator) newSession(live bool) *session {
	id := uuid.NewString()
	ctx, span := c.metrics.tracer.Start(context.Background(), "dictation.session",
		trace.WithAttributes(attribute.String("session.id", id), attribute.Bool("session.live", live)))
	ctx, cancel := context.WithCancel(ctx)
	chunkSize := c.opts.chunkSamples()
	var subs *subtitles
	if live {
		chunkSize = c.opts.liveChunkSamples()
		subs = &subtitles{maxChars: c.opts.Live.MaxDisplayChars}
	}
	return &session{
		id:        id,
		startedAt: c.clock(),
		chunkSize: chunkSize,
		live:      live,
		subs:      subs,
		format:    c.opts.Format,
		log:       c.log.With(slog.String("session_id", id)),
		span:      span,
		ctx:       ctx,
		cancel:    cancel,
		queue:     make(chan audio.Chunk, c.opts.QueueDepth),
		halt:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// cancelActive tears down the active session and waits for it. Callers hold
// opMu.
func (c *Coordinator) cancelActive() bool {
	c.mu.Lock()
	s := c.active
	if s == nil {
		c.mu.Unlock()
		return false
	}
	cancelled := false
	if !s.terminal && (s.state == StateListening || s.state == StateTranscribing) {
		s.cancelled = true
		s.outcome = "cancelled"
		c.setStateLocked(s, StateStopped)
		c.emitLocked(s, UpdateStatus, StatusCancelled, true, nil)
		cancelled = true
	}
	c.mu.Unlock()

	if cancelled {
		s.abort()
		s.stopStream()
		s.log.Info("session cancelled")
	}
	<-s.done
	return cancelled
}

func (c *Coordinator) failStart(s *session, kind ErrorKind, cause error) error {
	err := &Error{Kind: kind, SessionID: s.id, Err: cause}
	c.mu.Lock()
	c.setStateLocked(s, StateError)
	c.emitLocked(s, UpdateStatus, StatusText(kind), true, err)
	c.setStateLocked(s, StateIdle)
	c.active = nil
	c.mu.Unlock()

	s.log.Error("session start failed", slog.String("kind", kind.String()), slogError(cause))
	c.metrics.sessionEnded(s.ctx, kind.String())
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, kind.String())
	s.span.End()
	s.cancel()
	close(s.done)
	return err
}

// fail abandons a running session with a fatal error. It is a no-op if the
// session already has a terminal outcome.
func (c *Coordinator) fail(s *session, cause error) {
	err := &Error{Kind: KindSessionFatal, SessionID: s.id, Err: cause}
	c.mu.Lock()
	if s.terminal {
		c.mu.Unlock()
		return
	}
	s.outcome = KindSessionFatal.String()
	c.setStateLocked(s, StateError)
	c.emitLocked(s, UpdateStatus, StatusText(KindSessionFatal), true, err)
	c.mu.Unlock()

	s.log.Error("session failed", slogError(err))
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, KindSessionFatal.String())
	s.abort()
	s.stopStream()
}

// commit delivers the final text and ends capture. Only the first call for a
// session has any effect.
func (c *Coordinator) commit(s *session, text string) {
	c.mu.Lock()
	if s.terminal || s.cancelled {
		c.mu.Unlock()
		return
	}
	s.stopping = true
	s.outcome = "committed"
	c.setStateLocked(s, StateCommitting)
	c.emitLocked(s, UpdateCommit, text, true, nil)
	c.mu.Unlock()

	s.log.Info("session committed", slog.Int("chars", len(text)))
	s.abort()
	s.stopStream()
}

// capture reads the stream, cuts fixed-size windows and enqueues them. It
// blocks on a full queue rather than dropping audio.
func (c *Coordinator) capture(s *session) {
	defer s.wg.Done()
	defer close(s.queue)

	w := audio.NewWindower(s.chunkSize)
	s.log.Debug("capture started", slog.Int("window_samples", w.Size()))
	for {
		samples, err := s.stream.Read()
		if len(samples) > 0 {
			for _, chunk := range w.Push(audio.Downmix(samples, s.format.Channels)) {
				if s.live && audio.RMS(chunk.Samples) < c.opts.Live.SilenceThreshold {
					continue
				}
				if !c.enqueue(s, chunk) {
					return
				}
			}
		}
		if err == nil {
			continue
		}
		if s.halted() {
			return
		}
		if errors.Is(err, io.EOF) || c.isStopping(s) {
			c.endOfInput(s)
			if s.live {
				return
			}
			if tail, ok := w.Flush(); ok {
				s.log.Debug("flushing partial window", slog.Int("samples", tail.Real()), slog.Int("padding", tail.Padded))
				c.enqueue(s, tail)
			}
			return
		}
		c.fail(s, fmt.Errorf("%w: capture read: %v", ErrDeviceUnavailable, err))
		return
	}
}

func (c *Coordinator) enqueue(s *session, chunk audio.Chunk) bool {
	select {
	case s.queue <- chunk:
		c.metrics.queued(s.ctx, 1)
		return true
	case <-s.halt:
		return false
	}
}

func (c *Coordinator) isStopping(s *session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return s.stopping
}

// endOfInput treats a stream that ran out on its own like a Stop.
func (c *Coordinator) endOfInput(s *session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.stopping || s.terminal || s.state != StateListening {
		return
	}
	s.stopping = true
	if !s.live {
		c.setStateLocked(s, StateTranscribing)
		c.emitLocked(s, UpdateStatus, StatusTranscribing, false, nil)
	}
	s.log.Info("capture input ended")
}

// consume is the only goroutine that touches the Transcriber.
func (c *Coordinator) consume(s *session) {
	defer s.wg.Done()
	defer c.releaseEngine(s)

	for chunk := range s.queue {
		c.metrics.queued(s.ctx, -1)
		if s.halted() {
			continue
		}
		out, err := c.call(s, "feed", func(ctx context.Context) (engine.Output, error) {
			return s.tr.Feed(ctx, chunk)
		})
		if err != nil {
			if !s.halted() {
				c.present(s, ClassifyError(s.id, err))
			}
			continue
		}
		c.present(s, Classify(s.id, out, false))
	}
	if s.halted() {
		return
	}

	out, err := c.call(s, "flush", s.tr.Flush)
	if err != nil {
		if !s.halted() {
			c.present(s, ClassifyError(s.id, err))
		}
		return
	}
	c.present(s, Classify(s.id, out, true))
}

// call runs one engine operation, retrying up to the configured limit.
func (c *Coordinator) call(s *session, op string, fn func(context.Context) (engine.Output, error)) (engine.Output, error) {
	for attempt := 0; ; attempt++ {
		started := time.Now()
		out, err := fn(s.ctx)
		c.metrics.chunkFed(s.ctx, op, time.Since(started), err)
		if err == nil {
			return out, nil
		}
		if s.ctx.Err() != nil {
			return engine.Output{}, s.ctx.Err()
		}
		s.log.Warn("engine call failed", slog.String("op", op), slog.Int("attempt", attempt+1), slogError(err))
		if attempt >= c.opts.MaxConsecutiveEngineRetries {
			return engine.Output{}, &Error{Kind: KindEngineError, SessionID: s.id, Err: err}
		}
		c.metrics.retried(s.ctx, op)
	}
}

// present applies one classified result to the session. An error result is
// fatal for the session.
func (c *Coordinator) present(s *session, res Result) {
	if res.Kind == ResultError {
		c.fail(s, res.Err)
		return
	}
	if s.live {
		c.presentSubtitle(s, res)
		return
	}
	switch res.Kind {
	case ResultPartial:
		c.mu.Lock()
		if !s.cancelled {
			c.emitLocked(s, UpdatePartial, res.Text, false, nil)
		}
		c.mu.Unlock()
	case ResultFinal:
		c.commit(s, res.Text)
	}
}

func (c *Coordinator) releaseEngine(s *session) {
	if err := s.tr.Reset(); err != nil {
		s.log.Debug("engine reset on teardown failed", slogError(err))
	}
	if err := s.tr.Close(); err != nil {
		s.log.Warn("engine release failed", slogError(err))
	}
}

// reap waits for both session goroutines and returns the coordinator to idle.
func (c *Coordinator) reap(s *session) {
	s.wg.Wait()
	s.stopStream()
	s.abort()

	c.mu.Lock()
	if s.state != StateStopped {
		c.setStateLocked(s, StateStopped)
	}
	c.setStateLocked(s, StateIdle)
	if c.active == s {
		c.active = nil
	}
	outcome := s.outcome
	c.mu.Unlock()

	if outcome == "" {
		outcome = "unknown"
	}
	c.metrics.sessionEnded(context.Background(), outcome)
	s.span.SetAttributes(attribute.String("session.outcome", outcome))
	s.span.End()
	s.log.Info("session ended", slog.String("outcome", outcome), slog.Duration("duration", c.clock().Sub(s.startedAt)))
	close(s.done)
}

func (c *Coordinator) setStateLocked(s *session, to State) {
	if s.state == to {
		return
	}
	s.log.Debug("session state", slog.String("from", s.state.String()), slog.String("to", to.String()))
	s.state = to
}

// emitLocked posts one callback unless the session already delivered its
// terminal one.
func (c *Coordinator) emitLocked(s *session, kind UpdateKind, text string, terminal bool, err error) {
	if s.terminal {
		return
	}
	s.seq++
	if terminal {
		s.terminal = true
	}
	c.disp.Post(Update{
		SessionID: s.id,
		Kind:      kind,
		State:     s.state,
		Text:      text,
		Terminal:  terminal,
		Err:       err,
		Seq:       s.seq,
		At:        c.clock(),
	})
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
