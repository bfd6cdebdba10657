package session

import (
	"context"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/loqalabs/loqa-ime/internal/engine"
)

const (
	minLiveInterval = 160 * time.Millisecond
	maxLiveInterval = time.Second

	defaultContextChunks = 12
)

// LiveOptions tunes continuous subtitle sessions started with StartLive.
type LiveOptions struct {
	// UpdateInterval is the window length, clamped to 160ms..1s. Zero uses
	// the dictation chunk duration.
	UpdateInterval time.Duration
	// Windows whose RMS level is below SilenceThreshold never reach the
	// engine.
	SilenceThreshold float64
	// MaxDisplayChars keeps only the tail of the subtitle text. Zero keeps
	// everything.
	MaxDisplayChars int
	// ContextChunks is how many windows the engine may accumulate before
	// its hypothesis is settled and its state reset.
	ContextChunks int
}

func (o Options) liveChunkSamples() int {
	d := o.Live.UpdateInterval
	if d <= 0 {
		d = o.ChunkDuration
	}
	if d < minLiveInterval {
		d = minLiveInterval
	}
	if d > maxLiveInterval {
		d = maxLiveInterval
	}
	n := int(int64(o.Format.SampleRate) * d.Milliseconds() / 1000)
	if n <= 0 {
		n = 1
	}
	return n
}

// subtitles is the rolling display text of a live session. Only the consume
// goroutine touches it.
type subtitles struct {
	maxChars int
	settled  string
	shown    string
	fed      int
}

func (t *subtitles) settle(text string) {
	text = strings.TrimSpace(text)
	t.fed = 0
	if text == "" {
		return
	}
	if t.settled != "" {
		t.settled += " "
	}
	t.settled = trimDisplay(t.settled+text, t.maxChars)
}

func (t *subtitles) display(hypothesis string) string {
	out := t.settled
	if h := strings.TrimSpace(hypothesis); h != "" {
		if out != "" {
			out += " "
		}
		out += h
	}
	return trimDisplay(out, t.maxChars)
}

// trimDisplay keeps the last limit runes of text.
func trimDisplay(text string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return text
	}
	r := []rune(text)
	return string(r[len(r)-limit:])
}

// StartLive begins a continuous subtitle session. It never commits: each
// engine update is shown as a partial carrying the rolling subtitle text, and
// Stop ends the session with a "Stopped" status.
func (c *Coordinator) StartLive(ctx context.Context) (Handle, error) {
	return c.start(ctx, true)
}

// consumeLive feeds windows like consume, but settles the hypothesis whenever
// the engine context is full instead of waiting for a stop.
func (c *Coordinator) consumeLive(s *session) {
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
		s.subs.fed++
		res := Classify(s.id, out, false)
		if res.Kind != ResultFinal && s.subs.fed >= c.opts.Live.ContextChunks {
			out, err = c.call(s, "flush", s.tr.Flush)
			if err != nil {
				if !s.halted() {
					c.present(s, ClassifyError(s.id, err))
				}
				continue
			}
			res = Classify(s.id, out, true)
		}
		c.present(s, res)
	}
	if s.halted() {
		return
	}

	c.mu.Lock()
	if !s.terminal && !s.cancelled {
		s.outcome = "stopped"
		c.setStateLocked(s, StateStopped)
		c.emitLocked(s, UpdateStatus, StatusStopped, true, nil)
	}
	c.mu.Unlock()
	s.log.Info("live session stopped")
}

func (c *Coordinator) presentSubtitle(s *session, res Result) {
	switch res.Kind {
	case ResultPartial:
		c.showSubtitle(s, s.subs.display(res.Text))
	case ResultFinal:
		s.subs.settle(res.Text)
		if err := s.tr.Reset(); err != nil {
			s.log.Warn("engine reset after settle failed", slogError(err))
		}
		c.showSubtitle(s, s.subs.display(""))
	}
}

func (c *Coordinator) showSubtitle(s *session, text string) {
	if text == "" || text == s.subs.shown {
		return
	}
	s.subs.shown = text
	c.mu.Lock()
	if !s.cancelled {
		c.emitLocked(s, UpdatePartial, text, false, nil)
	}
	c.mu.Unlock()
	s.log.Debug("subtitle updated", slog.Int("chars", len(text)))
}
