package session

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-ime/internal/audio"
	"github.com/loqalabs/loqa-ime/internal/engine"
)

// 160ms at 16kHz, the shortest live window.
const liveChunk = 2560

func callbacks(sink *recorder, id string) []string {
	var got []string
	for _, u := range sink.forSession(id) {
		got = append(got, u.Kind.String()+":"+u.Text)
	}
	return got
}

func TestLiveSkipsSilenceAndNeverCommits(t *testing.T) {
	src := &fakeSource{}
	eng := &fakeEngine{}
	sink := &recorder{}
	opts := testOptions()
	opts.Live = LiveOptions{SilenceThreshold: 0.01, ContextChunks: 100}
	c := New(src, eng, sink, opts, newLogger())
	t.Cleanup(c.Close)

	h, err := c.StartLive(context.Background())
	if err != nil {
		t.Fatalf("start live: %v", err)
	}
	if !h.Live || h.ChunkSize != liveChunk {
		t.Fatalf("unexpected handle %+v", h)
	}
	if snap := c.Snapshot(); !snap.Live || snap.State != StateListening {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	st := src.stream(0)
	st.pushLevel(t, liveChunk, 0.2)
	st.push(t, liveChunk)
	st.pushLevel(t, liveChunk, 0.2)
	st.pushLevel(t, liveChunk/2, 0.2)
	if !c.Stop() {
		t.Fatal("expected stop to be initiated")
	}
	waitDone(t, h)
	waitUntil(t, time.Second, func() bool { return sink.terminalSeen(h.ID) }, "stopped status")

	_, fed, flushes := eng.snapshot()
	if len(fed) != 2 || fed[0].Seq != 0 || fed[1].Seq != 2 {
		t.Fatalf("expected the silent window skipped, got %d chunks", len(fed))
	}
	if flushes != 0 {
		t.Fatalf("live stop must not flush, got %d", flushes)
	}
	want := []string{
		"status:" + StatusInitializing,
		"status:" + StatusListening,
		"partial:partial 0",
		"partial:partial 2",
		"status:" + StatusStopped,
	}
	if got := callbacks(sink, h.ID); strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("unexpected callbacks:\n got %v\nwant %v", got, want)
	}
	if c.State() != StateIdle {
		t.Fatalf("expected idle, got %s", c.State())
	}
}

func TestLiveSettlesContextAndTrimsDisplay(t *testing.T) {
	src := &fakeSource{}
	eng := &fakeEngine{
		feedFn: func(_ int, c audio.Chunk) (engine.Output, error) {
			return engine.Output{Text: fmt.Sprintf("w%d", c.Seq)}, nil
		},
		flushFn: func(fed int) (engine.Output, error) {
			return engine.Output{Text: fmt.Sprintf("seg%d", fed)}, nil
		},
	}
	sink := &recorder{}
	opts := testOptions()
	opts.Live = LiveOptions{ContextChunks: 2, MaxDisplayChars: 12}
	c := New(src, eng, sink, opts, newLogger())
	t.Cleanup(c.Close)

	h, err := c.StartLive(context.Background())
	if err != nil {
		t.Fatalf("start live: %v", err)
	}
	src.stream(0).pushLevel(t, 6*liveChunk, 0.2)
	c.Stop()
	waitDone(t, h)
	waitUntil(t, time.Second, func() bool { return sink.terminalSeen(h.ID) }, "stopped status")

	var partials []string
	for _, u := range sink.forSession(h.ID) {
		if u.Kind == UpdatePartial {
			partials = append(partials, u.Text)
		}
	}
	want := []string{"w0", "seg2", "seg2 w2", "seg2 seg4", "seg2 seg4 w4", "g2 seg4 seg6"}
	if strings.Join(partials, "|") != strings.Join(want, "|") {
		t.Fatalf("unexpected subtitles:\n got %q\nwant %q", partials, want)
	}
	if _, _, flushes := eng.snapshot(); flushes != 3 {
		t.Fatalf("expected a settle every two windows, got %d", flushes)
	}
	if sink.count(h.ID, UpdateCommit) != 0 {
		t.Fatal("live session must not commit")
	}
}

func TestLiveCancel(t *testing.T) {
	src := &fakeSource{}
	eng := &fakeEngine{}
	sink := &recorder{}
	c := newTestCoordinator(t, src, eng, sink)

	h, err := c.StartLive(context.Background())
	if err != nil {
		t.Fatalf("start live: %v", err)
	}
	src.stream(0).pushLevel(t, liveChunk, 0.2)
	waitUntil(t, time.Second, func() bool { return sink.count(h.ID, UpdatePartial) == 1 }, "subtitle")
	if !c.Cancel() {
		t.Fatal("expected cancel")
	}
	waitUntil(t, time.Second, func() bool { return sink.terminalSeen(h.ID) }, "cancelled status")
	got := callbacks(sink, h.ID)
	if last := got[len(got)-1]; last != "status:"+StatusCancelled {
		t.Fatalf("expected cancelled status last, got %v", got)
	}
	if eng.closeCount() != 1 {
		t.Fatal("expected engine released")
	}
}

func TestLiveWindowIsClamped(t *testing.T) {
	cases := []struct {
		interval time.Duration
		chunk    time.Duration
		want     int
	}{
		{0, 560 * time.Millisecond, 8960},
		{50 * time.Millisecond, 0, 2560},
		{5 * time.Second, 0, 16000},
		{250 * time.Millisecond, 0, 4000},
	}
	for _, tc := range cases {
		opts := Options{ChunkDuration: tc.chunk, Format: audio.Format{SampleRate: 16000, Channels: 1}}
		opts.Live.UpdateInterval = tc.interval
		if got := opts.liveChunkSamples(); got != tc.want {
			t.Fatalf("interval %s chunk %s: expected %d samples, got %d", tc.interval, tc.chunk, tc.want, got)
		}
	}
}

func TestTrimDisplayKeepsWholeRunes(t *testing.T) {
	if got := trimDisplay("héllo wörld", 5); got != "wörld" {
		t.Fatalf("unexpected trim %q", got)
	}
	if got := trimDisplay("short", 0); got != "short" {
		t.Fatalf("zero limit should keep text, got %q", got)
	}
	subs := &subtitles{maxChars: 20}
	subs.settle("  first  ")
	subs.settle("")
	if got := subs.display(" next "); got != "first next" {
		t.Fatalf("unexpected display %q", got)
	}
}
