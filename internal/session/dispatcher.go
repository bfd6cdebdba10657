package session

import (
	"fmt"
	"log/slog"
	"sync"
)

// recentTerminals bounds how many finished sessions the dispatcher remembers
// for late-update suppression.
const recentTerminals = 8

// Dispatcher is the presentation context: an unbounded FIFO drained by one
// goroutine that invokes the Sink. Post never blocks, so background
// goroutines cannot stall on a slow UI.
type Dispatcher struct {
	sink Sink
	log  *slog.Logger

	mu     sync.Mutex
	queue  []Update
	closed bool
	signal chan struct{}
	done   chan struct{}

	// owned by the run goroutine
	finished []string
}

func NewDispatcher(sink Sink, log *slog.Logger) *Dispatcher {
	d := &Dispatcher{
		sink:   sink,
		log:    log,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go d.run()
	return d
}

// Post enqueues u for delivery. Updates posted after Close are dropped.
func (d *Dispatcher) Post(u Update) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, u)
	d.mu.Unlock()
	select {
	case d.signal <- struct{}{}:
	default:
	}
}

// Close delivers everything already posted, then stops the goroutine.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.done
		return
	}
	d.closed = true
	d.mu.Unlock()
	select {
	case d.signal <- struct{}{}:
	default:
	}
	<-d.done
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for {
		d.mu.Lock()
		batch := d.queue
		d.queue = nil
		closed := d.closed
		d.mu.Unlock()

		for _, u := range batch {
			d.dispatch(u)
		}
		if closed && len(batch) == 0 {
			return
		}
		if len(batch) == 0 {
			<-d.signal
		}
	}
}

func (d *Dispatcher) dispatch(u Update) {
	if d.isFinished(u.SessionID) {
		d.log.Warn("dropping update after terminal callback",
			slog.String("session_id", u.SessionID), slog.String("kind", u.Kind.String()))
		return
	}
	if u.Terminal {
		d.finished = append(d.finished, u.SessionID)
		if len(d.finished) > recentTerminals {
			d.finished = d.finished[1:]
		}
	}
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("result sink panicked", slog.String("session_id", u.SessionID), slog.String("panic", fmt.Sprint(r)))
		}
	}()
	deliver(d.sink, u)
}

func (d *Dispatcher) isFinished(id string) bool {
	for _, f := range d.finished {
		if f == id {
			return true
		}
	}
	return false
}
