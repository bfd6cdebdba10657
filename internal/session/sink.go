package session

import (
	"time"
)

// UpdateKind tells which Sink callback an Update is delivered to.
type UpdateKind int

const (
	UpdateStatus UpdateKind = iota
	UpdatePartial
	UpdateCommit
)

func (k UpdateKind) String() string {
	switch k {
	case UpdateStatus:
		return "status"
	case UpdatePartial:
		return "partial"
	case UpdateCommit:
		return "commit"
	}
	return "unknown"
}

// Update is one result callback produced by a session.
type Update struct {
	SessionID string
	Kind      UpdateKind
	State     State
	Text      string
	// Terminal marks the last callback of the session.
	Terminal bool
	Err      error
	// Seq orders callbacks within a session, starting at 1.
	Seq int
	At  time.Time
}

// Sink receives session results. All calls happen on the single dispatcher
// goroutine, in the order the coordinator produced them. A commit is always
// the final callback of a session that produced one.
type Sink interface {
	OnStatus(u Update)
	OnPartial(u Update)
	OnCommit(u Update)
}

// SinkFuncs adapts plain functions to Sink. Nil fields are ignored.
type SinkFuncs struct {
	Status  func(Update)
	Partial func(Update)
	Commit  func(Update)
}

func (f SinkFuncs) OnStatus(u Update) {
	if f.Status != nil {
		f.Status(u)
	}
}

func (f SinkFuncs) OnPartial(u Update) {
	if f.Partial != nil {
		f.Partial(u)
	}
}

func (f SinkFuncs) OnCommit(u Update) {
	if f.Commit != nil {
		f.Commit(u)
	}
}

// MultiSink delivers every update to each sink in order.
type MultiSink []Sink

func (m MultiSink) OnStatus(u Update) {
	for _, s := range m {
		s.OnStatus(u)
	}
}

func (m MultiSink) OnPartial(u Update) {
	for _, s := range m {
		s.OnPartial(u)
	}
}

func (m MultiSink) OnCommit(u Update) {
	for _, s := range m {
		s.OnCommit(u)
	}
}

func deliver(s Sink, u Update) {
	switch u.Kind {
	case UpdateStatus:
		s.OnStatus(u)
	case UpdatePartial:
		s.OnPartial(u)
	case UpdateCommit:
		s.OnCommit(u)
	}
}
