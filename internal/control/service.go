package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-ime/internal/bus"
	"github.com/loqalabs/loqa-ime/internal/protocol"
	"github.com/loqalabs/loqa-ime/internal/session"
	"github.com/nats-io/nats.go"
)

// Controller is the part of the coordinator driven remotely.
type Controller interface {
	Start(ctx context.Context) (session.Handle, error)
	StartLive(ctx context.Context) (session.Handle, error)
	Stop() bool
	Cancel() bool
	Snapshot() session.Snapshot
}

// Service answers ime.control.* requests over NATS.
type Service struct {
	bus          *bus.Client
	ctrl         Controller
	startTimeout time.Duration

	mu    sync.Mutex
	subs  []*nats.Subscription
	ready bool
}

func NewService(busClient *bus.Client, ctrl Controller, startTimeout time.Duration) *Service {
	if startTimeout <= 0 {
		startTimeout = 30 * time.Second
	}
	return &Service{bus: busClient, ctrl: ctrl, startTimeout: startTimeout}
}

func (s *Service) Start() error {
	handlers := map[string]func(protocol.ControlRequest) protocol.ControlReply{
		protocol.SubjectControlStart:  s.handleStart,
		protocol.SubjectControlStop:   s.handleStop,
		protocol.SubjectControlCancel: s.handleCancel,
		protocol.SubjectControlState:  s.handleState,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for subject, handle := range handlers {
		sub, err := s.bus.Conn().Subscribe(subject, func(msg *nats.Msg) { s.serve(msg, handle) })
		if err != nil {
			s.closeLocked()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}
	s.ready = true
	return nil
}

func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

func (s *Service) closeLocked() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
	s.ready = false
}

func (s *Service) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

func (s *Service) serve(msg *nats.Msg, handle func(protocol.ControlRequest) protocol.ControlReply) {
	var req protocol.ControlRequest
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.bus.Logger().Warn("failed to decode control request", slog.String("subject", msg.Subject), slogError(err))
			s.respond(msg, protocol.ControlReply{Error: "invalid request: " + err.Error(), State: s.ctrl.Snapshot().State.String()})
			return
		}
	}
	reply := handle(req)
	reply.RequestID = req.RequestID
	s.respond(msg, reply)
}

func (s *Service) respond(msg *nats.Msg, reply protocol.ControlReply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		s.bus.Logger().Warn("failed to marshal control reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.bus.Logger().Warn("failed to send control reply", slogError(err))
	}
}

func (s *Service) handleStart(req protocol.ControlRequest) protocol.ControlReply {
	ctx, cancel := context.WithTimeout(context.Background(), s.startTimeout)
	defer cancel()
	start, err := StartFunc(s.ctrl, req.Mode)
	if err != nil {
		return s.reply(false, err)
	}
	h, err := start(ctx)
	if err != nil {
		return s.reply(false, err)
	}
	r := s.reply(true, nil)
	r.SessionID = h.ID
	return r
}

func (s *Service) handleStop(protocol.ControlRequest) protocol.ControlReply {
	return s.reply(s.ctrl.Stop(), nil)
}

func (s *Service) handleCancel(protocol.ControlRequest) protocol.ControlReply {
	return s.reply(s.ctrl.Cancel(), nil)
}

func (s *Service) handleState(protocol.ControlRequest) protocol.ControlReply {
	return s.reply(true, nil)
}

func (s *Service) reply(ok bool, err error) protocol.ControlReply {
	snap := s.ctrl.Snapshot()
	r := protocol.ControlReply{OK: ok, SessionID: snap.SessionID, State: snap.State.String(), Mode: ModeOf(snap)}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}

// StartFunc picks the Controller method that opens a session of mode.
func StartFunc(ctrl Controller, mode string) (func(context.Context) (session.Handle, error), error) {
	switch mode {
	case "", protocol.ModeDictation:
		return ctrl.Start, nil
	case protocol.ModeLive:
		return ctrl.StartLive, nil
	}
	return nil, fmt.Errorf("unknown session mode %q", mode)
}

// ModeOf names the mode of the session in snap, or "" when idle.
func ModeOf(snap session.Snapshot) string {
	switch {
	case snap.SessionID == "":
		return ""
	case snap.Live:
		return protocol.ModeLive
	default:
		return protocol.ModeDictation
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
