package sink

import (
	"github.com/loqalabs/loqa-ime/internal/bus"
	"github.com/loqalabs/loqa-ime/internal/protocol"
	"github.com/loqalabs/loqa-ime/internal/session"
)

// Bus publishes every update on the ime.session.* subjects.
type Bus struct {
	client *bus.Client
}

func NewBus(client *bus.Client) *Bus {
	return &Bus{client: client}
}

func (b *Bus) OnStatus(u session.Update)  { b.publish(protocol.SubjectSessionStatus, u) }
func (b *Bus) OnPartial(u session.Update) { b.publish(protocol.SubjectSessionPartial, u) }
func (b *Bus) OnCommit(u session.Update)  { b.publish(protocol.SubjectSessionCommit, u) }

func (b *Bus) publish(subject string, u session.Update) {
	if !b.client.Healthy() {
		b.client.Logger().Debug("bus unavailable, dropping session event", "subject", subject)
		return
	}
	if err := b.client.PublishJSON(subject, Event(u)); err != nil {
		b.client.Logger().Warn("failed to publish session event", slogError(err))
	}
}
