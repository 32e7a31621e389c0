// Package channel is the in-memory transport.Queue used in single-node
// mode and in tests. It is not durable; durability in channel mode comes
// from the recovery sweeper re-claiming work from the store.
package channel

import (
	"context"

	"github.com/fairyhunter13/happy-bday-app-sub003/internal/transport"
)

type Bus struct {
	ch chan transport.Message
}

func NewBus(buffer int) *Bus {
	return &Bus{
		ch: make(chan transport.Message, buffer),
	}
}

func (b *Bus) Publish(ctx context.Context, msg transport.Message) error {
	select {
	case b.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume delivers messages to handler until ctx is cancelled. Several
// consumers may read from the same bus; each message goes to exactly one
// of them.
func (b *Bus) Consume(ctx context.Context, consumer string, handler transport.Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-b.ch:
			switch handler(ctx, msg) {
			case transport.NackRequeue:
				select {
				case b.ch <- msg:
				case <-ctx.Done():
					return ctx.Err()
				}
			default:
				// Ack and NackDrop both consume the message.
			}
		}
	}
}

// Len reports the number of buffered messages.
func (b *Bus) Len() int {
	return len(b.ch)
}

var _ transport.Queue = (*Bus)(nil)
