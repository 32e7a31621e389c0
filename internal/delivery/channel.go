package delivery

import "context"

// Channel is the opaque vendor delivery capability. Implementations are
// synchronous and must honor ctx deadlines; classification of failures
// into Transient/Permanent is the implementation's responsibility.
type Channel interface {
	Deliver(ctx context.Context, recipient string, msg Message) error
}

// Func adapts a function to the Channel interface.
type Func func(ctx context.Context, recipient string, msg Message) error

func (f Func) Deliver(ctx context.Context, recipient string, msg Message) error {
	return f(ctx, recipient, msg)
}
