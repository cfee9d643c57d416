package broadcast

import "context"

// Fanout delivers every event to each Broadcaster in order.
type Fanout []Broadcaster

func (f Fanout) BroadcastEvent(ctx context.Context, eventType string, payload any) {
	for _, b := range f {
		b.BroadcastEvent(ctx, eventType, payload)
	}
}
