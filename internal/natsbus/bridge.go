package natsbus

import (
	"context"
	"log/slog"

	"github.com/aristath/swarm/internal/events"
)

// Bridge republishes every event from bus onto NATS until ctx is done or
// the bus closes. Run events go to events.swarm.<runID>; worker events
// not tied to a run go to events.workers.
func Bridge(ctx context.Context, bus *events.EventBus, client *Client) {
	sub := bus.SubscribeAll(256)
	defer bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			subject := TopicEventsWorkers
			if ev.RunID() != "" {
				subject = TopicEventsRun(ev.RunID())
			}
			env := EventEnvelope{
				Type:    ev.EventType(),
				RunID:   ev.RunID(),
				TaskID:  ev.TaskID(),
				Payload: ev,
			}
			if err := client.PublishJSON(subject, env); err != nil {
				slog.Warn("failed to bridge event", "type", ev.EventType(), "error", err)
			}
		}
	}
}
