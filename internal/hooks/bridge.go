package hooks

import (
	"context"

	"github.com/relaydev/relay/internal/events"
	"github.com/relaydev/relay/internal/events/bus"
)

// busBridgeName is the handler name used for every bridge registration.
const busBridgeName = "bus-bridge"

// BindBus mirrors every hook event onto the event bus under
// relay.hooks.<type>. External observers subscribe to the bus instead of
// registering handlers in-process.
func BindBus(d *Dispatcher, eventBus bus.EventBus, source string) error {
	for _, et := range AllEventTypes() {
		eventType := et
		_, err := d.Register(eventType, func(ctx context.Context, event *Event) (interface{}, error) {
			data := map[string]interface{}{
				"session_id": event.SessionID,
				"channel_id": event.ChannelID,
			}
			for k, v := range event.Data {
				data[k] = v
			}
			busEvent := bus.NewEvent(string(event.Type), source, data)
			busEvent.Timestamp = event.Timestamp
			subject := events.BuildHookSubject(string(event.Type))
			return nil, eventBus.Publish(ctx, subject, busEvent)
		}, busBridgeName)
		if err != nil {
			return err
		}
	}
	return nil
}

// UnbindBus removes the bridge registrations added by BindBus.
func UnbindBus(d *Dispatcher) {
	for _, et := range AllEventTypes() {
		d.Unregister(et, busBridgeName)
	}
}
