package control

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSEventPublisher implements launcher.EventPublisher by publishing
// lifecycle events to the events subject space. Events are fire and
// forget; subscribers that care about ordering key on process_id.
type NATSEventPublisher struct {
	nc         *nats.Conn
	launcherID string
}

// NewEventPublisher creates a publisher stamping launcherID into every
// event.
func NewEventPublisher(nc *nats.Conn, launcherID string) *NATSEventPublisher {
	return &NATSEventPublisher{nc: nc, launcherID: launcherID}
}

// ReportLifecycleEvent publishes the event to
// prism.launcher.v1.events.<eventType>.
func (p *NATSEventPublisher) ReportLifecycleEvent(ctx context.Context, eventType, message string, metadata map[string]string) error {
	event := Event{
		Type:       eventType,
		Message:    message,
		LauncherID: p.launcherID,
		Metadata:   metadata,
		Timestamp:  time.Now().UTC(),
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	subject := fmt.Sprintf("%s.%s", EventSubjectPrefix, eventType)
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}
