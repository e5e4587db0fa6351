package claims

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Dispatcher publishes claim state-change events for downstream consumers
// (email/SMS notifications are a separate system; we only emit).
type Dispatcher interface {
	Dispatch(ctx context.Context, event ClaimEvent) error
}

// LogDispatcher writes events to the structured log. Used in development
// and as the fallback when no broker is configured.
type LogDispatcher struct {
	logger zerolog.Logger
}

func NewLogDispatcher(logger zerolog.Logger) *LogDispatcher {
	return &LogDispatcher{logger: logger}
}

func (d *LogDispatcher) Dispatch(_ context.Context, event ClaimEvent) error {
	d.logger.Info().
		Str("claim_number", event.ClaimNumber).
		Str("tenant_id", event.TenantID).
		Str("old_state", string(event.OldState)).
		Str("new_state", string(event.NewState)).
		Msg("claim state changed")
	return nil
}

// NATSDispatcher publishes events to claims.events.<tenant> so notification
// workers can subscribe per tenant or with a wildcard.
type NATSDispatcher struct {
	conn   *nats.Conn
	logger zerolog.Logger
}

func NewNATSDispatcher(conn *nats.Conn, logger zerolog.Logger) *NATSDispatcher {
	return &NATSDispatcher{conn: conn, logger: logger}
}

func (d *NATSDispatcher) Dispatch(_ context.Context, event ClaimEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal claim event: %w", err)
	}
	subject := "claims.events." + event.TenantID
	if err := d.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish claim event to %s: %w", subject, err)
	}
	return nil
}
