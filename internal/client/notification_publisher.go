package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Workflow event types.
const (
	EventAidRequestSubmitted = "aid_request_submitted"
	EventAidRequestAdvanced  = "aid_request_review_required"
	EventAidRequestApproved  = "aid_request_approved"
	EventAidRequestRejected  = "aid_request_rejected"
	EventDisbursementOpened  = "disbursement_opened"
	EventCheckpointConfirmed = "disbursement_checkpoint_confirmed"
	EventLiquidationFiled    = "liquidation_filed"
	EventLiquidationAdvanced = "liquidation_review_required"
	EventLiquidationApproved = "liquidation_approved"
	EventLiquidationRejected = "liquidation_rejected"
)

// NotificationEvent is the JSON schema published for every workflow event.
type NotificationEvent struct {
	EventType     string         `json:"event_type"`
	FacilityID    string         `json:"facility_id"`
	ActorID       string         `json:"actor_id"`
	Recipients    []string       `json:"recipients,omitempty"`
	RecipientRole string         `json:"recipient_role,omitempty"`
	ResourceType  string         `json:"resource_type"`
	ResourceID    string         `json:"resource_id"`
	IsActionable  bool           `json:"is_actionable,omitempty"`
	Severity      string         `json:"severity,omitempty"`
	Category      string         `json:"category,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
}

type natsPublisher interface {
	Publish(subject string, data []byte) error
}

// NATSNotificationPublisher publishes workflow events to NATS.
//
// Subject convention: <prefix>.<event_type>
//
// Publish never fails the caller: errors are logged and dropped so
// notification outages never interrupt the workflow.
type NATSNotificationPublisher struct {
	nc     natsPublisher
	conn   *nats.Conn
	prefix string
	log    zerolog.Logger
}

// NewNATSNotificationPublisher connects to url and returns a publisher.
func NewNATSNotificationPublisher(url, prefix string, log zerolog.Logger) (*NATSNotificationPublisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("be-aid-workflow"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("notification: NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("notification: NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return &NATSNotificationPublisher{nc: conn, conn: conn, prefix: prefix, log: log}, nil
}

// Close flushes pending messages and closes the connection.
func (p *NATSNotificationPublisher) Close() error {
	if p.conn == nil {
		return nil
	}
	return p.conn.Drain()
}

// Publish sends event on <prefix>.<event_type>.
func (p *NATSNotificationPublisher) Publish(_ context.Context, event NotificationEvent) {
	if p.nc == nil {
		return
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", event.EventType).Msg("notification: failed to marshal event")
		return
	}

	subject := fmt.Sprintf("%s.%s", p.prefix, event.EventType)
	if err := p.nc.Publish(subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("resource_id", event.ResourceID).
			Msg("notification: failed to publish NATS event (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Str("resource_id", event.ResourceID).
		Msg("notification: event published")
}

// LogNotificationSink writes events to the log instead of a broker.
type LogNotificationSink struct {
	log zerolog.Logger
}

// NewLogNotificationSink creates a sink that logs each event at info level.
func NewLogNotificationSink(log zerolog.Logger) *LogNotificationSink {
	return &LogNotificationSink{log: log}
}

func (s *LogNotificationSink) Publish(_ context.Context, event NotificationEvent) {
	s.log.Info().
		Str("event_type", event.EventType).
		Str("resource_type", event.ResourceType).
		Str("resource_id", event.ResourceID).
		Str("actor_id", event.ActorID).
		Strs("recipients", event.Recipients).
		Msg("notification")
}
