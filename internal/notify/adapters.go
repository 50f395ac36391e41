package notify

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/terminal-bench/courierdispatch/pkg/models"
)

// NATSAdapter publishes notifications to a per-channel subject for the
// downstream delivery workers.
type NATSAdapter struct {
	conn    *nats.Conn
	subject string
}

func NewNATSAdapter(conn *nats.Conn, channel Channel) *NATSAdapter {
	return &NATSAdapter{conn: conn, subject: "notify." + string(channel)}
}

func (a *NATSAdapter) Deliver(_ context.Context, to models.Recipient, msg Message) error {
	payload, err := json.Marshal(map[string]interface{}{
		"recipient": to,
		"title":     msg.Title,
		"body":      msg.Body,
		"severity":  string(msg.Severity),
	})
	if err != nil {
		return err
	}
	return a.conn.Publish(a.subject, payload)
}

// LogAdapter records the delivery instead of sending it. Used for channels
// whose provider integration lives outside this service.
type LogAdapter struct {
	channel Channel
	logger  *zap.Logger
}

func NewLogAdapter(channel Channel, logger *zap.Logger) *LogAdapter {
	return &LogAdapter{channel: channel, logger: logger}
}

func (a *LogAdapter) Deliver(_ context.Context, to models.Recipient, msg Message) error {
	a.logger.Info("notification delivered",
		zap.String("channel", string(a.channel)),
		zap.String("recipient", to.ID),
		zap.String("title", msg.Title),
		zap.String("severity", string(msg.Severity)))
	return nil
}
