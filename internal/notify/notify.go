package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/terminal-bench/courierdispatch/internal/storage"
	"github.com/terminal-bench/courierdispatch/pkg/models"
)

// Severity ranks a notification's urgency.
type Severity string

const (
	SeverityNormal   Severity = "normal"
	SeverityUrgent   Severity = "urgent"
	SeverityCritical Severity = "critical"
)

// Channel identifies a delivery transport.
type Channel string

const (
	ChannelPush    Channel = "push"
	ChannelSMS     Channel = "sms"
	ChannelEmail   Channel = "email"
	ChannelWebhook Channel = "webhook"
	ChannelChat    Channel = "chat"
)

// Message is the channel-independent payload.
type Message struct {
	Title    string
	Body     string
	Severity Severity
}

// Adapter delivers a message over one transport.
type Adapter interface {
	Deliver(ctx context.Context, to models.Recipient, msg Message) error
}

const bodyLogPrefixMax = 100

// Facade fans a message out over the requested channels, skipping channels
// the recipient has no address for, and records every send to the audit
// sink.
type Facade struct {
	sink   storage.Sink
	logger *zap.Logger
	ops    models.Recipient

	mu       sync.RWMutex
	adapters map[Channel]Adapter
}

func NewFacade(sink storage.Sink, logger *zap.Logger) *Facade {
	return &Facade{
		sink:     sink,
		logger:   logger,
		adapters: make(map[Channel]Adapter),
	}
}

// Register wires an adapter for a channel, replacing any existing one.
func (f *Facade) Register(ch Channel, a Adapter) {
	f.mu.Lock()
	f.adapters[ch] = a
	f.mu.Unlock()
}

// SetOpsRecipient sets the operator contact used by NotifyOps.
func (f *Facade) SetOpsRecipient(r models.Recipient) {
	f.ops = r
}

// Send delivers the message over each requested channel and returns the
// per-channel outcomes. A channel is skipped entirely when the recipient
// has no address for it or no adapter is registered.
func (f *Facade) Send(ctx context.Context, to models.Recipient, msg Message, channels []Channel) map[Channel]error {
	results := make(map[Channel]error, len(channels))
	for _, ch := range channels {
		if !hasAddress(to, ch) {
			continue
		}
		f.mu.RLock()
		adapter, ok := f.adapters[ch]
		f.mu.RUnlock()
		if !ok {
			continue
		}
		err := adapter.Deliver(ctx, to, msg)
		results[ch] = err
		if err != nil {
			f.logger.Warn("notification delivery failed",
				zap.String("channel", string(ch)),
				zap.String("recipient", to.ID),
				zap.Error(err))
		}
		f.logSend(ctx, to, msg, ch, err)
	}
	return results
}

func (f *Facade) logSend(ctx context.Context, to models.Recipient, msg Message, ch Channel, sendErr error) {
	body := msg.Body
	if len(body) > bodyLogPrefixMax {
		body = body[:bodyLogPrefixMax]
	}
	record := map[string]interface{}{
		"recipient": to.ID,
		"channel":   string(ch),
		"title":     msg.Title,
		"body":      body,
		"severity":  string(msg.Severity),
		"delivered": sendErr == nil,
		"at":        time.Now(),
	}
	if sendErr != nil {
		record["error"] = sendErr.Error()
	}
	if err := f.sink.AppendAudit(ctx, "notification_logs", record); err != nil {
		f.logger.Warn("failed to persist notification log", zap.Error(err))
	}
}

// OptimalChannels picks channels from the recipient's addresses and the
// severity: push whenever a token exists, sms for urgent and critical,
// email for critical, chat for admins.
func OptimalChannels(to models.Recipient, severity Severity) []Channel {
	var out []Channel
	if to.PushToken != "" {
		out = append(out, ChannelPush)
	}
	if (severity == SeverityUrgent || severity == SeverityCritical) && to.Phone != "" {
		out = append(out, ChannelSMS)
	}
	if severity == SeverityCritical && to.Email != "" {
		out = append(out, ChannelEmail)
	}
	if to.Role == "admin" && to.ChatHandle != "" {
		out = append(out, ChannelChat)
	}
	return out
}

// NotifyOps sends to the configured operator contact over the named
// channels. Satisfies the alerting hooks of the performance and threat
// meters.
func (f *Facade) NotifyOps(ctx context.Context, title, body, severity string, channels []string) error {
	chs := make([]Channel, 0, len(channels))
	for _, c := range channels {
		chs = append(chs, Channel(c))
	}
	results := f.Send(ctx, f.ops, Message{
		Title:    title,
		Body:     body,
		Severity: Severity(severity),
	}, chs)
	for _, err := range results {
		if err == nil {
			return nil
		}
	}
	for _, err := range results {
		if err != nil {
			return err
		}
	}
	return nil
}

func hasAddress(to models.Recipient, ch Channel) bool {
	switch ch {
	case ChannelPush:
		return to.PushToken != ""
	case ChannelSMS:
		return to.Phone != ""
	case ChannelEmail:
		return to.Email != ""
	case ChannelWebhook:
		return to.WebhookURL != ""
	case ChannelChat:
		return to.ChatHandle != ""
	}
	return false
}
