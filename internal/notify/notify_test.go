package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/terminal-bench/courierdispatch/internal/storage"
	"github.com/terminal-bench/courierdispatch/pkg/models"
)

type captureAdapter struct {
	delivered []Message
	err       error
}

func (a *captureAdapter) Deliver(_ context.Context, _ models.Recipient, msg Message) error {
	if a.err != nil {
		return a.err
	}
	a.delivered = append(a.delivered, msg)
	return nil
}

func fullRecipient() models.Recipient {
	return models.Recipient{
		ID:         "u1",
		Role:       "customer",
		PushToken:  "tok",
		Phone:      "+15550100",
		Email:      "u1@example.com",
		WebhookURL: "https://example.com/hook",
		ChatHandle: "@u1",
	}
}

func TestSend(t *testing.T) {
	ctx := context.Background()

	t.Run("delivers over every requested channel", func(t *testing.T) {
		sink := storage.NewMemSink()
		f := NewFacade(sink, zap.NewNop())
		push := &captureAdapter{}
		email := &captureAdapter{}
		f.Register(ChannelPush, push)
		f.Register(ChannelEmail, email)

		msg := Message{Title: "t", Body: "b", Severity: SeverityNormal}
		results := f.Send(ctx, fullRecipient(), msg, []Channel{ChannelPush, ChannelEmail})

		assert.Len(t, results, 2)
		assert.NoError(t, results[ChannelPush])
		assert.NoError(t, results[ChannelEmail])
		assert.Len(t, push.delivered, 1)
		assert.Len(t, email.delivered, 1)
	})

	t.Run("skips channels the recipient has no address for", func(t *testing.T) {
		f := NewFacade(storage.NewMemSink(), zap.NewNop())
		sms := &captureAdapter{}
		f.Register(ChannelSMS, sms)

		to := fullRecipient()
		to.Phone = ""
		results := f.Send(ctx, to, Message{Title: "t"}, []Channel{ChannelSMS})
		assert.Empty(t, results)
		assert.Empty(t, sms.delivered)
	})

	t.Run("adapter failures are isolated per channel", func(t *testing.T) {
		f := NewFacade(storage.NewMemSink(), zap.NewNop())
		f.Register(ChannelPush, &captureAdapter{err: errors.New("push down")})
		good := &captureAdapter{}
		f.Register(ChannelEmail, good)

		results := f.Send(ctx, fullRecipient(), Message{Title: "t"},
			[]Channel{ChannelPush, ChannelEmail})
		assert.Error(t, results[ChannelPush])
		assert.NoError(t, results[ChannelEmail])
		assert.Len(t, good.delivered, 1)
	})

	t.Run("every send is recorded with a truncated body", func(t *testing.T) {
		sink := storage.NewMemSink()
		f := NewFacade(sink, zap.NewNop())
		f.Register(ChannelPush, &captureAdapter{})

		long := make([]byte, 300)
		for i := range long {
			long[i] = 'x'
		}
		f.Send(ctx, fullRecipient(), Message{Title: "t", Body: string(long)}, []Channel{ChannelPush})

		records := sink.Records("notification_logs")
		assert.Len(t, records, 1)
		assert.Len(t, records[0]["body"], 100)
		assert.Equal(t, true, records[0]["delivered"])
	})
}

func TestOptimalChannels(t *testing.T) {
	t.Run("normal severity uses push only", func(t *testing.T) {
		assert.Equal(t, []Channel{ChannelPush}, OptimalChannels(fullRecipient(), SeverityNormal))
	})

	t.Run("urgent adds sms", func(t *testing.T) {
		assert.Equal(t, []Channel{ChannelPush, ChannelSMS},
			OptimalChannels(fullRecipient(), SeverityUrgent))
	})

	t.Run("critical adds email", func(t *testing.T) {
		assert.Equal(t, []Channel{ChannelPush, ChannelSMS, ChannelEmail},
			OptimalChannels(fullRecipient(), SeverityCritical))
	})

	t.Run("admins get chat", func(t *testing.T) {
		admin := fullRecipient()
		admin.Role = "admin"
		assert.Contains(t, OptimalChannels(admin, SeverityNormal), ChannelChat)
	})

	t.Run("no addresses means no channels", func(t *testing.T) {
		assert.Empty(t, OptimalChannels(models.Recipient{ID: "u"}, SeverityCritical))
	})
}

func TestNotifyOps(t *testing.T) {
	ctx := context.Background()

	t.Run("reaches the configured operator contact", func(t *testing.T) {
		f := NewFacade(storage.NewMemSink(), zap.NewNop())
		email := &captureAdapter{}
		f.Register(ChannelEmail, email)
		f.SetOpsRecipient(models.Recipient{ID: "ops", Role: "admin", Email: "ops@example.com"})

		err := f.NotifyOps(ctx, "Alert", "details", "critical", []string{"email", "chat"})
		assert.NoError(t, err)
		assert.Len(t, email.delivered, 1)
		assert.Equal(t, SeverityCritical, email.delivered[0].Severity)
	})

	t.Run("returns the failure when no channel succeeds", func(t *testing.T) {
		f := NewFacade(storage.NewMemSink(), zap.NewNop())
		f.Register(ChannelEmail, &captureAdapter{err: errors.New("smtp down")})
		f.SetOpsRecipient(models.Recipient{ID: "ops", Email: "ops@example.com"})

		err := f.NotifyOps(ctx, "Alert", "details", "normal", []string{"email"})
		assert.Error(t, err)
	})
}
