package notification

import (
	"context"
	"log/slog"
)

// Sender delivers one message to one recipient. A nil error means the
// channel accepted it. Failures wrap model.ErrDeliveryTransient (retry) or
// model.ErrDeliveryPermanent (the recipient cannot be reached).
type Sender interface {
	Send(ctx context.Context, recipient int64, text, actionRef string) error
}

// LogSender writes messages to the log instead of a chat channel.
type LogSender struct {
	log *slog.Logger
}

// NewLogSender creates a sender for dry runs and development.
func NewLogSender(log *slog.Logger) *LogSender {
	return &LogSender{log: log.With("component", "log_sender")}
}

func (s *LogSender) Send(_ context.Context, recipient int64, text, actionRef string) error {
	s.log.Info("notification", "recipient", recipient, "action", actionRef, "text", text)
	return nil
}
