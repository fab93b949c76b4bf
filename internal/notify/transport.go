package notify

import (
	"context"
	"errors"
	"log/slog"
)

// ErrRecipientUnreachable reports that the channel refused the recipient,
// typically because they blocked or never followed the account. Callers
// should treat the recipient as inactive.
var ErrRecipientUnreachable = errors.New("recipient unreachable")

// Transport delivers a text message to a recipient.
type Transport interface {
	Send(ctx context.Context, recipientID, text string) error
}

// LogTransport writes messages to the log instead of sending them. Used when
// no push channel is configured.
type LogTransport struct {
	logger *slog.Logger
}

// NewLogTransport creates a transport that only logs.
func NewLogTransport(logger *slog.Logger) *LogTransport {
	return &LogTransport{logger: logger.With("component", "transport", "transport", "log")}
}

// Send logs the message and always succeeds.
func (t *LogTransport) Send(_ context.Context, recipientID, text string) error {
	t.logger.Info("push not configured, skipping delivery", "recipient", recipientID, "text", text)
	return nil
}
