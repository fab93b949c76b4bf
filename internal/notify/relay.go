package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/ab000641/air-quality-monitor/internal/protocol"
)

// MessageSource is a committing queue reader.
type MessageSource interface {
	Consume(ctx context.Context) (kafka.Message, error)
	Commit(ctx context.Context, msg kafka.Message) error
}

const (
	initialBackoff = 200 * time.Millisecond
	maxBackoff     = 5 * time.Second
	sendAttempts   = 3
)

// Relay drains queued notifications and delivers them through a transport.
// A message is committed once it is delivered, undeliverable or malformed.
type Relay struct {
	source    MessageSource
	transport Transport
	logger    *slog.Logger

	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewRelay creates a relay from source to transport.
func NewRelay(source MessageSource, transport Transport, logger *slog.Logger) *Relay {
	return &Relay{
		source:         source,
		transport:      transport,
		logger:         logger.With("component", "relay"),
		initialBackoff: initialBackoff,
		maxBackoff:     maxBackoff,
	}
}

// Run consumes until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	backoff := r.initialBackoff
	for {
		msg, err := r.source.Consume(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.logger.Error("failed to consume notification", "error", err, "retry_in", backoff)
			if !sleepWithContext(ctx, backoff) {
				return nil
			}
			backoff = nextBackoff(backoff, r.maxBackoff)
			continue
		}
		backoff = r.initialBackoff

		r.handle(ctx, msg)
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (r *Relay) handle(ctx context.Context, msg kafka.Message) {
	n, err := protocol.DecodeNotification(msg.Value)
	if err != nil {
		r.logger.Error("dropping malformed notification", "offset", msg.Offset, "error", err)
		r.commit(ctx, msg)
		return
	}

	logger := r.logger.With("id", n.ID, "recipient", n.RecipientID, "kind", n.Kind)
	if err := r.deliver(ctx, n); err != nil {
		if ctx.Err() != nil {
			// Left uncommitted; redelivered after restart.
			return
		}
		if errors.Is(err, ErrRecipientUnreachable) {
			logger.Warn("recipient unreachable, dropping notification", "error", err)
		} else {
			logger.Error("giving up on notification", "attempts", sendAttempts, "error", err)
		}
		r.commit(ctx, msg)
		return
	}

	logger.Info("notification delivered", "queued_for", time.Since(n.CreatedAt).Round(time.Millisecond))
	r.commit(ctx, msg)
}

func (r *Relay) deliver(ctx context.Context, n *protocol.Notification) error {
	backoff := r.initialBackoff
	var err error
	for attempt := 1; attempt <= sendAttempts; attempt++ {
		err = r.transport.Send(ctx, n.RecipientID, n.Text)
		if err == nil || errors.Is(err, ErrRecipientUnreachable) {
			return err
		}
		if attempt == sendAttempts {
			break
		}
		r.logger.Warn("notification send failed, retrying", "id", n.ID, "attempt", attempt, "error", err)
		if !sleepWithContext(ctx, backoff) {
			return ctx.Err()
		}
		backoff = nextBackoff(backoff, r.maxBackoff)
	}
	return err
}

func (r *Relay) commit(ctx context.Context, msg kafka.Message) {
	if err := r.source.Commit(ctx, msg); err != nil {
		r.logger.Error("failed to commit notification offset", "offset", msg.Offset, "error", err)
	}
}

func nextBackoff(current, limit time.Duration) time.Duration {
	next := current * 2
	if next > limit {
		return limit
	}
	return next
}

// sleepWithContext waits for d and reports false if ctx ended first.
func sleepWithContext(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
