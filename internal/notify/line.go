package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// LineTransport pushes text messages through the LINE Messaging API.
type LineTransport struct {
	token      string
	pushURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewLineTransport creates a LINE push transport. Sends are limited to
// perSecond messages per second and each request is bounded by timeout.
func NewLineTransport(token, pushURL string, timeout time.Duration, perSecond float64, logger *slog.Logger) *LineTransport {
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	return &LineTransport{
		token:   token,
		pushURL: pushURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
		logger:  logger.With("component", "transport", "transport", "line"),
	}
}

type pushRequest struct {
	To       string        `json:"to"`
	Messages []textMessage `json:"messages"`
}

type textMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Send pushes text to the recipient. A 403 or 404 from the API is reported
// as ErrRecipientUnreachable.
func (t *LineTransport) Send(ctx context.Context, recipientID, text string) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	body, err := json.Marshal(pushRequest{
		To:       recipientID,
		Messages: []textMessage{{Type: "text", Text: text}},
	})
	if err != nil {
		return fmt.Errorf("marshal push request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.pushURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.token)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("push request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		t.logger.Debug("push delivered", "recipient", recipientID)
		return nil
	}

	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	switch resp.StatusCode {
	case http.StatusForbidden, http.StatusNotFound:
		return fmt.Errorf("%w: status %d: %s", ErrRecipientUnreachable, resp.StatusCode, bytes.TrimSpace(detail))
	default:
		return fmt.Errorf("LINE API error: status %d: %s", resp.StatusCode, bytes.TrimSpace(detail))
	}
}
