// Package notify pushes trade and lifecycle messages to Telegram.
package notify

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	sendSpacing     = time.Second
	queueSize       = 64
	telegramAPIBase = "https://api.telegram.org"
)

// Notifier queues messages and delivers them one per second so a burst
// of fills never trips Telegram's rate limit. A notifier without a token
// accepts and discards messages.
type Notifier struct {
	baseURL    string
	token      string
	chatID     string
	httpClient *http.Client
	logger     *log.Logger
	queue      chan string
}

// NewNotifier creates a notifier. Empty token or chatID disables
// delivery without disabling the API surface.
func NewNotifier(baseURL, token, chatID string, logger *log.Logger) *Notifier {
	if logger == nil {
		logger = log.Default()
	}
	if baseURL == "" {
		baseURL = telegramAPIBase
	}
	return &Notifier{
		baseURL:    baseURL,
		token:      token,
		chatID:     chatID,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
		queue:      make(chan string, queueSize),
	}
}

// Enabled reports whether messages will actually be sent.
func (n *Notifier) Enabled() bool {
	return n.token != "" && n.chatID != ""
}

// Send enqueues a message. A full queue drops the message rather than
// blocking the trading loop.
func (n *Notifier) Send(text string) {
	if !n.Enabled() {
		return
	}
	select {
	case n.queue <- text:
	default:
		n.logger.Printf("warning: telegram queue full, dropping message")
	}
}

// Sendf enqueues a formatted message.
func (n *Notifier) Sendf(format string, args ...any) {
	n.Send(fmt.Sprintf(format, args...))
}

// Run delivers queued messages until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case text := <-n.queue:
			if err := n.deliver(ctx, text); err != nil {
				n.logger.Printf("warning: telegram delivery failed: %v", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(sendSpacing):
			}
		}
	}
}

func (n *Notifier) deliver(ctx context.Context, text string) error {
	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.token)
	form := url.Values{}
	form.Set("chat_id", n.chatID)
	form.Set("text", text)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telegram request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 300))
		return fmt.Errorf("telegram returned %d: %s", resp.StatusCode, string(raw))
	}
	return nil
}
