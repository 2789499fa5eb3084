package notifier

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

const defaultTelegramAPIBase = "https://api.telegram.org"

// TelegramNotifier sends messages to a Telegram chat via the bot API.
type TelegramNotifier struct {
	apiBase    string
	botToken   string
	chatID     string
	httpClient *http.Client

	maxRetries int
	retryDelay time.Duration
}

type TelegramOption func(*TelegramNotifier)

// WithAPIBase overrides the Telegram endpoint, used in tests.
func WithAPIBase(base string) TelegramOption {
	return func(n *TelegramNotifier) { n.apiBase = base }
}

func WithRetryPolicy(maxRetries int, delay time.Duration) TelegramOption {
	return func(n *TelegramNotifier) {
		n.maxRetries = maxRetries
		n.retryDelay = delay
	}
}

func NewTelegramNotifier(botToken, chatID string, opts ...TelegramOption) *TelegramNotifier {
	n := &TelegramNotifier{
		apiBase:    defaultTelegramAPIBase,
		botToken:   botToken,
		chatID:     chatID,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		maxRetries: 3,
		retryDelay: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

func (n *TelegramNotifier) Send(ctx context.Context, message string) error {
	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", n.apiBase, n.botToken)
	form := url.Values{
		"chat_id": {n.chatID},
		"text":    {message},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("telegram api returned %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

func (n *TelegramNotifier) SendWithRetry(ctx context.Context, message string) error {
	var lastErr error
	for attempt := 0; attempt <= n.maxRetries; attempt++ {
		if attempt > 0 {
			log.Printf("Notifier | retrying telegram delivery (attempt %d/%d)", attempt, n.maxRetries)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(n.retryDelay):
			}
		}
		if err := n.Send(ctx, message); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("telegram delivery failed after %d retries: %w", n.maxRetries, lastErr)
}
