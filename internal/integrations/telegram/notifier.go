package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"ordinal-bus/internal/domain"
)

const defaultBaseURL = "https://api.telegram.org"

// sendMessageRequest is the minimal request shape for the Bot API sendMessage method.
type sendMessageRequest struct {
	ChatID              string `json:"chat_id"`
	Text                string `json:"text"`
	DisableNotification bool   `json:"disable_notification,omitempty"`
}

// apiResponse is the envelope every Bot API method returns.
type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// TokenSource yields the bot token. *paramstore.Secret and paramstore.Static
// satisfy it.
type TokenSource interface {
	Value(ctx context.Context) (string, error)
}

// HTTPStatusError captures non-2xx upstream responses. URL never contains the token.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("telegram: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Notifier posts a message to a chat whenever an oracle call is issued.
type Notifier struct {
	baseURL    string
	httpClient *http.Client
	token      TokenSource
	chatID     string
}

type Option func(*Notifier)

func WithBaseURL(baseURL string) Option {
	return func(n *Notifier) {
		n.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(n *Notifier) {
		n.httpClient = httpClient
	}
}

func New(token TokenSource, chatID string, opts ...Option) (*Notifier, error) {
	if token == nil {
		return nil, errors.New("telegram: token source must not be nil")
	}
	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		return nil, errors.New("telegram: chat id must not be empty")
	}
	n := &Notifier{
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		token:      token,
		chatID:     chatID,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

func (n *Notifier) resolvedHTTPClient() *http.Client {
	if n.httpClient != nil {
		return n.httpClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}

func sendMessageURL(baseURL, token string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	return base + "/bot" + token + "/sendMessage"
}

// Notify sends a summary of req. Low urgency requests are delivered silently.
func (n *Notifier) Notify(ctx context.Context, req domain.Request) error {
	token, err := n.token.Value(ctx)
	if err != nil {
		return fmt.Errorf("telegram: resolve token: %w", err)
	}

	body, err := json.Marshal(sendMessageRequest{
		ChatID:              n.chatID,
		Text:                formatMessage(req),
		DisableNotification: req.Urgency == domain.UrgencyLow,
	})
	if err != nil {
		return fmt.Errorf("telegram: marshal request: %w", err)
	}

	url := sendMessageURL(n.baseURL, token)
	redacted := sendMessageURL(n.baseURL, "<redacted>")

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := n.resolvedHTTPClient().Do(httpReq)
	if err != nil {
		// The transport error embeds the URL, which carries the token.
		return fmt.Errorf("telegram: request to %s failed: %s", redacted, strings.ReplaceAll(err.Error(), token, "<redacted>"))
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return &HTTPStatusError{StatusCode: res.StatusCode, URL: redacted, Body: string(buf)}
	}

	var payload apiResponse
	if err := json.NewDecoder(io.LimitReader(res.Body, 1<<20)).Decode(&payload); err != nil {
		return fmt.Errorf("telegram: decode response: %w", err)
	}
	if !payload.OK {
		return fmt.Errorf("telegram: sendMessage rejected: %s", payload.Description)
	}
	return nil
}

func formatMessage(req domain.Request) string {
	urgency := req.Urgency
	if urgency == "" {
		urgency = domain.UrgencyNormal
	}
	lines := []string{
		fmt.Sprintf("Oracle call [%s]", strings.ToUpper(string(urgency))),
		"",
		req.Question,
	}
	if c := strings.TrimSpace(req.Context); c != "" {
		lines = append(lines, "", "Context: "+c)
	}
	if deadline, ok := req.Deadline(); ok {
		lines = append(lines, "", "Expires: "+deadline.UTC().Format(time.RFC3339))
	}
	lines = append(lines, "", fmt.Sprintf("Reply: ordinal-bus respond %s \"<answer>\"", req.ID))
	return strings.Join(lines, "\n")
}
