package pushover

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const DefaultBaseURL = "https://api.pushover.net/1"

// Client sends account notifications, such as a required reauthentication,
// through Pushover.
type Client struct {
	token      string
	userKey    string
	baseURL    string
	title      string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewClient(token, userKey string, logger *slog.Logger) *Client {
	return &Client{
		token:      token,
		userKey:    userKey,
		baseURL:    DefaultBaseURL,
		title:      "myLeviton Decora Wifi",
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

// SetBaseURL points the client at another API root.
func (c *Client) SetBaseURL(baseURL string) {
	c.baseURL = strings.TrimSuffix(baseURL, "/")
}

func (c *Client) Notify(ctx context.Context, message string) error {
	if c.token == "" || c.userKey == "" {
		c.logger.Debug("pushover not configured, dropping notification", "message", message)
		return nil
	}

	data := url.Values{}
	data.Set("token", c.token)
	data.Set("user", c.userKey)
	data.Set("message", message)
	data.Set("title", c.title)
	data.Set("priority", "1")

	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		c.baseURL+"/messages.json",
		strings.NewReader(data.Encode()),
	)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("pushover error: %s", resp.Status)
	}

	c.logger.Info("notification sent", "title", c.title)
	return nil
}
