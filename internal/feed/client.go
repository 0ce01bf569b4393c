package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	logx "dropbot/pkg/logx"
)

const defaultTimeout = 15 * time.Second

type Config struct {
	URL     string
	Timeout time.Duration
}

// Client fetches the current snapshot of active drop campaigns.
type Client struct {
	url  string
	http *http.Client
	log  logx.Logger
}

func NewClient(cfg Config, log logx.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		url:  strings.TrimSpace(cfg.URL),
		http: &http.Client{Timeout: timeout},
		log:  log,
	}
}

// FetchSnapshot returns the current feed snapshot. It never fails: a feed
// outage degrades to "nothing new this cycle", so any transport, HTTP-status,
// or decode failure is logged and mapped to an empty snapshot.
func (c *Client) FetchSnapshot(ctx context.Context) []Drop {
	drops, err := c.fetch(ctx)
	if err != nil {
		c.log.Warn("feed fetch failed; treating as empty snapshot", logx.Err(err))
		return nil
	}
	return drops
}

func (c *Client) fetch(ctx context.Context) ([]Drop, error) {
	if c.url == "" {
		return nil, fmt.Errorf("feed url is empty")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	var drops []Drop
	if err := json.NewDecoder(resp.Body).Decode(&drops); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return drops, nil
}
