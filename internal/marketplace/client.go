// Package marketplace talks to the marketplace REST API: conversation
// history and order records.
package marketplace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/beantrade/syncgw/internal/chat"
	"github.com/beantrade/syncgw/internal/order"
)

var ErrNotFound = errors.New("marketplace: not found")

// APIError is any non-2xx answer other than 404.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("marketplace: status %d: %s", e.StatusCode, e.Message)
}

type Client struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		Client:  &http.Client{Timeout: 20 * time.Second},
	}
}

// FetchHistory implements chat.HistoryFetcher.
func (c *Client) FetchHistory(ctx context.Context, viewerID string, key chat.Key) ([]chat.HistoryEntry, error) {
	q := url.Values{}
	if key.ListingID != "" {
		q.Set("listing_id", key.ListingID)
	}
	path := "/chats/" + url.PathEscape(key.CounterpartID) + "/messages"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var entries []chat.HistoryEntry
	if err := c.get(ctx, viewerID, path, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// Order implements order.DataSource.
func (c *Client) Order(ctx context.Context, viewerID, orderID string) (*order.Record, error) {
	var rec order.Record
	if err := c.get(ctx, viewerID, "/orders/"+url.PathEscape(orderID), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (c *Client) get(ctx context.Context, viewerID, path string, out any) error {
	if c.Client == nil {
		return errors.New("marketplace: http client is nil")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	if viewerID != "" {
		req.Header.Set("X-Acting-User", viewerID)
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("marketplace: decode %s: %w", path, err)
	}
	return nil
}
