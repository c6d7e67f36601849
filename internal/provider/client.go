// Package provider implements the client for the third-party messaging API:
// a message-send call and a paginated message-list call used by
// reconciliation.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ignite/sms-relay/internal/pkg/httpretry"
	"github.com/ignite/sms-relay/internal/pkg/logger"
)

// Client talks to the messaging provider's REST API.
type Client struct {
	apiKey  string
	baseURL string
	http    httpretry.HTTPDoer
}

// NewClient creates a provider client. Requests are retried on 429/5xx with
// exponential backoff up to maxRetries.
func NewClient(apiKey, baseURL string, timeout time.Duration, maxRetries int) *Client {
	if baseURL == "" {
		baseURL = "https://api.openphone.com/v1"
	}
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		apiKey:  apiKey,
		baseURL: baseURL,
		http:    httpretry.NewRetryClient(&http.Client{Timeout: timeout}, maxRetries),
	}
}

// Send delivers a single message through the provider.
func (c *Client) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("provider API key not configured")
	}

	payload := map[string]any{
		"to":      []string{req.To},
		"from":    req.From,
		"content": req.Body,
	}
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(jsonData))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(jsonData)), nil
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var result struct {
		Data struct {
			ID        string    `json:"id"`
			CreatedAt time.Time `json:"createdAt"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode send response: %w", err)
	}

	log.Printf("[Provider] Sent to %s (id: %s)", logger.RedactPhone(req.To), result.Data.ID)

	acceptedAt := result.Data.CreatedAt
	if acceptedAt.IsZero() {
		acceptedAt = time.Now()
	}
	return &SendResult{MessageID: result.Data.ID, AcceptedAt: acceptedAt}, nil
}

// ListMessages returns one page of the provider's message list for the given
// time range. Pass the returned NextCursor to fetch the next page; an empty
// cursor means the listing is complete.
func (c *Client) ListMessages(ctx context.Context, start, end time.Time, cursor string, limit int) (*MessagePage, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("provider API key not configured")
	}
	if limit <= 0 {
		limit = 100
	}

	q := url.Values{}
	q.Set("createdAfter", start.UTC().Format(time.RFC3339))
	q.Set("createdBefore", end.UTC().Format(time.RFC3339))
	q.Set("maxResults", strconv.Itoa(limit))
	if cursor != "" {
		q.Set("pageToken", cursor)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/messages?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var result struct {
		Data []struct {
			ID             string    `json:"id"`
			ConversationID string    `json:"conversationId"`
			To             []string  `json:"to"`
			From           string    `json:"from"`
			Direction      string    `json:"direction"`
			Status         string    `json:"status"`
			CreatedAt      time.Time `json:"createdAt"`
		} `json:"data"`
		NextPageToken string `json:"nextPageToken"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode list response: %w", err)
	}

	page := &MessagePage{NextCursor: result.NextPageToken}
	for _, m := range result.Data {
		to := ""
		if len(m.To) > 0 {
			to = m.To[0]
		}
		page.Messages = append(page.Messages, Message{
			ID:             m.ID,
			ConversationID: m.ConversationID,
			To:             to,
			From:           m.From,
			Direction:      m.Direction,
			Status:         m.Status,
			CreatedAt:      m.CreatedAt,
		})
	}
	return page, nil
}
