package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/comigor/convo-go/internal/config"
	"github.com/comigor/convo-go/internal/logger"
	"github.com/comigor/convo-go/internal/message"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrServer       = errors.New("server error")
)

const unknownErrorMessage = "an unknown error occurred"

// Client is a client for the course backend's messaging endpoints
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewClient creates a new Client
func NewClient(cfg config.APIConfig) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		client:  &http.Client{Timeout: cfg.Timeout},
	}
}

// GetMessages fetches one page of the conversation between sender and recipient.
func (c *Client) GetMessages(ctx context.Context, sender, recipient string, page, size int) (message.Page[message.Record], error) {
	var out message.Page[message.Record]
	path := fmt.Sprintf("/messages/%s/%s", url.PathEscape(sender), url.PathEscape(recipient))
	err := c.get(ctx, path, pageQuery(page, size), &out)
	return out, err
}

// GetRecentChats fetches one page of the caller's recent conversations.
func (c *Client) GetRecentChats(ctx context.Context, page, size int) (message.Page[message.RecentChat], error) {
	var out message.Page[message.RecentChat]
	err := c.get(ctx, "/messages/recent-chats", pageQuery(page, size), &out)
	return out, err
}

func pageQuery(page, size int) url.Values {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("size", strconv.Itoa(size))
	return q
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.token))
	}

	resp, err := c.client.Do(req)
	if err != nil {
		logger.L.Error("request failed", "path", path, "error", err)
		return fmt.Errorf("get %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(path, resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// statusError maps a non-200 response to an error carrying the backend's message.
func statusError(path string, resp *http.Response) error {
	var sentinel error
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		logger.L.Error("unauthorized access, token may be invalid", "path", path)
		sentinel = ErrUnauthorized
	case resp.StatusCode == http.StatusForbidden:
		logger.L.Error("forbidden, missing permission for resource", "path", path)
		sentinel = ErrForbidden
	case resp.StatusCode >= http.StatusInternalServerError:
		logger.L.Error("server error", "path", path, "status", resp.StatusCode)
		sentinel = ErrServer
	}

	msg := unknownErrorMessage
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var payload struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Message != "" {
		msg = payload.Message
	}

	if sentinel != nil {
		return fmt.Errorf("get %s: %s: %w", path, msg, sentinel)
	}
	return fmt.Errorf("get %s: unexpected status code %d: %s", path, resp.StatusCode, msg)
}
