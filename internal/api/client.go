// Package api is the HTTP client of the relay's history and send routes.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/omochice/huddle/pkg/protocol"
)

// UserHeader carries the caller's user id.
const UserHeader = "X-User-ID"

// StatusError is a non-2xx response.
type StatusError struct {
	Method string
	URL    string
	Status int
	Msg    string
}

func (e *StatusError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("%s %s: %d %s", e.Method, e.URL, e.Status, e.Msg)
	}
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.URL, e.Status, http.StatusText(e.Status))
}

// Channel is a channel as the relay returns it.
type Channel struct {
	ID       string `json:"id"`
	ServerID string `json:"server_id"`
	Name     string `json:"name"`
	Type     string `json:"type"`
}

// DM is a direct message thread as the relay returns it.
type DM struct {
	ID    string `json:"id"`
	UserA string `json:"user1_id"`
	UserB string `json:"user2_id"`
}

// Other returns the participant that is not userID.
func (d DM) Other(userID string) string {
	if d.UserA == userID {
		return d.UserB
	}
	return d.UserA
}

// Client talks to one relay on behalf of one user.
type Client struct {
	BaseURL string
	UserID  string
	// Limit caps fetched history pages. Zero leaves it to the relay.
	Limit int
	HTTP  *http.Client
}

// NewClient creates a client for baseURL, e.g. "http://localhost:8080".
func NewClient(baseURL, userID string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		UserID:  userID,
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Fetch returns the most recent page of conv, newest first.
func (c *Client) Fetch(ctx context.Context, conv protocol.Conversation) ([]protocol.Message, error) {
	u := c.messagesURL(conv)
	if c.Limit > 0 {
		u += "?limit=" + strconv.Itoa(c.Limit)
	}
	var msgs []protocol.Message
	if err := c.do(ctx, http.MethodGet, u, nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// Send posts content to conv and returns the stored message.
func (c *Client) Send(ctx context.Context, conv protocol.Conversation, content string) (protocol.Message, error) {
	var msg protocol.Message
	body := map[string]string{"content": content}
	if err := c.do(ctx, http.MethodPost, c.messagesURL(conv), body, &msg); err != nil {
		return protocol.Message{}, err
	}
	return msg, nil
}

// CreateChannel creates a channel of typ ("text" or "voice").
func (c *Client) CreateChannel(ctx context.Context, serverID, name, typ string) (Channel, error) {
	var ch Channel
	body := map[string]string{"server_id": serverID, "name": name, "type": typ}
	err := c.do(ctx, http.MethodPost, c.BaseURL+"/api/channels", body, &ch)
	return ch, err
}

// OpenDM returns the thread between the caller and other, creating it if needed.
func (c *Client) OpenDM(ctx context.Context, other string) (DM, error) {
	var dm DM
	err := c.do(ctx, http.MethodPost, c.BaseURL+"/api/dms", map[string]string{"other_user_id": other}, &dm)
	return dm, err
}

func (c *Client) messagesURL(conv protocol.Conversation) string {
	kind := "channels"
	if conv.Kind == protocol.ConversationDM {
		kind = "dms"
	}
	return c.BaseURL + "/api/" + kind + "/" + url.PathEscape(conv.ID) + "/messages"
}

func (c *Client) do(ctx context.Context, method, u string, body, out any) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		return err
	}
	req.Header.Set(UserHeader, c.UserID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode/100 != 2 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return &StatusError{Method: method, URL: u, Status: resp.StatusCode, Msg: e.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, u, err)
	}
	return nil
}

// IsStatus reports whether err is a StatusError with the given status.
func IsStatus(err error, status int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Status == status
}
