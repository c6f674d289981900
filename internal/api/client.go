// Package api is a thin HTTP client for the marketplace REST collaborators:
// login, refresh, profile, and the notification list and mutations.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// maxBodyBytes bounds how much of a response body is read.
const maxBodyBytes = 4 << 20

// Client talks to the REST API. It handles Bearer authentication, JSON
// (de)serialization, envelope interpretation, and retry with exponential
// backoff on HTTP 429.
type Client struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithMaxRetries sets how many times a rate-limited request is retried.
func WithMaxRetries(n int) Option {
	return func(c *Client) { c.maxRetries = n }
}

// NewClient creates a client for the API rooted at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		maxRetries: 3,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Login exchanges an identity and secret for token material.
func (c *Client) Login(ctx context.Context, identity, secret string) (*AuthPayload, error) {
	const op = "api.Login"
	body, status, err := c.do(ctx, op, http.MethodPost, "/auth/login", "", LoginRequest{
		Identity: identity,
		Secret:   secret,
	})
	if err != nil {
		return nil, err
	}
	return decodeAuth(op, body, status)
}

// Refresh exchanges a refresh token for new token material.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*AuthPayload, error) {
	const op = "api.Refresh"
	body, status, err := c.do(ctx, op, http.MethodPost, "/auth/refresh-token", "", RefreshRequest{
		RefreshToken: refreshToken,
	})
	if err != nil {
		return nil, err
	}
	return decodeAuth(op, body, status)
}

// Profile returns the account behind token.
func (c *Client) Profile(ctx context.Context, token string) (*User, error) {
	const op = "api.Profile"
	body, status, err := c.do(ctx, op, http.MethodGet, "/users/profile", token, nil)
	if err != nil {
		return nil, err
	}

	env, err := decodeEnvelope(op, body, status)
	if err != nil {
		return nil, err
	}

	for _, raw := range []json.RawMessage{env.Data, body} {
		if u := userFrom(raw); u != nil {
			return u, nil
		}
	}
	return nil, shapeError(op, fmt.Errorf("no user id in profile response"))
}

// ListNotifications fetches one page of notifications for receiverID. The
// payload is returned as decoded JSON because its nesting is not fixed.
func (c *Client) ListNotifications(
	ctx context.Context,
	token string,
	receiverID string,
	page int,
	limit int,
) (any, error) {
	const op = "api.ListNotifications"
	params := url.Values{}
	params.Set("receiverId", receiverID)
	params.Set("page", strconv.Itoa(page))
	params.Set("limit", strconv.Itoa(limit))

	body, status, err := c.do(ctx, op, http.MethodGet, "/notifications?"+params.Encode(), token, nil)
	if err != nil {
		return nil, err
	}
	if _, err := decodeEnvelope(op, body, status); err != nil {
		return nil, err
	}

	var payload any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, shapeError(op, err)
	}
	return payload, nil
}

// MarkAsRead marks a single notification as read.
func (c *Client) MarkAsRead(ctx context.Context, token, id string) error {
	const op = "api.MarkAsRead"
	return c.mutate(ctx, op, http.MethodPatch, "/notifications/"+url.PathEscape(id)+"/read", token)
}

// DeleteNotification deletes a single notification.
func (c *Client) DeleteNotification(ctx context.Context, token, id string) error {
	const op = "api.DeleteNotification"
	return c.mutate(ctx, op, http.MethodDelete, "/notifications/"+url.PathEscape(id), token)
}

// DeleteAllNotifications deletes every notification of receiverID.
func (c *Client) DeleteAllNotifications(ctx context.Context, token, receiverID string) error {
	const op = "api.DeleteAllNotifications"
	params := url.Values{}
	params.Set("receiverId", receiverID)
	return c.mutate(ctx, op, http.MethodDelete, "/notifications?"+params.Encode(), token)
}

func (c *Client) mutate(ctx context.Context, op, method, path, token string) error {
	body, status, err := c.do(ctx, op, method, path, token, nil)
	if err != nil {
		return err
	}
	_, err = decodeEnvelope(op, body, status)
	return err
}

// do builds the request, handles auth, rate limiting with exponential
// backoff, and HTTP-level failures. It returns the raw body of any
// response below 400.
func (c *Client) do(
	ctx context.Context,
	op string,
	method string,
	path string,
	token string,
	body any,
) ([]byte, int, error) {
	var payload []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("%s: marshaling request body: %w", op, err)
		}
		payload = data
	}

	var lastStatus int
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		var bodyReader io.Reader
		if payload != nil {
			bodyReader = bytes.NewReader(payload)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
		if err != nil {
			return nil, 0, fmt.Errorf("%s: creating request: %w", op, err)
		}

		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Request-ID", uuid.NewString())
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, 0, transportError(op, err)
		}

		respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		resp.Body.Close() //nolint:errcheck // best-effort close
		if readErr != nil {
			return nil, resp.StatusCode, transportError(op, readErr)
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			lastStatus = resp.StatusCode
			select {
			case <-ctx.Done():
				return nil, resp.StatusCode, transportError(op, ctx.Err())
			case <-time.After(retryAfterDuration(resp, attempt)):
				continue
			}
		}

		if resp.StatusCode >= 400 {
			return nil, resp.StatusCode, statusError(op, resp.StatusCode, respBody)
		}

		return respBody, resp.StatusCode, nil
	}

	return nil, lastStatus, &Error{
		Kind:    KindServer,
		Op:      op,
		Status:  lastStatus,
		Message: fmt.Sprintf("rate limited, max retries (%d) exceeded", c.maxRetries),
	}
}

// statusError maps an HTTP failure to an *Error, preferring the server's
// own message.
func statusError(op string, status int, body []byte) *Error {
	msg := http.StatusText(status)
	var env envelope
	if json.Unmarshal(body, &env) == nil {
		if m := env.message(); m != "" {
			msg = m
		}
	}

	kind := KindServer
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		kind = KindAuth
	case http.StatusBadRequest, http.StatusNotFound:
		if op == "api.Login" || op == "api.Refresh" {
			kind = KindAuth
		}
	}
	return &Error{Kind: kind, Op: op, Status: status, Message: msg}
}

// decodeEnvelope parses the wrapper and rejects explicit failures. A body
// that is not an object (a bare array, for instance) is accepted as-is.
func decodeEnvelope(op string, body []byte, status int) (envelope, error) {
	var env envelope
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return env, nil
	}
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return env, shapeError(op, err)
	}
	if !env.succeeded(status) {
		kind := KindServer
		if op == "api.Login" || op == "api.Refresh" {
			kind = KindAuth
		}
		msg := env.message()
		if msg == "" {
			msg = "request was not successful"
		}
		return env, &Error{Kind: kind, Op: op, Status: status, Message: msg}
	}
	return env, nil
}

// decodeAuth extracts token material from either the data field or the
// top level of the body.
func decodeAuth(op string, body []byte, status int) (*AuthPayload, error) {
	env, err := decodeEnvelope(op, body, status)
	if err != nil {
		return nil, err
	}

	for _, raw := range []json.RawMessage{env.Data, body} {
		if len(raw) == 0 {
			continue
		}
		var f authFields
		if json.Unmarshal(raw, &f) != nil {
			continue
		}
		if p := f.payload(); p.AccessToken != "" {
			return &p, nil
		}
	}
	return nil, shapeError(op, fmt.Errorf("no access token in response"))
}

// userFrom reads a user either directly or from a nested "user" field.
func userFrom(raw json.RawMessage) *User {
	if len(raw) == 0 {
		return nil
	}
	var wrapped struct {
		User *User `json:"user"`
	}
	if json.Unmarshal(raw, &wrapped) == nil && wrapped.User != nil && wrapped.User.ID != "" {
		return wrapped.User
	}
	var u User
	if json.Unmarshal(raw, &u) == nil && u.ID != "" {
		return &u
	}
	return nil
}

// retryAfterDuration reads the Retry-After header and computes a wait
// duration. Falls back to exponential backoff if the header is missing.
func retryAfterDuration(resp *http.Response, attempt int) time.Duration {
	if header := resp.Header.Get("Retry-After"); header != "" {
		if seconds, err := strconv.Atoi(header); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}

	// Exponential backoff: 1s, 2s, 4s, ...
	backoff := time.Duration(1<<uint(attempt)) * time.Second
	if backoff > 30*time.Second {
		backoff = 30 * time.Second
	}
	return backoff
}
