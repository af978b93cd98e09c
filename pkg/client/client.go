// Package client is a small Go client for the assist-server HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/vango-go/vai-assist/pkg/core"
	"github.com/vango-go/vai-assist/pkg/core/types"
)

const defaultTimeout = 30 * time.Second

type Client struct {
	baseURL    string
	httpClient *http.Client
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: newDefaultHTTPClient(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func newDefaultHTTPClient() *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
	}
	return &http.Client{Transport: transport}
}

// TransportError is a failure to reach the server at all, as opposed to an
// API error (*core.Error) returned by it.
type TransportError struct {
	Op  string
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error during %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (c *Client) Register(ctx context.Context, phone, password, name string) (types.Identity, error) {
	var out types.Identity
	body := map[string]string{"phone": phone, "password": password, "name": name}
	err := c.do(ctx, http.MethodPost, "/api/auth/register", body, &out)
	return out, err
}

func (c *Client) Login(ctx context.Context, phone, password string) (types.Identity, error) {
	var out types.Identity
	body := map[string]string{"phone": phone, "password": password}
	err := c.do(ctx, http.MethodPost, "/api/auth/login", body, &out)
	return out, err
}

func (c *Client) GetIdentity(ctx context.Context, id string) (types.Identity, error) {
	var out types.Identity
	err := c.do(ctx, http.MethodGet, "/api/user/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (c *Client) UpdateIdentity(ctx context.Context, rec types.Identity) (types.Identity, error) {
	var out types.Identity
	err := c.do(ctx, http.MethodPost, "/api/user/update", rec, &out)
	return out, err
}

func (c *Client) ListSessions(ctx context.Context, userID string) ([]types.Session, error) {
	var out []types.Session
	err := c.do(ctx, http.MethodGet, "/api/sessions/"+url.PathEscape(userID), nil, &out)
	return out, err
}

func (c *Client) UpsertSession(ctx context.Context, rec types.Session) (types.Session, error) {
	var out types.Session
	err := c.do(ctx, http.MethodPost, "/api/sessions", rec, &out)
	return out, err
}

func (c *Client) DeleteSession(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/sessions/"+url.PathEscape(id), nil, nil)
}

func (c *Client) Health(ctx context.Context) (map[string]string, error) {
	var out map[string]string
	err := c.do(ctx, http.MethodGet, "/api/health", nil, &out)
	return out, err
}

// ListTasks fetches a user's tasks. Client satisfies tasks.Lister.
func (c *Client) ListTasks(ctx context.Context, userID string) ([]types.Task, error) {
	var out []types.Task
	err := c.do(ctx, http.MethodGet, "/api/tasks/"+url.PathEscape(userID), nil, &out)
	return out, err
}

func (c *Client) AddTask(ctx context.Context, userID, title string) (types.Task, error) {
	var out types.Task
	body := map[string]string{"userId": userID, "title": title}
	err := c.do(ctx, http.MethodPost, "/api/tasks", body, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultTimeout)
		defer cancel()
	}

	endpoint := c.baseURL + path
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Op: method, URL: endpoint, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return &TransportError{Op: method, URL: endpoint, Err: err}
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return decodeError(resp, respBody)
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func decodeError(resp *http.Response, body []byte) error {
	requestID := strings.TrimSpace(resp.Header.Get("X-Request-ID"))

	var env struct {
		Error *core.Error `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err == nil && env.Error != nil {
		if env.Error.RequestID == "" {
			env.Error.RequestID = requestID
		}
		if env.Error.Type == "" {
			env.Error.Type = inferErrorType(resp.StatusCode)
		}
		if env.Error.Message == "" {
			env.Error.Message = http.StatusText(resp.StatusCode)
		}
		if env.Error.RetryAfter == nil {
			if n, err := strconv.Atoi(strings.TrimSpace(resp.Header.Get("Retry-After"))); err == nil {
				env.Error.RetryAfter = &n
			}
		}
		return env.Error
	}
	return &core.Error{
		Type:      inferErrorType(resp.StatusCode),
		Message:   fmt.Sprintf("request failed with status %d", resp.StatusCode),
		RequestID: requestID,
	}
}

func inferErrorType(status int) core.ErrorType {
	switch status {
	case http.StatusBadRequest:
		return core.ErrInvalidRequest
	case http.StatusUnauthorized:
		return core.ErrAuthentication
	case http.StatusForbidden:
		return core.ErrPermission
	case http.StatusNotFound:
		return core.ErrNotFound
	case http.StatusConflict:
		return core.ErrConflict
	case http.StatusTooManyRequests:
		return core.ErrRateLimit
	case http.StatusServiceUnavailable:
		return core.ErrUnavailable
	default:
		return core.ErrAPI
	}
}
