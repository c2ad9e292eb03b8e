// Package matchclient talks to matchd: the REST surface over fasthttp and the
// live channel over websocket.
package matchclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/park285/indichess-match/internal/domain"
	"github.com/valyala/fasthttp"
)

const DefaultIdentityHeader = "X-User-Email"

// HeaderProvider supplies per-request headers such as the caller identity.
type HeaderProvider func() map[string]string

// IdentityHeaders is a HeaderProvider sending a fixed identity.
func IdentityHeaders(header, identity string) HeaderProvider {
	if header == "" {
		header = DefaultIdentityHeader
	}
	return func() map[string]string { return map[string]string{header: identity} }
}

// APIError is a non-2xx answer from matchd.
type APIError struct {
	Status    int    `json:"-"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("matchd: status=%d %s", e.Status, e.Message)
	}
	return fmt.Sprintf("matchd: status=%d %s: %s", e.Status, e.Code, e.Message)
}

func IsStatus(err error, status int) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Status == status
}

type Client struct {
	baseURL string
	http    *fasthttp.Client
	headers HeaderProvider

	defaultTimeout time.Duration
	retryMax       int
}

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.defaultTimeout = d }
}

func WithHeaderProvider(h HeaderProvider) Option {
	return func(c *Client) { c.headers = h }
}

func WithRetry(max int) Option {
	return func(c *Client) { c.retryMax = max }
}

// WithDial replaces the transport dialer, e.g. with an in-memory listener.
func WithDial(dial func(addr string) (net.Conn, error)) Option {
	return func(c *Client) { c.http.Dial = dial }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		http:           &fasthttp.Client{ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second, MaxConnsPerHost: 64},
		defaultTimeout: 10 * time.Second,
		retryMax:       3,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RequestMatch pairs with a fresh waiting match of gameType or opens a new one.
func (c *Client) RequestMatch(ctx context.Context, gameType string) (*domain.Match, error) {
	path := "/matches/create"
	if gameType != "" {
		path += "?gameType=" + url.QueryEscape(gameType)
	}
	var m domain.Match
	if err := c.doJSON(ctx, fasthttp.MethodPost, path, &m, false); err != nil {
		return nil, err
	}
	return &m, nil
}

func (c *Client) JoinMatch(ctx context.Context, matchID string) (*domain.Match, error) {
	var m domain.Match
	if err := c.doJSON(ctx, fasthttp.MethodPost, "/matches/"+url.PathEscape(matchID)+"/join", &m, false); err != nil {
		return nil, err
	}
	return &m, nil
}

func (c *Client) CancelMatch(ctx context.Context, matchID string) error {
	return c.doJSON(ctx, fasthttp.MethodPost, "/matches/"+url.PathEscape(matchID)+"/cancel", nil, false)
}

func (c *Client) GetMatch(ctx context.Context, matchID string) (*domain.Match, error) {
	var m domain.Match
	if err := c.doJSON(ctx, fasthttp.MethodGet, "/matches/"+url.PathEscape(matchID), &m, true); err != nil {
		return nil, err
	}
	return &m, nil
}

func (c *Client) MyMatches(ctx context.Context) ([]*domain.Match, error) {
	var list []*domain.Match
	if err := c.doJSON(ctx, fasthttp.MethodGet, "/matches/my", &list, true); err != nil {
		return nil, err
	}
	return list, nil
}

func (c *Client) Moves(ctx context.Context, matchID string) ([]*domain.Move, error) {
	var list []*domain.Move
	if err := c.doJSON(ctx, fasthttp.MethodGet, "/games/"+url.PathEscape(matchID)+"/moves", &list, true); err != nil {
		return nil, err
	}
	return list, nil
}

func (c *Client) Chat(ctx context.Context, matchID string) ([]*domain.ChatEntry, error) {
	var list []*domain.ChatEntry
	if err := c.doJSON(ctx, fasthttp.MethodGet, "/games/"+url.PathEscape(matchID)+"/chat", &list, true); err != nil {
		return nil, err
	}
	return list, nil
}

func (c *Client) PGN(ctx context.Context, matchID string) (string, error) {
	var out string
	if err := c.do(ctx, fasthttp.MethodGet, "/games/"+url.PathEscape(matchID)+"/pgn", true, func(body []byte) error {
		out = string(body)
		return nil
	}); err != nil {
		return "", err
	}
	return out, nil
}

func (c *Client) Health(ctx context.Context) error {
	return c.doJSON(ctx, fasthttp.MethodGet, "/healthz", nil, false)
}

func (c *Client) doJSON(ctx context.Context, method, path string, out any, retry bool) error {
	return c.do(ctx, method, path, retry, func(body []byte) error {
		if out == nil || len(body) == 0 {
			return nil
		}
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	})
}

// do sends one request. With retry set, transport failures and gateway style
// 5xx answers are resent after a pause; only idempotent reads pass retry.
func (c *Client) do(ctx context.Context, method, path string, retry bool, onBody func([]byte) error) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.Header.SetMethod(method)
	req.SetRequestURI(c.baseURL + path)
	req.Header.SetContentType("application/json")
	if c.headers != nil {
		for k, v := range c.headers() {
			if strings.TrimSpace(k) != "" && strings.TrimSpace(v) != "" {
				req.Header.Set(k, v)
			}
		}
	}

	tries := 1
	if retry {
		tries = max(c.retryMax, 1)
	}
	for try := 1; ; try++ {
		deadline := time.Now().Add(c.defaultTimeout)
		if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
			deadline = dl
		}
		var err error
		if derr := c.http.DoDeadline(req, resp, deadline); derr != nil {
			err = fmt.Errorf("request failed: %w", derr)
		} else if status := resp.StatusCode(); status >= 200 && status < 300 {
			return onBody(resp.Body())
		} else {
			ae := &APIError{}
			if json.Unmarshal(resp.Body(), ae) != nil || ae.Code == "" {
				ae.Message = fasthttp.StatusMessage(status)
			}
			ae.Status = status
			if !resendable(status) {
				return ae
			}
			err = ae
		}
		if try >= tries {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(backoff(try)):
		}
	}
}

// backoff doubles from 100ms and stops growing at 3.2s.
func backoff(try int) time.Duration {
	return 100 * time.Millisecond << min(max(try-1, 0), 5)
}

func resendable(status int) bool {
	switch status {
	case fasthttp.StatusInternalServerError, fasthttp.StatusBadGateway,
		fasthttp.StatusServiceUnavailable, fasthttp.StatusGatewayTimeout:
		return true
	}
	return false
}
