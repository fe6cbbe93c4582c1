// Package storefront is the REST boundary of the shop: a typed HTTP client and
// the cached queries and mutations built on it.
package storefront

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/illmade-knight/go-querysync/pkg/fetcherr"
	"github.com/rs/zerolog"
)

// ClientConfig configures the REST client.
type ClientConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// Client calls the storefront API. Every error it returns is a fetcherr kind:
// transport failures are network errors, non-2xx responses are server errors
// and unreadable bodies are decode errors.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	auth    AuthProvider
	logger  zerolog.Logger
}

// NewClient creates a Client. auth may be nil for anonymous access.
func NewClient(cfg ClientConfig, httpClient *http.Client, auth AuthProvider, logger zerolog.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid storefront base url %q", cfg.BaseURL)
	}
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL: base,
		http:    httpClient,
		auth:    auth,
		logger:  logger.With().Str("component", "StorefrontClient").Logger(),
	}, nil
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// request describes one call.
type request struct {
	method   string
	path     string
	query    url.Values
	body     any
	header   http.Header
	needAuth bool
}

func (c *Client) do(ctx context.Context, r request, out any) error {
	u := *c.baseURL
	u.Path += r.path
	if len(r.query) > 0 {
		u.RawQuery = r.query.Encode()
	}

	var body io.Reader
	if r.body != nil {
		raw, err := json.Marshal(r.body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, r.method, u.String(), body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range r.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if c.auth != nil {
		h, err := c.auth.Header(ctx)
		switch {
		case err != nil && r.needAuth:
			return err
		case err == nil:
			for k, vs := range h {
				req.Header[k] = vs
			}
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fetcherr.Network(r.method+" "+r.path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fetcherr.Network("read "+r.path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := http.StatusText(resp.StatusCode)
		var eb errorBody
		if json.Unmarshal(raw, &eb) == nil {
			if eb.Message != "" {
				msg = eb.Message
			} else if eb.Error != "" {
				msg = eb.Error
			}
		}
		c.logger.Warn().Str("path", r.path).Int("status", resp.StatusCode).Str("message", msg).Msg("Storefront request failed.")
		return fetcherr.Server(resp.StatusCode, msg)
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fetcherr.Decode(fmt.Errorf("%s %s: %w", r.method, r.path, err))
	}
	return nil
}

// GetProducts lists products, optionally restricted to a category.
func (c *Client) GetProducts(ctx context.Context, category string) ([]Product, error) {
	q := url.Values{}
	if category != "" {
		q.Set("category", category)
	}
	var out []Product
	err := c.do(ctx, request{method: http.MethodGet, path: "/products", query: q}, &out)
	return out, err
}

func (c *Client) GetProduct(ctx context.Context, id string) (Product, error) {
	var out Product
	err := c.do(ctx, request{method: http.MethodGet, path: "/products/" + url.PathEscape(id)}, &out)
	return out, err
}

func (c *Client) GetCategories(ctx context.Context) ([]Category, error) {
	var out []Category
	err := c.do(ctx, request{method: http.MethodGet, path: "/categories"}, &out)
	return out, err
}

func (c *Client) GetUserOrders(ctx context.Context, uid string) ([]Order, error) {
	var out []Order
	err := c.do(ctx, request{method: http.MethodGet, path: "/users/" + url.PathEscape(uid) + "/orders", needAuth: true}, &out)
	return out, err
}

func (c *Client) GetOrder(ctx context.Context, id string) (Order, error) {
	var out Order
	err := c.do(ctx, request{method: http.MethodGet, path: "/orders/" + url.PathEscape(id), needAuth: true}, &out)
	return out, err
}

func (c *Client) GetStats(ctx context.Context) (Stats, error) {
	var out Stats
	err := c.do(ctx, request{method: http.MethodGet, path: "/stats", needAuth: true}, &out)
	return out, err
}

// PostOrder creates an order. idempotencyKey lets the server recognise a
// resubmission of the same checkout.
func (c *Client) PostOrder(ctx context.Context, order NewOrder, idempotencyKey string) (Order, error) {
	h := http.Header{}
	h.Set("Idempotency-Key", idempotencyKey)
	var out Order
	err := c.do(ctx, request{method: http.MethodPost, path: "/orders", body: order, header: h, needAuth: true}, &out)
	return out, err
}
