package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"
)

// HTTPConfig configures an HTTPClient.
type HTTPConfig struct {
	// BaseURL of the crmsync server, e.g. http://localhost:8787
	BaseURL string

	// Token is sent as a bearer token when set.
	Token string

	// Tenant is sent as X-Tenant-ID when set.
	Tenant string

	// Timeout per request (default: 15s)
	Timeout time.Duration

	// RateLimit caps requests per second (0 = unlimited).
	RateLimit float64

	// Burst for the rate limiter (default: 1)
	Burst int

	// Logger for client activity (default: stderr logger)
	Logger *log.Logger
}

// HTTPClient talks to the crmsync server over JSON/HTTP.
type HTTPClient struct {
	base    *url.URL
	token   string
	tenant  string
	http    *http.Client
	limiter *rate.Limiter
	logger  *log.Logger
}

var (
	_ Client     = (*HTTPClient)(nil)
	_ Pinger     = (*HTTPClient)(nil)
	_ Subscriber = (*HTTPClient)(nil)
)

// NewHTTPClient validates cfg and builds a client.
func NewHTTPClient(cfg HTTPConfig) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("remote base URL is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid remote base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("remote base URL must be http or https, got %q", base.Scheme)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[remote] ", log.LstdFlags)
	}

	c := &HTTPClient{
		base:   base,
		token:  cfg.Token,
		tenant: cfg.Tenant,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: cfg.Logger,
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return c, nil
}

func (c *HTTPClient) docsURL(collection string) string {
	return fmt.Sprintf("%s/v1/collections/%s/docs", c.base.String(), url.PathEscape(collection))
}

func (c *HTTPClient) docURL(collection, id string) string {
	return c.docsURL(collection) + "/" + url.PathEscape(id)
}

func (c *HTTPClient) headers() http.Header {
	h := http.Header{}
	if c.token != "" {
		h.Set("Authorization", "Bearer "+c.token)
	}
	if c.tenant != "" {
		h.Set("X-Tenant-ID", c.tenant)
	}
	return h
}

// do sends one request and decodes a JSON response into out (when non-nil).
func (c *HTTPClient) do(ctx context.Context, method, target string, body, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header = c.headers()
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var payload struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(raw, &payload) != nil || payload.Error == "" {
			payload.Error = strings.TrimSpace(string(raw))
		}
		return &StatusError{Code: resp.StatusCode, Message: payload.Error}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Ping checks the server health endpoint.
func (c *HTTPClient) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, c.base.String()+"/healthz", nil, nil)
}

// Create posts a new document and returns its server-assigned ID.
func (c *HTTPClient) Create(ctx context.Context, collection string, data map[string]any) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, c.docsURL(collection), data, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", fmt.Errorf("%w: create response without id", ErrRejected)
	}
	return out.ID, nil
}

// CreateWithID stores a document under id.
func (c *HTTPClient) CreateWithID(ctx context.Context, collection, id string, data map[string]any) error {
	return c.do(ctx, http.MethodPut, c.docURL(collection, id), data, nil)
}

// Update merges patch into an existing document.
func (c *HTTPClient) Update(ctx context.Context, collection, id string, patch map[string]any) error {
	return c.do(ctx, http.MethodPatch, c.docURL(collection, id), patch, nil)
}

// Delete removes a document.
func (c *HTTPClient) Delete(ctx context.Context, collection, id string) error {
	return c.do(ctx, http.MethodDelete, c.docURL(collection, id), nil, nil)
}

// List returns every document in a collection.
func (c *HTTPClient) List(ctx context.Context, collection string) ([]map[string]any, error) {
	var out struct {
		Documents []map[string]any `json:"documents"`
	}
	if err := c.do(ctx, http.MethodGet, c.docsURL(collection), nil, &out); err != nil {
		return nil, err
	}
	return out.Documents, nil
}

// Subscribe opens a websocket to the collection's change feed.
func (c *HTTPClient) Subscribe(ctx context.Context, collection string, fn func(Event)) (func(), error) {
	wsURL := *c.base
	switch wsURL.Scheme {
	case "https":
		wsURL.Scheme = "wss"
	default:
		wsURL.Scheme = "ws"
	}
	wsURL.Path = fmt.Sprintf("%s/v1/collections/%s/subscribe", strings.TrimRight(wsURL.Path, "/"), url.PathEscape(collection))

	ctx, cancel := context.WithCancel(ctx)
	conn, _, err := websocket.Dial(ctx, wsURL.String(), &websocket.DialOptions{HTTPHeader: c.headers()})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: subscribe %s: %v", ErrUnavailable, collection, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				if ctx.Err() == nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
					c.logger.Printf("Subscription to %s ended: %v", collection, err)
				}
				return
			}
			var ev Event
			if err := json.Unmarshal(data, &ev); err != nil {
				c.logger.Printf("Ignoring malformed event on %s: %v", collection, err)
				continue
			}
			fn(ev)
		}
	}()

	return func() {
		cancel()
		_ = conn.Close(websocket.StatusNormalClosure, "")
		<-done
	}, nil
}

// IsStatus reports whether err is a *StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}
