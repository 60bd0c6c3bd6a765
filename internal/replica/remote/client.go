package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/mod/semver"

	"github.com/platelet-app/dispatchsync/internal/replica/hub"
	"github.com/platelet-app/dispatchsync/internal/replica/queue"
	"github.com/platelet-app/dispatchsync/internal/replica/schema"
	"github.com/platelet-app/dispatchsync/internal/replica/syncerr"
)

// ErrIncompatibleHub is returned by Handshake when the hub speaks a
// different major protocol version.
var ErrIncompatibleHub = errors.New("incompatible hub protocol")

// APIError wraps unexpected non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, strings.TrimSpace(e.Body))
}

// Client is a Transport talking to a hub over HTTP and websocket.
type Client struct {
	BaseURL     string
	BearerToken string
	ClientID    string
	HTTPClient  *http.Client
	Timeout     time.Duration

	// ReconnectMin and ReconnectMax bound the delay between subscription
	// reconnect attempts.
	ReconnectMin time.Duration
	ReconnectMax time.Duration

	Logger *slog.Logger

	defaultOnce sync.Once
	defaultHTTP *http.Client
}

var _ Transport = (*Client)(nil)

// NewClient creates a client with sane defaults.
func NewClient(baseURL, clientID string) *Client {
	return &Client{
		BaseURL:      baseURL,
		ClientID:     clientID,
		Timeout:      10 * time.Second,
		ReconnectMin: 500 * time.Millisecond,
		ReconnectMax: 30 * time.Second,
	}
}

func (c *Client) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// Handshake checks the hub is reachable and speaks a compatible protocol.
func (c *Client) Handshake(ctx context.Context) (hub.Health, error) {
	var h hub.Health
	if err := c.do(ctx, http.MethodGet, "health", nil, &h); err != nil {
		return h, fmt.Errorf("failed to reach hub: %w", err)
	}
	if !semver.IsValid(h.Protocol) {
		return h, fmt.Errorf("%w: hub reported %q", ErrIncompatibleHub, h.Protocol)
	}
	if semver.Major(h.Protocol) != semver.Major(hub.ProtocolVersion) {
		return h, fmt.Errorf("%w: hub speaks %s, client speaks %s", ErrIncompatibleHub, h.Protocol, hub.ProtocolVersion)
	}
	return h, nil
}

// Submit implements Transport.
func (c *Client) Submit(ctx context.Context, m queue.Mutation) (schema.Ack, error) {
	var ack schema.Ack
	err := c.do(ctx, http.MethodPost, "v1/mutations", m.Submission(c.ClientID), &ack)
	if err == nil {
		return ack, nil
	}
	return schema.Ack{}, classify(m.Key, err)
}

// List returns every committed entity of type t.
func (c *Client) List(ctx context.Context, t schema.EntityType) ([]schema.Entity, error) {
	out, _, err := c.listing(ctx, t)
	return out, err
}

// listing returns the entities of type t and the hub time they were listed
// at, zero if the hub did not say.
func (c *Client) listing(ctx context.Context, t schema.EntityType) ([]schema.Entity, time.Time, error) {
	var out []schema.Entity
	hdr, err := c.doHeader(ctx, http.MethodGet, "v1/entities/"+url.PathEscape(string(t)), nil, &out)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to list %s: %w", t, err)
	}
	asOf, _ := time.Parse(time.RFC3339Nano, hdr.Get(hub.HeaderAsOf))
	return out, asOf, nil
}

// classify maps a transport error to the syncerr taxonomy.
func classify(key schema.Key, err error) error {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return syncerr.Transient(key, err)
	}

	switch apiErr.StatusCode {
	case http.StatusUnprocessableEntity, http.StatusConflict, http.StatusGone:
		var rej schema.Rejection
		if jsonErr := json.Unmarshal([]byte(apiErr.Body), &rej); jsonErr != nil || rej.Code == "" {
			return syncerr.New(syncerr.ErrValidationRejected, key, apiErr.Error())
		}
		return syncerr.FromRejection(key, rej)
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusRequestEntityTooLarge:
		return syncerr.New(syncerr.ErrValidationRejected, key, apiErr.Error())
	default:
		// 429 and 5xx
		return syncerr.Transient(key, apiErr)
	}
}

// Subscribe implements Transport. The subscription reconnects with backoff
// until ctx is cancelled and relists the type after every connect.
func (c *Client) Subscribe(ctx context.Context, t schema.EntityType) (<-chan schema.ChangeEvent, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("unknown entity type %q", t)
	}
	out := make(chan schema.ChangeEvent)

	minDelay, maxDelay := c.ReconnectMin, c.ReconnectMax
	if minDelay <= 0 {
		minDelay = 500 * time.Millisecond
	}
	if maxDelay < minDelay {
		maxDelay = max(30*time.Second, minDelay)
	}

	go func() {
		defer close(out)
		delay := minDelay
		for {
			connected, err := c.stream(ctx, t, out)
			if ctx.Err() != nil {
				return
			}
			if connected {
				delay = minDelay
			}
			c.logger().Warn("subscription lost, reconnecting", "type", string(t), "error", err, "delay", delay)

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
			delay = min(delay*2, maxDelay)
		}
	}()

	return out, nil
}

// stream runs one websocket session. connected reports whether the session
// got as far as delivering its listing.
func (c *Client) stream(ctx context.Context, t schema.EntityType, out chan<- schema.ChangeEvent) (connected bool, err error) {
	// websocket refuses an http.Client with a Timeout; ctx bounds the dial.
	opts := &websocket.DialOptions{}
	if c.BearerToken != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + c.BearerToken}}
	}

	conn, _, err := websocket.Dial(ctx, c.wsURL(t), opts)
	if err != nil {
		return false, fmt.Errorf("failed to dial hub: %w", err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(4 << 20)

	frame, err := readFrame(ctx, conn)
	if err != nil {
		return false, err
	}
	if frame.Type != hub.FrameReady {
		return false, fmt.Errorf("expected ready frame, got %q", frame.Type)
	}

	// The subscription is live, so nothing committed after this listing is
	// missed; anything committed before it is in the listing.
	listed, asOf, err := c.listing(ctx, t)
	if err != nil {
		return false, err
	}
	if !emitListing(ctx, out, t, listed, asOf) {
		return true, ctx.Err()
	}
	c.logger().Debug("subscription ready", "type", string(t), "listed", len(listed))

	for {
		frame, err := readFrame(ctx, conn)
		if err != nil {
			return true, err
		}
		if frame.Type != hub.FrameChange || frame.Event == nil {
			continue
		}
		if !emit(ctx, out, *frame.Event) {
			return true, ctx.Err()
		}
	}
}

func readFrame(ctx context.Context, conn *websocket.Conn) (hub.Frame, error) {
	var f hub.Frame
	_, data, err := conn.Read(ctx)
	if err != nil {
		return f, fmt.Errorf("failed to read frame: %w", err)
	}
	if err := json.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("failed to parse frame: %w", err)
	}
	return f, nil
}

func (c *Client) wsURL(t schema.EntityType) string {
	base := c.base()
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/v1/subscribe?type=" + url.QueryEscape(string(t))
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	_, err := c.doHeader(ctx, method, endpoint, body, out)
	return err
}

// httpClient returns HTTPClient, or a shared default built on first use.
func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	c.defaultOnce.Do(func() {
		c.defaultHTTP = &http.Client{Timeout: c.Timeout}
	})
	return c.defaultHTTP
}

func (c *Client) doHeader(ctx context.Context, method, endpoint string, body any, out any) (http.Header, error) {
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return resp.Header, &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return resp.Header, json.NewDecoder(resp.Body).Decode(out)
	}
	return resp.Header, nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
