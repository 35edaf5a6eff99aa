// Package tracker is a Go client for the tracking endpoints. Beacon is the
// fire-and-forget path; Track is the signed path with typed outcomes.
package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/davanti/abtrack/internal/experiment"
	"github.com/davanti/abtrack/internal/logger"
	"github.com/davanti/abtrack/internal/signing"
)

const (
	DefaultQueueSize = 64
	DefaultTimeout   = 5 * time.Second

	trackPath  = "/api/track"
	beaconPath = "/api/track/beacon"
)

var (
	ErrRateLimited  = errors.New("rate limited")
	ErrDuplicate    = errors.New("duplicate event")
	ErrUnauthorized = errors.New("signature rejected")
	ErrForbidden    = errors.New("origin not allowed")
	ErrInvalid      = errors.New("event rejected as invalid")
	ErrServer       = errors.New("server error")
	ErrNoSecret     = errors.New("signing secret is required for Track")
)

// RateLimitError carries the server's Retry-After hint.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// Analytics receives every event synchronously before it is sent.
type Analytics func(ev experiment.Event)

type Config struct {
	// BaseURL is the server root, e.g. "https://track.example".
	BaseURL string
	// Secret signs Track calls. Beacon does not need it.
	Secret string
	// Origin is sent as the Origin header when set.
	Origin     string
	QueueSize  int
	Timeout    time.Duration
	HTTPClient *http.Client
	Analytics  Analytics
	Logger     logger.Logger
	Now        func() time.Time
}

type Client struct {
	cfg    Config
	base   string
	signer *signing.Signer
	http   *http.Client
	log    logger.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan experiment.Event

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New starts the client's beacon worker. Call Close to stop it.
func New(cfg Config) (*Client, error) {
	base := strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("tracker: base URL is required")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:    cfg,
		base:   base,
		http:   cfg.HTTPClient,
		log:    cfg.Logger,
		queue:  make(chan experiment.Event, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	if cfg.Secret != "" {
		c.signer = signing.NewSigner(cfg.Secret, signing.DefaultMaxSkew)
	}

	go c.run()
	return c, nil
}

// Beacon records ev with the Analytics hook and queues it for delivery.
// It never blocks and never reports failure: a full queue, a closed client
// or a failed send all drop the event.
func (c *Client) Beacon(ctx context.Context, ev experiment.Event) {
	c.notify(ev)

	if ctx.Err() != nil {
		return
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		c.log.Debug("Beacon dropped: client closed")
		return
	}

	select {
	case c.queue <- ev:
	default:
		c.log.Debug("Beacon dropped: queue full", logger.String("event_type", string(ev.Type)))
	}
}

// Track sends ev on the signed path and waits for the outcome.
func (c *Client) Track(ctx context.Context, ev experiment.Event) error {
	if c.signer == nil {
		return ErrNoSecret
	}
	c.notify(ev)

	p := c.signer.SignPayload(signing.Payload{
		EventType: string(ev.Type),
		Variant:   string(ev.Variant),
		Section:   ev.Section,
		Timestamp: c.cfg.Now().UnixMilli(),
	})

	body := map[string]any{
		"event_type": p.EventType,
		"variant":    p.Variant,
		"section":    nil,
		"timestamp":  p.Timestamp,
		"signature":  p.Signature,
	}
	if ev.HasSection() {
		body["section"] = ev.Section
	}

	resp, err := c.post(ctx, trackPath, "application/json", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	return statusError(resp)
}

// Close stops accepting beacons and waits for queued ones to be sent.
// Beacons still queued when ctx expires are abandoned.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.queue)
	}
	c.mu.Unlock()

	select {
	case <-c.done:
		c.cancel()
		return nil
	case <-ctx.Done():
		c.cancel()
		<-c.done
		return ctx.Err()
	}
}

func (c *Client) notify(ev experiment.Event) {
	if c.cfg.Analytics != nil {
		c.cfg.Analytics(ev)
	}
}

func (c *Client) run() {
	defer close(c.done)
	for ev := range c.queue {
		if c.ctx.Err() != nil {
			continue
		}
		c.sendBeacon(ev)
	}
}

func (c *Client) sendBeacon(ev experiment.Event) {
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.Timeout)
	defer cancel()

	body := map[string]any{
		"event_type": string(ev.Type),
		"variant":    string(ev.Variant),
	}
	if ev.HasSection() {
		body["section"] = ev.Section
	}

	resp, err := c.post(ctx, beaconPath, "text/plain", body)
	if err != nil {
		c.log.Debug("Beacon send failed", logger.Error(err))
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		c.log.Debug("Beacon rejected", logger.Int("status", resp.StatusCode))
	}
}

func (c *Client) post(ctx context.Context, path, contentType string, body any) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	if c.cfg.Origin != "" {
		req.Header.Set("Origin", c.cfg.Origin)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send event: %w", err)
	}
	return resp, nil
}

func statusError(resp *http.Response) error {
	switch code := resp.StatusCode; {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusBadRequest, code == http.StatusRequestEntityTooLarge:
		return ErrInvalid
	case code == http.StatusUnauthorized:
		return ErrUnauthorized
	case code == http.StatusForbidden:
		return ErrForbidden
	case code == http.StatusConflict:
		return ErrDuplicate
	case code == http.StatusTooManyRequests:
		secs, _ := strconv.Atoi(resp.Header.Get("Retry-After"))
		return &RateLimitError{RetryAfter: time.Duration(secs) * time.Second}
	case code >= 500:
		return fmt.Errorf("%w: status %d", ErrServer, code)
	default:
		return fmt.Errorf("unexpected status %d", code)
	}
}
