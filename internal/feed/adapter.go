// Package feed maintains the upstream exchange connections, aggregates
// their samples into one reference price per tick, and fans the result
// out to subscribers.
package feed

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/minutex/exchange-engine/internal/metrics"
	"github.com/minutex/exchange-engine/internal/model"
)

// Adapter owns one upstream endpoint and emits samples on the shared
// channel until its context ends or it exhausts its reconnect budget.
type Adapter interface {
	Name() string
	Run(ctx context.Context)
	Status() AdapterStatus
}

// AdapterStatus is a point-in-time diagnostic snapshot of one adapter.
type AdapterStatus struct {
	Name       string `json:"name"`
	Connected  bool   `json:"connected"`
	Attempts   int    `json:"attempts"`
	MaxReached bool   `json:"max_reached"`
	LastSample int64  `json:"last_sample"` // unix millis, 0 = never
}

// WSConfig configures a WebSocket adapter. Parse turns one raw frame
// into zero or more samples; an adapter carrying two logical
// sub-sources returns both from the same frame.
type WSConfig struct {
	Name         string
	URL          string
	Subscribe    func(conn *websocket.Conn) error // nil → no subscribe frame
	Parse        func(msg []byte) ([]model.PriceSample, error)
	ReadTimeout  time.Duration
	PingInterval time.Duration
}

// WSAdapter keeps one WebSocket connection alive, reconnecting with
// exponential backoff. After MaxAttempts consecutive failures it goes
// inert and logs max_reconnect_reached once.
type WSAdapter struct {
	cfg         WSConfig
	out         chan<- model.PriceSample
	backoff     Backoff
	maxAttempts int

	attempts   atomic.Int32
	connected  atomic.Bool
	maxReached atomic.Bool
	lastSample atomic.Int64
}

// NewWSAdapter creates a WebSocket adapter emitting on out.
func NewWSAdapter(cfg WSConfig, out chan<- model.PriceSample, backoff Backoff, maxAttempts int) *WSAdapter {
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = 30 * time.Second
	}
	return &WSAdapter{cfg: cfg, out: out, backoff: backoff, maxAttempts: maxAttempts}
}

func (a *WSAdapter) Name() string { return a.cfg.Name }

// Status reports the adapter's connection diagnostics.
func (a *WSAdapter) Status() AdapterStatus {
	return AdapterStatus{
		Name:       a.cfg.Name,
		Connected:  a.connected.Load(),
		Attempts:   int(a.attempts.Load()),
		MaxReached: a.maxReached.Load(),
		LastSample: a.lastSample.Load(),
	}
}

// Run blocks, dialing and re-dialing the upstream until ctx ends or the
// reconnect budget is spent.
func (a *WSAdapter) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := a.session(ctx)
		if ctx.Err() != nil {
			return
		}

		attempt := int(a.attempts.Add(1)) - 1
		if attempt >= a.maxAttempts {
			if a.maxReached.CompareAndSwap(false, true) {
				slog.Error("feed adapter gave up", "source", a.cfg.Name, "attempts", a.maxAttempts, "event", "max_reconnect_reached")
			}
			return
		}

		delay := a.backoff.Delay(attempt)
		slog.Warn("feed connection lost", "source", a.cfg.Name, "err", err, "retry_in", delay, "attempt", attempt+1)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// session runs one connect-read cycle and returns its terminating error.
func (a *WSAdapter) session(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, a.cfg.URL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	if a.cfg.Subscribe != nil {
		if err := a.cfg.Subscribe(conn); err != nil {
			return err
		}
	}

	a.connected.Store(true)
	a.attempts.Store(0)
	defer a.connected.Store(false)
	slog.Info("feed connected", "source", a.cfg.Name)

	// Ping loop keeps the connection alive through proxies.
	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go func() {
		ticker := time.NewTicker(a.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-pingCtx.Done():
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					return
				}
			}
		}
	}()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(a.cfg.ReadTimeout))
	})

	for {
		if err := conn.SetReadDeadline(time.Now().Add(a.cfg.ReadTimeout)); err != nil {
			return err
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		a.deliver(msg)
	}
}

func (a *WSAdapter) deliver(msg []byte) {
	samples, err := a.cfg.Parse(msg)
	if err != nil {
		// Parse errors drop the frame, never the connection.
		slog.Debug("feed parse error", "source", a.cfg.Name, "err", err)
		return
	}
	for _, s := range samples {
		a.lastSample.Store(s.Timestamp)
		metrics.FeedSamples.WithLabelValues(s.SourceID).Inc()
		select {
		case a.out <- s:
		default:
			// Aggregator is behind; the next sample supersedes this one anyway.
		}
	}
}

// PollConfig configures a REST polling adapter. Interval doubles as the
// upstream rate limit.
type PollConfig struct {
	Name     string
	URL      string
	Interval time.Duration
	Parse    func(body []byte) ([]model.PriceSample, error)
}

// PollAdapter fetches a REST endpoint on a fixed interval. Transport
// failures count against the reconnect budget like dropped sockets;
// any successful fetch resets it.
type PollAdapter struct {
	cfg         PollConfig
	out         chan<- model.PriceSample
	backoff     Backoff
	maxAttempts int
	client      *http.Client

	attempts   atomic.Int32
	connected  atomic.Bool
	maxReached atomic.Bool
	lastSample atomic.Int64
}

// NewPollAdapter creates a polling adapter emitting on out.
func NewPollAdapter(cfg PollConfig, out chan<- model.PriceSample, backoff Backoff, maxAttempts int) *PollAdapter {
	return &PollAdapter{
		cfg:         cfg,
		out:         out,
		backoff:     backoff,
		maxAttempts: maxAttempts,
		client:      &http.Client{Timeout: 10 * time.Second},
	}
}

func (a *PollAdapter) Name() string { return a.cfg.Name }

// Status reports the adapter's polling diagnostics.
func (a *PollAdapter) Status() AdapterStatus {
	return AdapterStatus{
		Name:       a.cfg.Name,
		Connected:  a.connected.Load(),
		Attempts:   int(a.attempts.Load()),
		MaxReached: a.maxReached.Load(),
		LastSample: a.lastSample.Load(),
	}
}

// Run polls until ctx ends or the failure budget is spent.
func (a *PollAdapter) Run(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := a.poll(ctx); err != nil {
			a.connected.Store(false)
			attempt := int(a.attempts.Add(1)) - 1
			if attempt >= a.maxAttempts {
				if a.maxReached.CompareAndSwap(false, true) {
					slog.Error("feed adapter gave up", "source", a.cfg.Name, "attempts", a.maxAttempts, "event", "max_reconnect_reached")
				}
				return
			}
			delay := a.backoff.Delay(attempt)
			slog.Warn("feed poll failed", "source", a.cfg.Name, "err", err, "retry_in", delay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}

		a.connected.Store(true)
		a.attempts.Store(0)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (a *PollAdapter) poll(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.URL, nil)
	if err != nil {
		return err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}

	samples, err := a.cfg.Parse(body)
	if err != nil {
		// A malformed body is a dropped sample, not a transport failure.
		slog.Debug("feed parse error", "source", a.cfg.Name, "err", err)
		return nil
	}
	for _, s := range samples {
		a.lastSample.Store(s.Timestamp)
		metrics.FeedSamples.WithLabelValues(s.SourceID).Inc()
		select {
		case a.out <- s:
		default:
		}
	}
	return nil
}

// writeJSON sends a JSON control/subscribe frame on a websocket.
func writeJSON(conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}
