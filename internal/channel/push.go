package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-job-tracker/internal/metrics"
	"github.com/JakeFAU/scrape-job-tracker/internal/tracker"
)

const writeTimeout = 5 * time.Second

// Control message types sent to the push feed.
const (
	MessageSubscribe   = "subscribe"
	MessageUnsubscribe = "unsubscribe"
)

// ControlMessage asks the feed to start or stop streaming jobs.
type ControlMessage struct {
	Type   string   `json:"type"`
	JobIDs []string `json:"jobIds"`
}

// PushConfig tunes a PushTransport.
type PushConfig struct {
	URL              string
	HandshakeTimeout time.Duration
	Header           http.Header
	Backoff          Backoff
}

// PushTransport receives tuples over a WebSocket feed.
type PushTransport struct {
	cfg    PushConfig
	jobs   Jobs
	clock  tracker.Clock
	logger *zap.Logger
	dialer *websocket.Dialer

	mu         sync.Mutex
	ctx        context.Context
	running    bool
	connected  bool
	exhausted  bool
	conn       *websocket.Conn
	gen        int
	timer      tracker.Timer
	attempt    int
	lastUpdate *time.Time
	lastErr    string
	subscribed map[string]struct{}

	writeMu sync.Mutex
}

// NewPushTransport wires a WebSocket transport.
func NewPushTransport(jobs Jobs, clock tracker.Clock, cfg PushConfig, logger *zap.Logger) (*PushTransport, error) {
	if cfg.URL == "" {
		return nil, errors.New("push transport requires a url")
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	cfg.Backoff = cfg.Backoff.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PushTransport{
		cfg:    cfg,
		jobs:   jobs,
		clock:  clock,
		logger: logger,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		subscribed: make(map[string]struct{}),
	}, nil
}

// Connect dials the feed. A failed dial is retried on the backoff schedule and
// the dial error is returned.
func (p *PushTransport) Connect(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.Lock()
	if p.running && p.connected {
		p.mu.Unlock()
		return nil
	}
	p.ctx = ctx
	p.running = true
	p.exhausted = false
	p.attempt = 0
	p.gen++
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	gen := p.gen
	p.mu.Unlock()
	return p.dial(gen)
}

// Disconnect closes the feed and cancels any pending reconnect.
func (p *PushTransport) Disconnect() {
	p.mu.Lock()
	p.running = false
	p.connected = false
	p.gen++
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	conn := p.conn
	p.conn = nil
	p.mu.Unlock()
	metrics.SetChannelConnected(string(ModePush), false)
	if conn != nil {
		p.closeConn(conn)
		p.logger.Info("push transport disconnected")
	}
}

// Refresh re-sends the subscription so the feed replays current state.
func (p *PushTransport) Refresh(ctx context.Context) error {
	p.mu.Lock()
	conn := p.conn
	ok := p.running && p.connected && conn != nil
	ids := p.subscriptionLocked()
	p.mu.Unlock()
	if !ok {
		return p.Connect(ctx)
	}
	if len(ids) == 0 {
		return nil
	}
	return p.send(conn, MessageSubscribe, ids)
}

// Subscribe follows ids and tells a live feed about them.
func (p *PushTransport) Subscribe(ids ...string) {
	p.mu.Lock()
	var added []string
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := p.subscribed[id]; ok {
			continue
		}
		p.subscribed[id] = struct{}{}
		added = append(added, id)
	}
	conn := p.liveConnLocked()
	p.mu.Unlock()
	if conn != nil && len(added) > 0 {
		if err := p.send(conn, MessageSubscribe, added); err != nil {
			p.logger.Warn("subscribe failed", zap.Strings("job_ids", added), zap.Error(err))
		}
	}
}

// Unsubscribe stops following ids.
func (p *PushTransport) Unsubscribe(ids ...string) {
	p.mu.Lock()
	var removed []string
	for _, id := range ids {
		if _, ok := p.subscribed[id]; ok {
			delete(p.subscribed, id)
			removed = append(removed, id)
		}
	}
	conn := p.liveConnLocked()
	p.mu.Unlock()
	if conn != nil && len(removed) > 0 {
		if err := p.send(conn, MessageUnsubscribe, removed); err != nil {
			p.logger.Warn("unsubscribe failed", zap.Strings("job_ids", removed), zap.Error(err))
		}
	}
}

// Status reports the transport health.
func (p *PushTransport) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Status{
		Mode:       ModePush,
		Connected:  p.connected,
		Active:     p.running && !p.exhausted,
		Attempt:    p.attempt,
		Exhausted:  p.exhausted,
		Subscribed: len(p.subscribed),
		LastError:  p.lastErr,
	}
	if p.lastUpdate != nil {
		ts := *p.lastUpdate
		st.LastUpdate = &ts
	}
	return st
}

func (p *PushTransport) dial(gen int) error {
	p.mu.Lock()
	ctx := p.ctx
	p.mu.Unlock()

	conn, resp, err := p.dialer.DialContext(ctx, p.cfg.URL, p.cfg.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	p.mu.Lock()
	if gen != p.gen || !p.running {
		p.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return nil
	}
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("dial %s: %w (status %d)", p.cfg.URL, err, resp.StatusCode)
		} else {
			err = fmt.Errorf("dial %s: %w", p.cfg.URL, err)
		}
		p.failLocked(ctx, err)
		return err
	}
	p.conn = conn
	p.connected = true
	p.attempt = 0
	p.lastErr = ""
	ids := p.subscriptionLocked()
	p.mu.Unlock()
	metrics.SetChannelConnected(string(ModePush), true)

	p.logger.Info("push transport connected", zap.String("url", p.cfg.URL), zap.Int("subscribed", len(ids)))

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			p.Disconnect()
		case <-done:
		}
	}()
	go p.readLoop(conn, gen, done)

	if len(ids) > 0 {
		if err := p.send(conn, MessageSubscribe, ids); err != nil {
			// The read loop sees the broken conn and schedules the reconnect.
			p.logger.Warn("initial subscribe failed", zap.Error(err))
			_ = conn.Close()
		}
	}
	return nil
}

func (p *PushTransport) readLoop(conn *websocket.Conn, gen int, done chan struct{}) {
	defer close(done)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			p.lost(conn, gen, err)
			return
		}
		tuples, err := DecodeMessage(data)
		if err != nil {
			p.logger.Warn("dropping undecodable push message", zap.Error(err))
			continue
		}
		now := p.clock.Now()
		p.mu.Lock()
		current := gen == p.gen
		if current {
			p.lastUpdate = &now
		}
		p.mu.Unlock()
		if !current {
			return
		}
		applyTuples(p.jobs, tuples, p.logger)
	}
}

// lost handles a read failure. Failures after Disconnect are expected and ignored.
func (p *PushTransport) lost(conn *websocket.Conn, gen int, err error) {
	p.mu.Lock()
	if gen != p.gen || p.conn != conn || !p.running {
		p.mu.Unlock()
		return
	}
	p.conn = nil
	p.connected = false
	ctx := p.ctx
	p.failLocked(ctx, fmt.Errorf("push feed lost: %w", err))
	_ = conn.Close()
}

// failLocked records a failure and schedules the next dial. It is entered with
// p.mu held and releases it.
func (p *PushTransport) failLocked(ctx context.Context, err error) {
	p.attempt++
	p.connected = false
	p.lastErr = err.Error()
	attempt := p.attempt
	metrics.ObserveChannelFailure(string(ModePush))
	metrics.SetChannelConnected(string(ModePush), false)
	if ctx.Err() != nil {
		p.running = false
		p.mu.Unlock()
		return
	}
	if p.cfg.Backoff.Exhausted(attempt) {
		p.exhausted = true
		p.running = false
		ids := p.subscriptionLocked()
		p.mu.Unlock()
		p.logger.Error("push transport gave up", zap.Int("attempts", attempt), zap.Error(err))
		failJobs(p.jobs, p.activeOnly(ids), err)
		return
	}
	delay := p.cfg.Backoff.Delay(attempt)
	gen := p.gen
	p.timer = p.clock.AfterFunc(delay, func() {
		p.mu.Lock()
		stale := gen != p.gen || !p.running
		p.mu.Unlock()
		if !stale {
			_ = p.dial(gen)
		}
	})
	p.mu.Unlock()
	p.logger.Warn("push feed unavailable, backing off",
		zap.Int("attempt", attempt),
		zap.Duration("retry_in", delay),
		zap.Error(err),
	)
}

func (p *PushTransport) send(conn *websocket.Conn, kind string, ids []string) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(ControlMessage{Type: kind, JobIDs: ids}); err != nil {
		return fmt.Errorf("write %s: %w", kind, err)
	}
	return nil
}

func (p *PushTransport) closeConn(conn *websocket.Conn) {
	p.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	p.writeMu.Unlock()
	_ = conn.Close()
}

func (p *PushTransport) liveConnLocked() *websocket.Conn {
	if !p.running || !p.connected {
		return nil
	}
	return p.conn
}

// subscriptionLocked is processing ∪ subscribed, sorted.
func (p *PushTransport) subscriptionLocked() []string {
	set := make(map[string]struct{}, len(p.subscribed))
	for id := range p.subscribed {
		set[id] = struct{}{}
	}
	for _, id := range p.jobs.IDsByStatus(tracker.StatusProcessing) {
		set[id] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// activeOnly filters ids down to jobs that can still move to error.
func (p *PushTransport) activeOnly(ids []string) []string {
	active := make(map[string]struct{})
	for _, st := range []tracker.Status{tracker.StatusProcessing, tracker.StatusPaused} {
		for _, id := range p.jobs.IDsByStatus(st) {
			active[id] = struct{}{}
		}
	}
	out := ids[:0]
	for _, id := range ids {
		if _, ok := active[id]; ok {
			out = append(out, id)
		}
	}
	return out
}
