package channel

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-job-tracker/internal/connectivity"
)

// Channel binds a Transport to the environment: it suspends while offline and
// reconnects on its own when the network returns or the process is foregrounded.
type Channel struct {
	transport Transport
	monitor   *connectivity.Monitor
	logger    *zap.Logger

	mu        sync.Mutex
	ctx       context.Context
	started   bool
	suspended bool
	unsub     func()
}

// ChannelStatus is the transport status plus the environment view.
type ChannelStatus struct {
	Status
	Suspended bool `json:"suspended"`
}

// New builds a Channel. monitor may be nil, in which case the channel never
// suspends.
func New(transport Transport, monitor *connectivity.Monitor, logger *zap.Logger) *Channel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Channel{transport: transport, monitor: monitor, logger: logger}
}

// Start connects the transport if the environment allows it and begins
// following environment transitions. ctx bounds every connection the channel
// makes.
func (c *Channel) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.ctx = ctx
	capable := true
	if c.monitor != nil {
		capable = c.monitor.State().Online
		c.unsub = c.monitor.Subscribe(c.onTransition)
	}
	c.suspended = !capable
	c.mu.Unlock()

	if !capable {
		c.logger.Info("update channel waiting for network")
		return nil
	}
	return c.transport.Connect(ctx)
}

// Close stops following the environment and disconnects.
func (c *Channel) Close() {
	c.mu.Lock()
	unsub := c.unsub
	c.unsub = nil
	c.started = false
	c.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	c.transport.Disconnect()
}

// Refresh forces an update round. A stopped or exhausted transport is
// reconnected under the channel's own context; ctx only bounds the immediate
// round. It is a no-op before Start and while suspended.
func (c *Channel) Refresh(ctx context.Context) error {
	lifetime, ok := c.capable()
	if !ok {
		return nil
	}
	if !c.transport.Status().Active {
		c.logger.Info("update channel stopped, reconnecting on refresh")
		return c.transport.Connect(lifetime)
	}
	return c.transport.Refresh(ctx)
}

// Activate reconnects the transport if it stopped or gave up, so newly
// subscribed jobs receive updates. It is a no-op before Start, while
// suspended and while the transport is running, backoff included.
func (c *Channel) Activate() error {
	lifetime, ok := c.capable()
	if !ok || c.transport.Status().Active {
		return nil
	}
	c.logger.Info("update channel stopped, reconnecting for new work")
	return c.transport.Connect(lifetime)
}

// capable returns the channel's context when it is started and not suspended.
func (c *Channel) capable() (context.Context, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started || c.suspended {
		return nil, false
	}
	return c.ctx, true
}

// Subscribe follows job ids.
func (c *Channel) Subscribe(ids ...string) { c.transport.Subscribe(ids...) }

// Unsubscribe stops following job ids.
func (c *Channel) Unsubscribe(ids ...string) { c.transport.Unsubscribe(ids...) }

// Status reports the channel state.
func (c *Channel) Status() ChannelStatus {
	c.mu.Lock()
	suspended := c.suspended
	c.mu.Unlock()
	return ChannelStatus{Status: c.transport.Status(), Suspended: suspended}
}

func (c *Channel) onTransition(t connectivity.Transition) {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	ctx := c.ctx
	switch {
	case t.WentOffline():
		c.suspended = true
		c.mu.Unlock()
		c.logger.Info("network lost, suspending update channel")
		c.transport.Disconnect()
	case t.CameOnline(), t.Foregrounded() && t.Current.Online:
		c.suspended = false
		c.mu.Unlock()
		c.logger.Info("environment capable again, reconnecting update channel")
		if err := c.transport.Connect(ctx); err != nil {
			c.logger.Warn("reconnect failed", zap.Error(err))
		}
	default:
		c.mu.Unlock()
	}
}
