package signal

import (
	"context"
	"sync"
)

// LoopbackChannel is an in-process Channel joined to a shared bus. It mirrors
// the relay semantics the call stack is written against: best-effort delivery,
// no ordering guarantee across kinds, self-echo dropped. Tests use it to run
// two full call stacks in one process.
type LoopbackChannel struct {
	bus    *LoopbackBus
	selfID string

	mu        sync.Mutex
	listeners map[chan *Envelope]struct{}
	down      bool
	closed    bool
}

type LoopbackBus struct {
	mu    sync.Mutex
	peers map[string]*LoopbackChannel
}

// NewLoopbackBus creates an empty in-process bus.
func NewLoopbackBus() *LoopbackBus {
	return &LoopbackBus{peers: make(map[string]*LoopbackChannel)}
}

// Bind joins the bus as selfID, satisfying Binder.
func (b *LoopbackBus) Bind(_ context.Context, selfID string) (Channel, error) {
	return b.join(selfID), nil
}

// NewLoopbackPair wires two channels to a fresh shared bus.
func NewLoopbackPair(aID, bID string) (*LoopbackChannel, *LoopbackChannel) {
	bus := NewLoopbackBus()
	return bus.join(aID), bus.join(bID)
}

func (b *LoopbackBus) join(selfID string) *LoopbackChannel {
	c := &LoopbackChannel{
		bus:       b,
		selfID:    selfID,
		listeners: make(map[chan *Envelope]struct{}),
	}
	b.mu.Lock()
	b.peers[selfID] = c
	b.mu.Unlock()
	return c
}

// SelfID returns the peer identifier this channel receives for.
func (c *LoopbackChannel) SelfID() string { return c.selfID }

// SetDown simulates a relay outage: Send fails with ErrRelayUnavailable
// until SetDown(false).
func (c *LoopbackChannel) SetDown(down bool) {
	c.mu.Lock()
	c.down = down
	c.mu.Unlock()
}

// Send delivers env to the recipient's listeners, if the recipient exists.
// Unknown recipients are dropped silently, like an unsubscribed topic.
func (c *LoopbackChannel) Send(_ context.Context, env *Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	down, closed := c.down, c.closed
	c.mu.Unlock()
	if down || closed {
		return ErrRelayUnavailable
	}
	if env.From == env.To {
		return nil
	}

	c.bus.mu.Lock()
	dst := c.bus.peers[env.To]
	c.bus.mu.Unlock()
	if dst == nil {
		return nil
	}
	dst.deliver(env)
	return nil
}

func (c *LoopbackChannel) deliver(env *Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || env.To != c.selfID || env.From == c.selfID {
		return
	}
	for ch := range c.listeners {
		select {
		case ch <- env:
		default:
		}
	}
}

// Subscribe registers a listener for envelopes addressed to SelfID.
func (c *LoopbackChannel) Subscribe() (chan *Envelope, func()) {
	ch := make(chan *Envelope, 64)
	c.mu.Lock()
	c.listeners[ch] = struct{}{}
	c.mu.Unlock()

	cancel := func() {
		c.mu.Lock()
		if _, ok := c.listeners[ch]; ok {
			delete(c.listeners, ch)
			close(ch)
		}
		c.mu.Unlock()
	}
	return ch, cancel
}

// Close detaches from the bus and closes all listener feeds.
func (c *LoopbackChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for ch := range c.listeners {
		close(ch)
	}
	c.listeners = make(map[chan *Envelope]struct{})
	c.mu.Unlock()

	c.bus.mu.Lock()
	delete(c.bus.peers, c.selfID)
	c.bus.mu.Unlock()
	return nil
}
