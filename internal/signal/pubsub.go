package signal

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	pubsub "github.com/libp2p/go-libp2p-pubsub"

	"github.com/petervdpas/skillmesh/internal/relay"
)

// PubSubChannel is the GossipSub-backed signaling channel. Each peer
// identifier owns one topic; a peer subscribes to its own topic and
// publishes to the recipient's. Late subscribers see no history.
type PubSubChannel struct {
	node   *relay.Node
	prefix string
	selfID string

	sub   *pubsub.Subscription
	mySub *pubsub.Topic

	listenerMu sync.RWMutex
	listeners  map[chan *Envelope]struct{}

	cancelCtx context.CancelFunc
	done      chan struct{}
}

// PubSubBinder creates per-session channel bindings on one mesh node.
type PubSubBinder struct {
	node   *relay.Node
	prefix string
}

// NewPubSubBinder wraps node as a signal.Binder.
func NewPubSubBinder(node *relay.Node, prefix string) *PubSubBinder {
	return &PubSubBinder{node: node, prefix: prefix}
}

// Bind joins the mesh topic for selfID.
func (b *PubSubBinder) Bind(ctx context.Context, selfID string) (Channel, error) {
	return NewPubSub(ctx, b.node, b.prefix, selfID)
}

// NewPubSub binds a signaling channel for selfID on the given mesh node.
// prefix namespaces topics so unrelated skillmesh deployments don't cross.
func NewPubSub(ctx context.Context, node *relay.Node, prefix, selfID string) (*PubSubChannel, error) {
	topic, err := node.Join(prefix + "." + selfID)
	if err != nil {
		return nil, err
	}
	sub, err := topic.Subscribe()
	if err != nil {
		return nil, err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	c := &PubSubChannel{
		node:      node,
		prefix:    prefix,
		selfID:    selfID,
		sub:       sub,
		mySub:     topic,
		listeners: make(map[chan *Envelope]struct{}),
		cancelCtx: cancel,
		done:      make(chan struct{}),
	}
	go c.readLoop(loopCtx)
	return c, nil
}

// SelfID returns the peer identifier this channel receives for.
func (c *PubSubChannel) SelfID() string { return c.selfID }

// Send publishes env to the recipient's topic.
func (c *PubSubChannel) Send(ctx context.Context, env *Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrRelayUnavailable
	default:
	}

	topic, err := c.node.Join(c.prefix + "." + env.To)
	if err != nil {
		return ErrRelayUnavailable
	}
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := topic.Publish(ctx, b); err != nil {
		log.Printf("SIGNAL: publish to %s failed: %v", env.To, err)
		return ErrRelayUnavailable
	}
	return nil
}

// Subscribe registers a listener for envelopes addressed to SelfID.
func (c *PubSubChannel) Subscribe() (chan *Envelope, func()) {
	ch := make(chan *Envelope, 64)

	c.listenerMu.Lock()
	c.listeners[ch] = struct{}{}
	c.listenerMu.Unlock()

	cancel := func() {
		c.listenerMu.Lock()
		if _, ok := c.listeners[ch]; ok {
			delete(c.listeners, ch)
			close(ch)
		}
		c.listenerMu.Unlock()
	}
	return ch, cancel
}

func (c *PubSubChannel) readLoop(ctx context.Context) {
	for {
		m, err := c.sub.Next(ctx)
		if err != nil {
			return
		}

		var env Envelope
		if err := json.Unmarshal(m.Data, &env); err != nil {
			continue
		}
		if env.Validate() != nil {
			continue
		}
		// Drop self-echo — a shared broadcast topic reflects our own
		// publishes, and replaying our SDP back at us would corrupt the
		// peer connection.
		if env.From == c.selfID {
			continue
		}
		if env.To != c.selfID {
			continue
		}

		c.listenerMu.RLock()
		for ch := range c.listeners {
			select {
			case ch <- &env:
			default:
			}
		}
		c.listenerMu.RUnlock()
	}
}

// Close detaches the channel from the mesh and closes all listener feeds.
func (c *PubSubChannel) Close() error {
	select {
	case <-c.done:
		return nil
	default:
		close(c.done)
	}
	c.cancelCtx()
	c.sub.Cancel()

	c.listenerMu.Lock()
	for ch := range c.listeners {
		close(ch)
	}
	c.listeners = make(map[chan *Envelope]struct{})
	c.listenerMu.Unlock()
	return nil
}
