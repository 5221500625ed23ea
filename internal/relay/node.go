// Package relay hosts the libp2p node skillmesh signaling rides on. It owns
// the host, the GossipSub instance, and the per-topic join cache; the signal
// package decides what flows over the topics.
package relay

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"

	"github.com/petervdpas/skillmesh/internal/util"
)

func init() {
	// Silence noisy libp2p subsystems — dial failures and backoff errors
	// go to stderr by default and pollute terminal output.
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("autonat", "warn")
	logging.SetLogLevel("pubsub", "warn")
}

// Node is one peer on the signaling mesh.
type Node struct {
	Host host.Host
	ps   *pubsub.PubSub

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

type mdnsNotifee struct {
	h host.Host
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultConnectTimeout)
	defer cancel()
	_ = n.h.Connect(ctx, pi)
}

// loadOrCreateKey loads a persistent identity key from disk,
// or generates a new Ed25519 key and saves it on first run.
func loadOrCreateKey(keyFile string) (crypto.PrivKey, bool, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, false, nil
		}
		log.Printf("WARNING: corrupt identity key at %s: %v (generating new key)", keyFile, err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, false, err
	}

	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, false, fmt.Errorf("marshal identity key: %w", err)
	}

	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, false, fmt.Errorf("create key directory: %w", err)
		}
	}

	if err := os.WriteFile(keyFile, raw, 0600); err != nil {
		return nil, false, fmt.Errorf("save identity key: %w", err)
	}

	return priv, true, nil
}

// New starts a libp2p host with mDNS LAN discovery and a GossipSub router.
func New(ctx context.Context, listenPort int, keyFile, mdnsTag string) (*Node, error) {
	priv, isNew, err := loadOrCreateKey(keyFile)
	if err != nil {
		return nil, err
	}
	if isNew {
		log.Printf("RELAY: generated new identity key: %s", keyFile)
	} else {
		log.Printf("RELAY: loaded identity key: %s", keyFile)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", listenPort)),
	)
	if err != nil {
		return nil, err
	}

	// LAN discovery via mDNS so two peers on the same network find each
	// other without a bootstrap server.
	md := mdns.NewMdnsService(h, mdnsTag, &mdnsNotifee{h: h})
	if err := md.Start(); err != nil {
		_ = h.Close()
		return nil, err
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	return &Node{
		Host:   h,
		ps:     ps,
		topics: make(map[string]*pubsub.Topic),
	}, nil
}

// ID returns the node's peer id string.
func (n *Node) ID() string {
	return n.Host.ID().String()
}

// Join returns the pubsub topic with the given name, joining it on first use.
// GossipSub only allows one Join per topic per host, so joins are cached.
func (n *Node) Join(name string) (*pubsub.Topic, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if t, ok := n.topics[name]; ok {
		return t, nil
	}
	t, err := n.ps.Join(name)
	if err != nil {
		return nil, fmt.Errorf("join topic %s: %w", name, err)
	}
	n.topics[name] = t
	return t, nil
}

// Addrs returns the host's multiaddresses filtered to exclude loopback and
// link-local addresses — the set worth advertising to a remote party.
func (n *Node) Addrs() []string {
	var out []string
	for _, a := range n.Host.Addrs() {
		ip, err := manet.ToIP(a)
		if err != nil {
			continue
		}
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
			continue
		}
		out = append(out, a.String())
	}
	return out
}

// ConnectAddr dials a peer given one of its multiaddresses. Used to bridge
// islands when mDNS discovery is unavailable.
func (n *Node) ConnectAddr(ctx context.Context, addr string) error {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return fmt.Errorf("parse multiaddr: %w", err)
	}
	pi, err := peer.AddrInfoFromP2pAddr(m)
	if err != nil {
		return fmt.Errorf("addr info: %w", err)
	}
	return n.Host.Connect(ctx, *pi)
}

// Close shuts down all joined topics and the host.
func (n *Node) Close() error {
	n.mu.Lock()
	for name, t := range n.topics {
		if err := t.Close(); err != nil {
			log.Printf("RELAY: close topic %s: %v", name, err)
		}
	}
	n.topics = make(map[string]*pubsub.Topic)
	n.mu.Unlock()
	return n.Host.Close()
}
