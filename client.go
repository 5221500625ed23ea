// Package skillmesh wires the call subsystem together: config, session
// store, relay node, signaling, media, and the call manager. The page UI
// talks to a Client either directly or over the localhost HTTP surface.
package skillmesh

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/petervdpas/skillmesh/internal/bootstrap"
	"github.com/petervdpas/skillmesh/internal/call"
	"github.com/petervdpas/skillmesh/internal/config"
	"github.com/petervdpas/skillmesh/internal/media"
	"github.com/petervdpas/skillmesh/internal/registry"
	"github.com/petervdpas/skillmesh/internal/relay"
	"github.com/petervdpas/skillmesh/internal/rtc"
	"github.com/petervdpas/skillmesh/internal/session"
	"github.com/petervdpas/skillmesh/internal/signal"
	"github.com/petervdpas/skillmesh/internal/util"
	"github.com/petervdpas/skillmesh/internal/viewer"
)

// Options tunes client construction. Zero values take the config file's
// settings; the injectable fields exist for embedding and tests.
type Options struct {
	ConfigPath string
	UserID     string // used when the config file is created fresh

	// Store overrides the SQLite store (e.g. a hosted backend client).
	Store session.Store

	// Binder overrides the pubsub signaling backend.
	Binder signal.Binder

	// Acquirer overrides platform capture.
	Acquirer media.Acquirer
}

// Client is the public face of the call subsystem.
type Client struct {
	cfgMu sync.RWMutex
	cfg   config.Config

	cfgPath string
	store   session.Store
	node    *relay.Node
	mediaU  *media.Unit
	calls   *call.Manager
	watcher *config.Watcher
	logs    *viewer.LogBuffer

	ownStore bool
	closed   bool
	mu       sync.Mutex
}

// New builds and starts a client: config is ensured on disk, the session
// store opened, the relay node brought up, and the call manager started.
func New(ctx context.Context, opts Options) (*Client, error) {
	if opts.ConfigPath == "" {
		opts.ConfigPath = "config.json"
	}
	cfg, created, err := config.Ensure(opts.ConfigPath, opts.UserID)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if created {
		log.Printf("CONFIG: wrote defaults to %s", opts.ConfigPath)
	}
	baseDir := filepath.Dir(opts.ConfigPath)

	c := &Client{cfg: cfg, cfgPath: opts.ConfigPath}

	store := opts.Store
	if store == nil {
		dbPath := ":memory:"
		if cfg.Store.DBPath != "" {
			dbPath = util.ResolvePath(baseDir, cfg.Store.DBPath)
		}
		s, err := session.Open(dbPath)
		if err != nil {
			return nil, fmt.Errorf("session store: %w", err)
		}
		store = s
		c.ownStore = true
	}
	c.store = store

	binder := opts.Binder
	if binder == nil {
		node, err := relay.New(ctx, cfg.P2P.ListenPort,
			util.ResolvePath(baseDir, cfg.Identity.KeyFile), cfg.P2P.MdnsTag)
		if err != nil {
			c.cleanupPartial()
			return nil, fmt.Errorf("relay node: %w", err)
		}
		c.node = node
		binder = signal.NewPubSubBinder(node, cfg.P2P.SignalTopicPrefix)
	}

	acq := opts.Acquirer
	if acq == nil {
		acq = media.DefaultAcquirer()
	}
	c.mediaU = media.NewUnit(acq, mediaPrefs(cfg.Media))

	rtcCfg := rtcConfig(cfg.Call)
	build := func(sessionID int64, selfPeer, remotePeer string, initiator bool,
		dev media.Device, ch signal.Channel, sink chan<- registry.DriverEvent) (registry.PeerDriver, error) {
		return rtc.NewDriver(rtcCfg, sessionID, selfPeer, remotePeer, initiator, dev, ch, sink)
	}

	c.calls = call.New(call.Options{
		SelfUserID: cfg.Identity.UserID,
		Store:      store,
		Binder:     binder,
		Media:      c.mediaU,
		Build:      build,
		Backoff: bootstrap.Backoff{
			MaxAttempts: cfg.Call.ConnectAttempts,
			BaseDelay:   time.Duration(cfg.Call.ConnectBaseDelayMs) * time.Millisecond,
			Jitter:      0.2,
		},
		RingTimeout: time.Duration(cfg.Call.RingTimeoutSec) * time.Second,
	})

	// Hot-reload of non-structural settings: device preferences apply to
	// the next acquisition, not a held stream.
	w, err := config.Watch(opts.ConfigPath, func(next config.Config) {
		c.cfgMu.Lock()
		c.cfg = next
		c.cfgMu.Unlock()
		c.mediaU.SetPrefs(mediaPrefs(next.Media))
	})
	if err != nil {
		log.Printf("CONFIG: watch disabled: %v", err)
	} else {
		c.watcher = w
	}

	return c, nil
}

func mediaPrefs(m config.Media) media.Prefs {
	return media.Prefs{
		PreferredCam:  m.PreferredCam,
		PreferredMic:  m.PreferredMic,
		VideoDisabled: m.VideoDisabled,
		MaxWidth:      m.MaxWidth,
		MaxHeight:     m.MaxHeight,
	}
}

func rtcConfig(c config.Call) rtc.Config {
	cfg := rtc.DefaultConfig()
	if len(c.ICEServers) > 0 {
		cfg.ICEServers = c.ICEServers
	}
	if c.ICEDisconnectedSec > 0 {
		cfg.DisconnectedTimeout = time.Duration(c.ICEDisconnectedSec) * time.Second
	}
	if c.ICEFailedSec > 0 {
		cfg.FailedTimeout = time.Duration(c.ICEFailedSec) * time.Second
	}
	return cfg
}

func (c *Client) cleanupPartial() {
	if c.ownStore && c.store != nil {
		_ = c.store.Close()
	}
}

// UserID returns the local application-level user id.
func (c *Client) UserID() string {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()
	return c.cfg.Identity.UserID
}

// Config returns the current effective configuration.
func (c *Client) Config() config.Config {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()
	return c.cfg
}

// Calls exposes the call manager: state commands and event feeds.
func (c *Client) Calls() *call.Manager { return c.calls }

// Sessions exposes the session store.
func (c *Client) Sessions() session.Store { return c.store }

// Node returns the relay node, nil when a custom Binder was injected.
func (c *Client) Node() *relay.Node { return c.node }

// RequestSession creates a pending session asking hostID to teach skill.
func (c *Client) RequestSession(ctx context.Context, hostID, skill string, mode session.Mode) (*session.Session, error) {
	return c.store.CreateSession(ctx, hostID, c.UserID(), skill, mode)
}

// CaptureLogs routes the process log through a ring buffer served on the
// HTTP surface. Returns the buffer so the caller can tee elsewhere too.
func (c *Client) CaptureLogs(max int) *viewer.LogBuffer {
	if c.logs == nil {
		c.logs = viewer.NewLogBuffer(max)
	}
	return c.logs
}

// RegisterRoutes mounts the localhost API for the page UI on mux.
func (c *Client) RegisterRoutes(mux *http.ServeMux) {
	viewer.RegisterRoutes(mux, viewer.Viewer{
		SelfID:  c.UserID(),
		Store:   c.store,
		Calls:   c.calls,
		Node:    c.node,
		CfgPath: c.cfgPath,
		Cfg:     c.Config,
		Logs:    c.logs,
	})
}

// Serve runs the localhost HTTP surface until the listener fails.
func (c *Client) Serve(addr string) error {
	mux := http.NewServeMux()
	c.RegisterRoutes(mux)
	log.Printf("VIEWER: serving on %s", addr)
	return http.ListenAndServe(addr, mux)
}

// Close is the page-unload path: hang up everything, then release the
// layers in dependency order.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if c.watcher != nil {
		_ = c.watcher.Close()
	}
	c.calls.Shutdown(ctx)
	var firstErr error
	if c.node != nil {
		if err := c.node.Close(); err != nil {
			firstErr = err
		}
	}
	if c.ownStore {
		if err := c.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
