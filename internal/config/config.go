package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/petervdpas/skillmesh/internal/util"
)

type Config struct {
	Identity Identity `json:"identity"`
	P2P      P2P      `json:"p2p"`
	Call     Call     `json:"call"`
	Media    Media    `json:"media"`
	Store    Store    `json:"store"`
}

type Identity struct {
	// UserID is the stable application-level user identifier, assigned by
	// the (out-of-scope) account flow. Peer identifiers are derived from it.
	UserID  string `json:"user_id"`
	KeyFile string `json:"key_file"`
}

type P2P struct {
	ListenPort int    `json:"listen_port"`
	MdnsTag    string `json:"mdns_tag"`

	// SignalTopicPrefix namespaces per-peer signaling topics on the mesh.
	SignalTopicPrefix string `json:"signal_topic_prefix"`
}

type Call struct {
	// STUN/TURN servers handed to the peer connection.
	ICEServers []string `json:"ice_servers"`

	// RingTimeoutSec bounds how long an outbound call waits in "calling"
	// before it is abandoned as unanswered.
	RingTimeoutSec int `json:"ring_timeout_sec"`

	// Connection retry policy: attempts and base delay for exponential backoff.
	ConnectAttempts    int `json:"connect_attempts"`
	ConnectBaseDelayMs int `json:"connect_base_delay_ms"`

	// ICE disconnect grace (seconds). A brief relay/NAT hiccup should not
	// immediately terminate the call; the default Pion disconnectedTimeout
	// of 5s is far too short for relay paths.
	ICEDisconnectedSec int `json:"ice_disconnected_sec"`
	ICEFailedSec       int `json:"ice_failed_sec"`
}

type Media struct {
	PreferredCam  string `json:"preferred_cam"`
	PreferredMic  string `json:"preferred_mic"`
	VideoDisabled bool   `json:"video_disabled"` // audio-only mode (e.g., Linux WebKitGTK limitation)
	MaxWidth      int    `json:"max_width"`
	MaxHeight     int    `json:"max_height"`
}

type Store struct {
	// DBPath is the SQLite file holding session records. Relative to the
	// config directory. Empty means in-memory.
	DBPath string `json:"db_path"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			KeyFile: "data/identity.key",
		},
		P2P: P2P{
			ListenPort:        0,
			MdnsTag:           "skillmesh-mdns",
			SignalTopicPrefix: "skillmesh.signal.v1",
		},
		Call: Call{
			ICEServers:         []string{"stun:stun.l.google.com:19302"},
			RingTimeoutSec:     45,
			ConnectAttempts:    3,
			ConnectBaseDelayMs: 1000,
			ICEDisconnectedSec: 30,
			ICEFailedSec:       120,
		},
		Media: Media{
			MaxWidth:  640,
			MaxHeight: 480,
		},
		Store: Store{
			DBPath: "data/sessions.db",
		},
	}
}

func (c *Config) Validate() error {
	// Identity
	if strings.TrimSpace(c.Identity.UserID) == "" {
		return errors.New("identity.user_id is required")
	}
	if strings.TrimSpace(c.Identity.KeyFile) == "" {
		return errors.New("identity.key_file is required")
	}

	// P2P
	if c.P2P.ListenPort < 0 || c.P2P.ListenPort > 65535 {
		return errors.New("p2p.listen_port must be 0..65535")
	}
	if strings.TrimSpace(c.P2P.MdnsTag) == "" {
		return errors.New("p2p.mdns_tag is required")
	}
	if strings.TrimSpace(c.P2P.SignalTopicPrefix) == "" {
		return errors.New("p2p.signal_topic_prefix is required")
	}

	// Call
	if len(c.Call.ICEServers) == 0 {
		return errors.New("call.ice_servers must list at least one server")
	}
	for _, s := range c.Call.ICEServers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "turn:") && !strings.HasPrefix(s, "turns:") {
			return fmt.Errorf("call.ice_servers: %q must be a stun:/turn:/turns: URL", s)
		}
	}
	if c.Call.RingTimeoutSec <= 0 {
		return errors.New("call.ring_timeout_sec must be > 0")
	}
	if c.Call.ConnectAttempts <= 0 {
		return errors.New("call.connect_attempts must be > 0")
	}
	if c.Call.ConnectBaseDelayMs <= 0 {
		return errors.New("call.connect_base_delay_ms must be > 0")
	}
	if c.Call.ICEDisconnectedSec <= 0 {
		return errors.New("call.ice_disconnected_sec must be > 0")
	}
	if c.Call.ICEFailedSec <= c.Call.ICEDisconnectedSec {
		return errors.New("call.ice_failed_sec must be > call.ice_disconnected_sec")
	}

	// Media
	if c.Media.MaxWidth <= 0 || c.Media.MaxHeight <= 0 {
		return errors.New("media.max_width and media.max_height must be > 0")
	}

	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file
// with the given user id filled in. Returns (cfg, createdNew, err).
func Ensure(path, userID string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	cfg.Identity.UserID = userID
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
