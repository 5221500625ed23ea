package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultValidatesWithUserID(t *testing.T) {
	cfg := Default()
	cfg.Identity.UserID = "alice"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	base := func() Config {
		cfg := Default()
		cfg.Identity.UserID = "alice"
		return cfg
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty user id", func(c *Config) { c.Identity.UserID = " " }},
		{"empty key file", func(c *Config) { c.Identity.KeyFile = "" }},
		{"bad listen port", func(c *Config) { c.P2P.ListenPort = 70000 }},
		{"empty mdns tag", func(c *Config) { c.P2P.MdnsTag = "" }},
		{"empty topic prefix", func(c *Config) { c.P2P.SignalTopicPrefix = "" }},
		{"no ice servers", func(c *Config) { c.Call.ICEServers = nil }},
		{"bad ice url", func(c *Config) { c.Call.ICEServers = []string{"http://x"} }},
		{"zero ring timeout", func(c *Config) { c.Call.RingTimeoutSec = 0 }},
		{"zero attempts", func(c *Config) { c.Call.ConnectAttempts = 0 }},
		{"failed before disconnected", func(c *Config) {
			c.Call.ICEDisconnectedSec = 60
			c.Call.ICEFailedSec = 30
		}},
		{"zero media bounds", func(c *Config) { c.Media.MaxWidth = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestSaveLoadRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg := Default()
	cfg.Identity.UserID = "alice"
	cfg.Call.RingTimeoutSec = 30
	cfg.Media.PreferredCam = "front"

	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.Identity.UserID != "alice" || got.Call.RingTimeoutSec != 30 || got.Media.PreferredCam != "front" {
		t.Fatalf("roundtrip mismatch: %+v", got)
	}
}

func TestLoadStripsBOM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg := Default()
	cfg.Identity.UserID = "alice"
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	b, _ := os.ReadFile(path)
	if err := os.WriteFile(path, append([]byte{0xEF, 0xBB, 0xBF}, b...), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("BOM-prefixed config rejected: %v", err)
	}
	if got.Identity.UserID != "alice" {
		t.Fatalf("unexpected config %+v", got)
	}
}

func TestLoadedPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	partial := `{"identity": {"user_id": "alice", "key_file": "data/identity.key"}}`
	if err := os.WriteFile(path, []byte(partial), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	def := Default()
	if got.P2P.MdnsTag != def.P2P.MdnsTag {
		t.Fatalf("missing field not defaulted: %q", got.P2P.MdnsTag)
	}
	if got.Call.RingTimeoutSec != def.Call.RingTimeoutSec {
		t.Fatalf("missing field not defaulted: %d", got.Call.RingTimeoutSec)
	}
}

func TestEnsureCreatesThenLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg, created, err := Ensure(path, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Fatal("expected created=true on first Ensure")
	}
	if cfg.Identity.UserID != "alice" {
		t.Fatalf("user id not filled in: %q", cfg.Identity.UserID)
	}

	again, created, err := Ensure(path, "ignored")
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Fatal("expected created=false on second Ensure")
	}
	if again.Identity.UserID != "alice" {
		t.Fatalf("existing config overwritten: %q", again.Identity.UserID)
	}
}
