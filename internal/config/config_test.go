package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	acc := cfg.ResolveIMessageAccount("")
	if acc.Enabled {
		t.Error("enabled should default to false")
	}
	if acc.DMPolicy != "allowlist" {
		t.Errorf("dmPolicy = %q, want allowlist", acc.DMPolicy)
	}
	if acc.PollInterval != time.Second {
		t.Errorf("poll interval = %v, want 1s", acc.PollInterval)
	}
	if !acc.IncludeTapbacks || !acc.ResolveContactNames {
		t.Error("tapbacks and contact resolution should default to true")
	}
	if len(acc.AllowFrom) != 0 {
		t.Errorf("allowFrom = %v, want empty", acc.AllowFrom)
	}
}

func TestLoad_JSON5AndAccountOverlay(t *testing.T) {
	path := writeConfig(t, `{
		// trailing commas and comments are fine
		channels: { imessage: {
			enabled: true,
			allowFrom: [15551234567, "+15559876543"],
			pollIntervalMs: 2500,
			includeTapbacks: false,
			accounts: {
				work: { dmPolicy: "open", pollIntervalMs: 500 },
				zeta: { enabled: false },
			},
		} },
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	ids := cfg.IMessageAccountIDs()
	want := []string{"default", "work", "zeta"}
	if len(ids) != len(want) {
		t.Fatalf("account ids = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("account ids = %v, want %v", ids, want)
		}
	}

	def := cfg.ResolveIMessageAccount("default")
	if !def.Enabled || def.PollInterval != 2500*time.Millisecond || def.IncludeTapbacks {
		t.Errorf("default account not resolved from file: %+v", def)
	}
	if len(def.AllowFrom) != 2 || def.AllowFrom[0] != "15551234567" {
		t.Errorf("allowFrom = %v", def.AllowFrom)
	}

	work := cfg.ResolveIMessageAccount("work")
	if work.DMPolicy != "open" || work.PollInterval != 500*time.Millisecond {
		t.Errorf("work overlay not applied: %+v", work)
	}
	if !work.Enabled || work.IncludeTapbacks {
		t.Errorf("work should inherit enabled/includeTapbacks: %+v", work)
	}

	if cfg.ResolveIMessageAccount("zeta").Enabled {
		t.Error("zeta should be disabled by its overlay")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("GOCLAW_IMESSAGE_ALLOW_FROM", "+15551234567, *")
	t.Setenv("GOCLAW_IMESSAGE_GATEWAY_TOKEN", "secret")
	t.Setenv("GOCLAW_IMESSAGE_ENABLED", "1")

	cfg, err := Load(writeConfig(t, `{}`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	acc := cfg.ResolveIMessageAccount("default")
	if !acc.Enabled {
		t.Error("env should enable the channel")
	}
	if len(acc.AllowFrom) != 2 || acc.AllowFrom[1] != "*" {
		t.Errorf("allowFrom = %v", acc.AllowFrom)
	}
	if cfg.Dispatch.Token != "secret" {
		t.Errorf("token = %q", cfg.Dispatch.Token)
	}
}

func TestResolveAccount_ClampsPollInterval(t *testing.T) {
	cfg := Default()
	cfg.Channels.IMessage.PollIntervalMs = 5
	if got := cfg.ResolveIMessageAccount("").PollInterval; got != 100*time.Millisecond {
		t.Errorf("poll interval = %v, want clamp to 100ms", got)
	}
}

func TestHash_ChangesWithContent(t *testing.T) {
	a := Default()
	b := Default()
	if a.Hash() != b.Hash() {
		t.Fatal("identical configs hash differently")
	}
	b.Channels.IMessage.DMPolicy = "open"
	if a.Hash() == b.Hash() {
		t.Fatal("hash did not change")
	}
}

func TestExpandHome(t *testing.T) {
	home, _ := os.UserHomeDir()
	if got := ExpandHome("~/x"); got != home+"/x" {
		t.Errorf("ExpandHome = %q", got)
	}
	if got := ExpandHome("/abs"); got != "/abs" {
		t.Errorf("ExpandHome = %q", got)
	}
}
