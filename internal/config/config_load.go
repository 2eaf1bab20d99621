package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Channels: ChannelsConfig{
			IMessage: IMessageConfig{
				IMessageAccountConfig: IMessageAccountConfig{
					DMPolicy:       DefaultDMPolicy,
					PollIntervalMs: DefaultPollIntervalMs,
					DBPath:         DefaultChatDBPath,
					Service:        DefaultService,
				},
			},
		},
		Dispatch: DispatchConfig{
			Mode:       "gateway",
			GatewayURL: "ws://127.0.0.1:18790/ws",
			AgentID:    "default",
			TimeoutSec: 120,
		},
		State: StateConfig{
			Dir: "~/.goclaw/imessage",
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "goclaw-imessage",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envBool := func(key string, dst **bool) {
		if v := os.Getenv(key); v != "" {
			b := v == "true" || v == "1"
			*dst = &b
		}
	}

	im := &c.Channels.IMessage.IMessageAccountConfig
	envBool("GOCLAW_IMESSAGE_ENABLED", &im.Enabled)
	envStr("GOCLAW_IMESSAGE_DM_POLICY", &im.DMPolicy)
	envStr("GOCLAW_IMESSAGE_DB_PATH", &im.DBPath)
	if v := os.Getenv("GOCLAW_IMESSAGE_ALLOW_FROM"); v != "" {
		im.AllowFrom = splitCSV(v)
	}
	if v := os.Getenv("GOCLAW_IMESSAGE_POLL_INTERVAL_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			im.PollIntervalMs = ms
		}
	}

	// Dispatch
	envStr("GOCLAW_IMESSAGE_DISPATCH_MODE", &c.Dispatch.Mode)
	envStr("GOCLAW_IMESSAGE_GATEWAY_URL", &c.Dispatch.GatewayURL)
	envStr("GOCLAW_IMESSAGE_GATEWAY_TOKEN", &c.Dispatch.Token)
	envStr("GOCLAW_IMESSAGE_AGENT_ID", &c.Dispatch.AgentID)

	// State & metrics
	envStr("GOCLAW_IMESSAGE_STATE_DIR", &c.State.Dir)
	envStr("GOCLAW_IMESSAGE_METRICS_LISTEN", &c.Metrics.Listen)

	// Telemetry
	envStr("GOCLAW_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("GOCLAW_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("GOCLAW_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("GOCLAW_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("GOCLAW_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}
}

// Save writes the config to a JSON file.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Hash returns a short SHA-256 of the config, used to skip no-op reloads.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
