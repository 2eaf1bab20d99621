package config

import (
	"encoding/json"
	"fmt"
	"sync"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
// Phone numbers are often written unquoted in allow lists.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the iMessage bridge.
type Config struct {
	Channels  ChannelsConfig  `json:"channels"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	State     StateConfig     `json:"state"`
	Metrics   MetricsConfig   `json:"metrics,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	mu        sync.RWMutex
}

// DispatchConfig selects and configures the agent pipeline inbound messages are handed to.
type DispatchConfig struct {
	Mode       string   `json:"mode,omitempty"`       // "gateway" (default), "command", "echo"
	GatewayURL string   `json:"gatewayUrl,omitempty"` // e.g. ws://127.0.0.1:18790/ws
	Token      string   `json:"-"`                    // from env GOCLAW_IMESSAGE_GATEWAY_TOKEN only
	AgentID    string   `json:"agentId,omitempty"`    // default "default"
	Command    []string `json:"command,omitempty"`    // argv for mode "command"
	TimeoutSec int      `json:"timeoutSec,omitempty"` // per-event pipeline timeout (default 120)
}

// StateConfig locates the bridge's persisted state (watermarks, leases).
type StateConfig struct {
	Dir string `json:"dir,omitempty"` // default ~/.goclaw/imessage
}

// MetricsConfig configures the optional Prometheus endpoint.
type MetricsConfig struct {
	Listen string `json:"listen,omitempty"` // e.g. "127.0.0.1:9464"; empty = disabled
}

// TelemetryConfig configures OpenTelemetry export for traces and spans.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`     // enable OTLP export (default false)
	Endpoint    string            `json:"endpoint,omitempty"`    // OTLP endpoint (e.g. "localhost:4317")
	Protocol    string            `json:"protocol,omitempty"`    // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`    // plaintext transport (local collectors)
	ServiceName string            `json:"serviceName,omitempty"` // default "goclaw-imessage"
	Headers     map[string]string `json:"headers,omitempty"`     // extra headers (e.g. auth tokens)
}

// StateDir returns the expanded state directory.
func (c *Config) StateDir() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.State.Dir)
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
func (c *Config) ReplaceFrom(src *Config) {
	src.mu.RLock()
	defer src.mu.RUnlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Channels = src.Channels
	c.Dispatch = src.Dispatch
	c.State = src.State
	c.Metrics = src.Metrics
	c.Telemetry = src.Telemetry
}
