// Package config provides configuration management for the AI Studio proxy server.
// Settings are read from an optional YAML file and overridden by environment
// variables, so containerized deployments can run from environment alone.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// StreamingModeReal passes upstream SSE bytes to the client as they arrive.
const StreamingModeReal = "real"

// StreamingModeFake buffers the upstream response and emits a single SSE frame.
const StreamingModeFake = "fake"

// Config represents the application's configuration, loaded from a YAML file
// and overridden by environment variables.
type Config struct {
	// Host is the address the HTTP surface binds to.
	Host string `yaml:"host"`

	// Port is the TCP port the HTTP surface listens on.
	Port int `yaml:"port"`

	// APIKeys is a list of keys for authenticating clients to this proxy server.
	APIKeys []string `yaml:"api-keys"`

	// AuthDir is the directory scanned for identity snapshot files (auth-<n>.<ext>).
	AuthDir string `yaml:"auth-dir"`

	// UpstreamHost is the AI Studio API host the Client Agent fetches from.
	UpstreamHost string `yaml:"upstream-host"`

	// StreamingMode selects "real" or "fake" streaming. See StreamingMode* constants.
	StreamingMode string `yaml:"streaming-mode"`

	// ForceThinking injects {includeThoughts:true} when an OpenAI-format request
	// carries no thinking config; native Gemini requests are left as sent.
	ForceThinking bool `yaml:"force-thinking"`

	// ForceWebSearch appends a googleSearch tool entry to OpenAI-format requests
	// that lack one; native Gemini requests are left as sent.
	ForceWebSearch bool `yaml:"force-web-search"`

	// ForceURLContext appends a urlContext tool entry to OpenAI-format requests
	// that lack one; native Gemini requests are left as sent.
	ForceURLContext bool `yaml:"force-url-context"`

	// MaxRetries bounds dispatch attempts per client request.
	MaxRetries int `yaml:"max-retries"`

	// RetryDelayMS is the sleep between dispatch attempts, in milliseconds.
	RetryDelayMS int `yaml:"retry-delay"`

	// SwitchOnUses rotates the active identity after this many dispatched
	// requests. 0 disables use-based rotation.
	SwitchOnUses int `yaml:"switch-on-uses"`

	// FailureThreshold rotates the active identity after this many consecutive
	// failures. 0 disables failure-based rotation.
	FailureThreshold int `yaml:"failure-threshold"`

	// ImmediateSwitchStatusCodes lists upstream statuses that force a rotation
	// on the current request instead of a local retry.
	ImmediateSwitchStatusCodes []int `yaml:"immediate-switch-status-codes"`

	// ProxyURL is the URL of an optional proxy server for the agent's outbound requests.
	ProxyURL string `yaml:"proxy-url"`

	// NoBrowserAgent executes request descriptors in-process instead of
	// delegating to a page-resident agent in a launched browser.
	NoBrowserAgent bool `yaml:"no-browser-agent"`

	// LoggingToFile switches log output from stdout to a rotating file sink.
	LoggingToFile bool `yaml:"logging-to-file"`
}

// DefaultUpstreamHost is the AI Studio generative API edge.
const DefaultUpstreamHost = "alkalimakersuite-pa.clients6.google.com"

// defaults returns a Config populated with the documented default values.
func defaults() *Config {
	return &Config{
		Host:                       "0.0.0.0",
		Port:                       2048,
		AuthDir:                    "auth",
		UpstreamHost:               DefaultUpstreamHost,
		StreamingMode:              StreamingModeReal,
		MaxRetries:                 3,
		RetryDelayMS:               2000,
		ImmediateSwitchStatusCodes: []int{429, 503},
	}
}

// LoadConfig reads the YAML file at path (if present) and applies environment
// overrides. A missing file is not an error; environment-only deployments are
// supported.
func LoadConfig(path string) (*Config, error) {
	cfg := defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if errUnmarshal := yaml.Unmarshal(data, cfg); errUnmarshal != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, errUnmarshal)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if cfg.StreamingMode != StreamingModeReal && cfg.StreamingMode != StreamingModeFake {
		return nil, fmt.Errorf("config: invalid streaming mode %q", cfg.StreamingMode)
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	return cfg, nil
}

// applyEnvOverrides mutates cfg with any environment variables that are set.
func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("HOST")); v != "" {
		cfg.Host = v
	}
	if v, ok := envInt("PORT"); ok {
		cfg.Port = v
	}
	if v := strings.TrimSpace(os.Getenv("API_KEYS")); v != "" {
		cfg.APIKeys = splitCSV(v)
	}
	if v := strings.TrimSpace(os.Getenv("AUTH_DIR")); v != "" {
		cfg.AuthDir = v
	}
	if v := strings.TrimSpace(os.Getenv("UPSTREAM_HOST")); v != "" {
		cfg.UpstreamHost = v
	}
	if v := strings.TrimSpace(os.Getenv("STREAMING_MODE")); v != "" {
		cfg.StreamingMode = strings.ToLower(v)
	}
	if v, ok := envBool("FORCE_THINKING"); ok {
		cfg.ForceThinking = v
	}
	if v, ok := envBool("FORCE_WEB_SEARCH"); ok {
		cfg.ForceWebSearch = v
	}
	if v, ok := envBool("FORCE_URL_CONTEXT"); ok {
		cfg.ForceURLContext = v
	}
	if v, ok := envInt("MAX_RETRIES"); ok {
		cfg.MaxRetries = v
	}
	if v, ok := envInt("RETRY_DELAY"); ok {
		cfg.RetryDelayMS = v
	}
	if v, ok := envInt("SWITCH_ON_USES"); ok {
		cfg.SwitchOnUses = v
	}
	if v, ok := envInt("FAILURE_THRESHOLD"); ok {
		cfg.FailureThreshold = v
	}
	if v := strings.TrimSpace(os.Getenv("IMMEDIATE_SWITCH_STATUS_CODES")); v != "" {
		var codes []int
		for _, item := range splitCSV(v) {
			if code, err := strconv.Atoi(item); err == nil {
				codes = append(codes, code)
			}
		}
		if len(codes) > 0 {
			cfg.ImmediateSwitchStatusCodes = codes
		}
	}
	if v := strings.TrimSpace(os.Getenv("PROXY_URL")); v != "" {
		cfg.ProxyURL = v
	}
	if v, ok := envBool("NO_BROWSER_AGENT"); ok {
		cfg.NoBrowserAgent = v
	}
	if v, ok := envBool("LOGGING_TO_FILE"); ok {
		cfg.LoggingToFile = v
	}
}

func envInt(key string) (int, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envBool(key string) (bool, bool) {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return false, false
	}
	switch v {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	}
	return false, false
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
