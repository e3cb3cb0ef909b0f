// Package rosbridge is a client for the rosbridge v2 protocol: ROS topics,
// services and parameters over a single WebSocket.
//
// This package handles:
//   - Session management with retry on the initial connect
//   - Service calls correlated by request id
//   - Topic subscriptions, optionally CBOR-compressed
//   - Advertised publishers with a bounded drop-oldest queue
//   - Parameter lookup and service discovery through rosapi
package rosbridge

import (
	"fmt"
	"net/url"
	"time"
)

// Compression modes accepted by rosbridge subscriptions.
const (
	CompressionNone = "none"
	CompressionCBOR = "cbor"
)

// Config holds rosbridge client configuration.
type Config struct {
	// URL is the rosbridge WebSocket endpoint.
	// Examples: "ws://localhost:9090", "ws://192.168.1.20:9090"
	URL string `yaml:"url" json:"url"`

	// ReconnectInterval is the pause between ConnectWithRetry attempts.
	ReconnectInterval time.Duration `yaml:"reconnect_interval" json:"reconnect_interval"`

	// MaxReconnectAttempts is the maximum number of connection attempts.
	// 0 means unlimited.
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts" json:"max_reconnect_attempts"`

	// CallTimeout bounds each service call. 0 leaves calls bounded only by
	// the caller's context.
	CallTimeout time.Duration `yaml:"call_timeout" json:"call_timeout"`

	// ServicePollInterval is how often WaitForService asks rosapi again.
	ServicePollInterval time.Duration `yaml:"service_poll_interval" json:"service_poll_interval"`

	// Compression is requested on every subscription.
	// Options: "none", "cbor"
	Compression string `yaml:"compression" json:"compression"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:                  "ws://localhost:9090",
		ReconnectInterval:    2 * time.Second,
		MaxReconnectAttempts: 0, // Unlimited
		ServicePollInterval:  500 * time.Millisecond,
		Compression:          CompressionNone,
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", c.URL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("url scheme must be 'ws' or 'wss', got '%s'", u.Scheme)
	}
	if c.Compression != "" && c.Compression != CompressionNone && c.Compression != CompressionCBOR {
		return fmt.Errorf("compression must be 'none' or 'cbor', got '%s'", c.Compression)
	}
	if c.ServicePollInterval <= 0 {
		return fmt.Errorf("service_poll_interval must be positive")
	}
	if c.CallTimeout < 0 {
		return fmt.Errorf("call_timeout must not be negative")
	}
	return nil
}
