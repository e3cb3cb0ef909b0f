// Package config provides configuration helpers for go-tagpose commands.
package config

import (
	"os"
	"strings"
)

// Defaults used when the environment does not say otherwise.
const (
	DefaultRosbridgeURL = "ws://localhost:9090"
	DefaultNamespace    = "apriltag"
	DefaultLogLevel     = "info"
	DefaultWebPort      = "8090"
)

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// RosbridgeURL returns the rosbridge WebSocket URL from ROSBRIDGE_URL.
func RosbridgeURL() string {
	return envOr("ROSBRIDGE_URL", DefaultRosbridgeURL)
}

// Namespace returns the AprilTag namespace from APRILTAG_NS.
func Namespace() string {
	return envOr("APRILTAG_NS", DefaultNamespace)
}

// LogLevel returns the log level from LOG_LEVEL.
func LogLevel() string {
	return envOr("LOG_LEVEL", DefaultLogLevel)
}

// WebPort returns the HTTP port from TAGPOSE_PORT.
func WebPort() string {
	return envOr("TAGPOSE_PORT", DefaultWebPort)
}
