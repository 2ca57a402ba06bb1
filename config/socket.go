package config

import (
	"os"
	"strconv"
)

// SocketConfig holds WebSocket server configuration.
type SocketConfig struct {
	MaxConnections  int `json:"max_connections"`
	PingInterval    int `json:"ping_interval_seconds"`
	PongTimeout     int `json:"pong_timeout_seconds"`
	WriteTimeout    int `json:"write_timeout_seconds"`
	ReadBufferSize  int `json:"read_buffer_size"`
	WriteBufferSize int `json:"write_buffer_size"`
}

// DefaultConfig returns the default WebSocket configuration.
func DefaultConfig() *SocketConfig {
	return &SocketConfig{
		MaxConnections:  1000,
		PingInterval:    30,
		PongTimeout:     10,
		WriteTimeout:    10,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
}

// FromEnv loads socket configuration from environment variables, falling
// back to defaults for any missing values.
func FromEnv() *SocketConfig {
	cfg := DefaultConfig()
	envInt("RT_MAX_CONNECTIONS", &cfg.MaxConnections)
	envInt("RT_PING_INTERVAL", &cfg.PingInterval)
	envInt("RT_PONG_TIMEOUT", &cfg.PongTimeout)
	envInt("RT_WRITE_TIMEOUT", &cfg.WriteTimeout)
	envInt("RT_READ_BUFFER", &cfg.ReadBufferSize)
	envInt("RT_WRITE_BUFFER", &cfg.WriteBufferSize)
	return cfg
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
