// Package config loads runtime configuration from the environment.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config collects every tunable of the client. Values come from the
// environment with sensible defaults; flags may override them on top.
type Config struct {
	// ServerURL is the relay websocket endpoint.
	ServerURL string
	// APIBase is the auth API root (login/register live under it).
	APIBase string
	// DirectionsURL is the directions service endpoint.
	DirectionsURL string
	// DirectionsKey is the directions API key.
	DirectionsKey string
	// SessionPath is where the session database lives.
	SessionPath string

	// DialTimeout bounds the channel connect.
	DialTimeout time.Duration
	// ReconnectAttempts bounds automatic reconnects.
	ReconnectAttempts int
	// ReconnectDelay spaces reconnect attempts.
	ReconnectDelay time.Duration
	// StaleAfter is the liveness window for tracked counterparts.
	StaleAfter time.Duration
	// SampleInterval is the position sampling cadence.
	SampleInterval time.Duration
	// MinDisplacement is the minimum movement in meters between samples.
	MinDisplacement float64
}

// FromEnv builds a Config from COURIER_* environment variables.
func FromEnv() Config {
	return Config{
		ServerURL:         getenv("COURIER_SERVER_URL", "ws://localhost:8080/ws"),
		APIBase:           getenv("COURIER_API_URL", "http://localhost:8080/api"),
		DirectionsURL:     getenv("COURIER_DIRECTIONS_URL", "https://api.mapbox.com/directions/v5/mapbox/driving"),
		DirectionsKey:     os.Getenv("COURIER_DIRECTIONS_KEY"),
		SessionPath:       getenv("COURIER_SESSION_PATH", "courier.db"),
		DialTimeout:       getdur("COURIER_DIAL_TIMEOUT", 10*time.Second),
		ReconnectAttempts: getint("COURIER_RECONNECT_ATTEMPTS", 5),
		ReconnectDelay:    getdur("COURIER_RECONNECT_DELAY", time.Second),
		StaleAfter:        getdur("COURIER_STALE_AFTER", 60*time.Second),
		SampleInterval:    getdur("COURIER_SAMPLE_INTERVAL", 3*time.Second),
		MinDisplacement:   getfloat("COURIER_MIN_DISPLACEMENT", 5),
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getdur(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getint(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getfloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
