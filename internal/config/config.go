// Package config provides the configuration schema, loader, and file
// watcher for the voice bridge.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity for the bridge.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Slog maps l onto the corresponding [slog.Level]. Unrecognised values map
// to info.
func (l LogLevel) Slog() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config is the root configuration structure for the bridge.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Backend    BackendConfig    `yaml:"backend"`
	Conference ConferenceConfig `yaml:"conference"`
	Capture    CaptureConfig    `yaml:"capture"`
	Reconnect  ReconnectConfig  `yaml:"reconnect"`
}

// ServerConfig holds network and logging settings for the bridge's own
// HTTP surface (signaling, health, metrics).
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// BackendConfig describes the websocket voice backend the bridge relays
// audio to and from.
type BackendConfig struct {
	// URL is the websocket endpoint, e.g. "wss://backend.example.com/voice".
	URL string `yaml:"url"`

	// PingInterval is how often the bridge sends protocol pings over the
	// control channel. Zero disables pings.
	PingInterval time.Duration `yaml:"ping_interval"`
}

// ConferenceConfig holds WebRTC settings for the conference side.
type ConferenceConfig struct {
	// STUNServers lists STUN server URLs used for ICE, e.g.
	// "stun:stun.l.google.com:19302".
	STUNServers []string `yaml:"stun_servers"`
}

// CaptureConfig tunes the capture encoder. Zero values take the encoder's
// built-in defaults.
type CaptureConfig struct {
	// SourceRate is the conference-side sample rate in Hz.
	SourceRate int `yaml:"source_rate"`

	// TargetRate is the wire sample rate sent to the backend in Hz.
	TargetRate int `yaml:"target_rate"`

	// FrameSamples is the number of output samples per emitted frame.
	FrameSamples int `yaml:"frame_samples"`

	// Threshold is the mean-square energy gate below which input counts
	// as silence. Hot-reloadable.
	Threshold float64 `yaml:"threshold"`

	// KeepAliveEvery is the number of consecutive silent blocks between
	// keep-alive frames.
	KeepAliveEvery int `yaml:"keepalive_every"`

	// ResetAfter is the number of consecutive silent blocks after which
	// a partial frame accumulator is discarded.
	ResetAfter int `yaml:"reset_after"`

	// IdleTimeout is the push inactivity interval after which the
	// encoder emits a keep-alive on its own.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// ReconnectConfig tunes the backend reconnect policy. Zero values take the
// transport's built-in defaults.
type ReconnectConfig struct {
	// BaseDelay is the first retry delay.
	BaseDelay time.Duration `yaml:"base_delay"`

	// Factor is the exponential growth factor between retries.
	Factor float64 `yaml:"factor"`

	// MaxDelay caps the computed delay.
	MaxDelay time.Duration `yaml:"max_delay"`

	// Jitter is the random fraction added on top of each delay, in
	// [0, 1]. Negative disables jitter.
	Jitter float64 `yaml:"jitter"`

	// MaxAttempts is the number of consecutive failures before the
	// transport gives up.
	MaxAttempts int `yaml:"max_attempts"`
}
