package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and
// [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil {
		if tls.CertFile == "" || tls.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Backend
	if cfg.Backend.URL == "" {
		errs = append(errs, errors.New("backend.url is required"))
	} else if u, err := url.Parse(cfg.Backend.URL); err != nil {
		errs = append(errs, fmt.Errorf("backend.url %q is not a valid URL: %w", cfg.Backend.URL, err))
	} else if u.Scheme != "ws" && u.Scheme != "wss" {
		errs = append(errs, fmt.Errorf("backend.url scheme %q is invalid; use ws or wss", u.Scheme))
	}
	if cfg.Backend.PingInterval < 0 {
		errs = append(errs, fmt.Errorf("backend.ping_interval %v is negative", cfg.Backend.PingInterval))
	}

	// Conference
	if len(cfg.Conference.STUNServers) == 0 {
		slog.Warn("conference.stun_servers is empty; ICE will only gather host candidates")
	}

	// Capture
	cc := cfg.Capture
	if cc.SourceRate < 0 || cc.TargetRate < 0 {
		errs = append(errs, errors.New("capture sample rates must not be negative"))
	}
	if cc.SourceRate > 0 && cc.TargetRate > 0 && cc.SourceRate%cc.TargetRate != 0 {
		errs = append(errs, fmt.Errorf("capture.source_rate %d is not a multiple of capture.target_rate %d", cc.SourceRate, cc.TargetRate))
	}
	if cc.FrameSamples < 0 {
		errs = append(errs, fmt.Errorf("capture.frame_samples %d is negative", cc.FrameSamples))
	}
	if cc.Threshold < 0 {
		errs = append(errs, fmt.Errorf("capture.threshold %g is negative", cc.Threshold))
	}

	// Reconnect
	rc := cfg.Reconnect
	if rc.Factor != 0 && rc.Factor < 1 {
		errs = append(errs, fmt.Errorf("reconnect.factor %g is invalid; must be at least 1", rc.Factor))
	}
	if rc.Jitter > 1 {
		errs = append(errs, fmt.Errorf("reconnect.jitter %g is invalid; must be at most 1", rc.Jitter))
	}
	if rc.BaseDelay > 0 && rc.MaxDelay > 0 && rc.MaxDelay < rc.BaseDelay {
		errs = append(errs, fmt.Errorf("reconnect.max_delay %v is below reconnect.base_delay %v", rc.MaxDelay, rc.BaseDelay))
	}
	if rc.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("reconnect.max_attempts %d is negative", rc.MaxAttempts))
	}

	return errors.Join(errs...)
}
