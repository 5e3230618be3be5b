// SPDX-License-Identifier: BSL-1.1
// Copyright (c) 2026 MuVeraAI Corporation

// Package config loads the node configuration from YAML, with DEVICE_*
// environment overrides optionally seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Device struct {
		// UUID identifies the device on the wire (uuid_appareil).
		UUID    string `yaml:"uuid"`
		Name    string `yaml:"name"`
		DataDir string `yaml:"data_dir"`
	} `yaml:"device"`

	Relay struct {
		FicheURL  string   `yaml:"fiche_url"`
		EnrollURL string   `yaml:"enroll_url"`
		IDMG      string   `yaml:"idmg"`
		Relays    []string `yaml:"relays"`
		// Durations are Go duration strings.
		PollTimeout     string `yaml:"poll_timeout"`
		SessionLifetime string `yaml:"session_lifetime"`
		RefreshInterval string `yaml:"refresh_interval"`
		DialTimeout     string `yaml:"dial_timeout"`
		MaxFrameBytes   int64  `yaml:"max_frame_bytes"`
	} `yaml:"relay"`

	Channel struct {
		TTL string `yaml:"ttl"`
	} `yaml:"channel"`

	Trust struct {
		RenewalHorizon string `yaml:"renewal_horizon"`
	} `yaml:"trust"`

	Escalation struct {
		OutOfMemoryReboot     int `yaml:"out_of_memory_reboot"`
		ConnectionResetRotate int `yaml:"connection_reset_rotate"`
		ConnectionResetReboot int `yaml:"connection_reset_reboot"`
		UnsupportedRotate     int `yaml:"unsupported_frame_rotate"`
	} `yaml:"escalation"`

	Backoff struct {
		ConnectionReset string `yaml:"connection_reset"`
		OutOfMemory     string `yaml:"out_of_memory"`
		Unsupported     string `yaml:"unsupported_frame"`
		Other           string `yaml:"other"`
		Max             string `yaml:"max"`
	} `yaml:"backoff"`

	Offload struct {
		Workers int `yaml:"workers"`
	} `yaml:"offload"`

	Metrics struct {
		Addr string `yaml:"addr"`
	} `yaml:"metrics"`

	Log struct {
		Env   string `yaml:"env"`
		Level string `yaml:"level"`
	} `yaml:"log"`
}

// Default returns a Config with every default applied.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// Load reads the YAML file at path, applies defaults and environment
// overrides, and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	var c Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	c.applyDefaults()
	c.applyEnvOverrides()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// LoadEnv loads a .env file into the process environment without replacing
// variables already set. A missing file is not an error.
func LoadEnv(file string) error {
	if file == "" {
		file = ".env"
	}
	if err := godotenv.Load(file); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: load %s: %w", file, err)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Device.DataDir == "" {
		c.Device.DataDir = "./data"
	}
	if c.Relay.PollTimeout == "" {
		c.Relay.PollTimeout = "30s"
	}
	if c.Relay.SessionLifetime == "" {
		c.Relay.SessionLifetime = "1h"
	}
	if c.Relay.RefreshInterval == "" {
		c.Relay.RefreshInterval = "15m"
	}
	if c.Relay.DialTimeout == "" {
		c.Relay.DialTimeout = "20s"
	}
	if c.Relay.MaxFrameBytes == 0 {
		c.Relay.MaxFrameBytes = 64 << 10
	}
	if c.Channel.TTL == "" {
		c.Channel.TTL = "4h"
	}
	if c.Trust.RenewalHorizon == "" {
		c.Trust.RenewalHorizon = "168h"
	}
	if c.Escalation.OutOfMemoryReboot == 0 {
		c.Escalation.OutOfMemoryReboot = 10
	}
	if c.Escalation.ConnectionResetRotate == 0 {
		c.Escalation.ConnectionResetRotate = 3
	}
	if c.Escalation.ConnectionResetReboot == 0 {
		c.Escalation.ConnectionResetReboot = 30
	}
	if c.Escalation.UnsupportedRotate == 0 {
		c.Escalation.UnsupportedRotate = 1
	}
	if c.Backoff.ConnectionReset == "" {
		c.Backoff.ConnectionReset = "5s"
	}
	if c.Backoff.OutOfMemory == "" {
		c.Backoff.OutOfMemory = "2s"
	}
	if c.Backoff.Unsupported == "" {
		c.Backoff.Unsupported = "1s"
	}
	if c.Backoff.Other == "" {
		c.Backoff.Other = "10s"
	}
	if c.Backoff.Max == "" {
		c.Backoff.Max = "5m"
	}
	if c.Offload.Workers == 0 {
		c.Offload.Workers = 1
	}
	if c.Log.Env == "" {
		c.Log.Env = "prod"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// ---- Helpers env ----

func getEnvStr(key string) (string, bool) {
	v := os.Getenv(key)
	return v, v != ""
}

func getEnvInt(key string) (int, bool) {
	if s, ok := getEnvStr(key); ok {
		if i, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			return i, true
		}
	}
	return 0, false
}

func getEnvCSV(key string) ([]string, bool) {
	s, ok := getEnvStr(key)
	if !ok {
		return nil, false
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out, true
}

func (c *Config) applyEnvOverrides() {
	if v, ok := getEnvStr("DEVICE_UUID"); ok {
		c.Device.UUID = v
	}
	if v, ok := getEnvStr("DEVICE_NAME"); ok {
		c.Device.Name = v
	}
	if v, ok := getEnvStr("DEVICE_DATA_DIR"); ok {
		c.Device.DataDir = v
	}
	if v, ok := getEnvStr("DEVICE_FICHE_URL"); ok {
		c.Relay.FicheURL = v
	}
	if v, ok := getEnvStr("DEVICE_ENROLL_URL"); ok {
		c.Relay.EnrollURL = v
	}
	if v, ok := getEnvStr("DEVICE_IDMG"); ok {
		c.Relay.IDMG = v
	}
	if v, ok := getEnvCSV("DEVICE_RELAYS"); ok {
		c.Relay.Relays = v
	}
	if v, ok := getEnvStr("DEVICE_POLL_TIMEOUT"); ok {
		c.Relay.PollTimeout = v
	}
	if v, ok := getEnvStr("DEVICE_SESSION_LIFETIME"); ok {
		c.Relay.SessionLifetime = v
	}
	if v, ok := getEnvInt("DEVICE_OFFLOAD_WORKERS"); ok {
		c.Offload.Workers = v
	}
	if v, ok := getEnvStr("DEVICE_METRICS_ADDR"); ok {
		c.Metrics.Addr = v
	}
	if v, ok := getEnvStr("DEVICE_LOG_ENV"); ok {
		c.Log.Env = strings.ToLower(v)
	}
	if v, ok := getEnvStr("DEVICE_LOG_LEVEL"); ok {
		c.Log.Level = v
	}
}

// Validate checks durations and thresholds.
func (c *Config) Validate() error {
	for name, s := range map[string]string{
		"relay.poll_timeout":        c.Relay.PollTimeout,
		"relay.session_lifetime":    c.Relay.SessionLifetime,
		"relay.refresh_interval":    c.Relay.RefreshInterval,
		"relay.dial_timeout":        c.Relay.DialTimeout,
		"channel.ttl":               c.Channel.TTL,
		"trust.renewal_horizon":     c.Trust.RenewalHorizon,
		"backoff.connection_reset":  c.Backoff.ConnectionReset,
		"backoff.out_of_memory":     c.Backoff.OutOfMemory,
		"backoff.unsupported_frame": c.Backoff.Unsupported,
		"backoff.other":             c.Backoff.Other,
		"backoff.max":               c.Backoff.Max,
	} {
		d, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("config: %s: %w", name, err)
		}
		if d <= 0 {
			return fmt.Errorf("config: %s must be positive", name)
		}
	}
	if c.Escalation.OutOfMemoryReboot < 1 || c.Escalation.ConnectionResetRotate < 1 ||
		c.Escalation.ConnectionResetReboot < 1 || c.Escalation.UnsupportedRotate < 1 {
		return fmt.Errorf("config: escalation thresholds must be at least 1")
	}
	if strings.TrimSpace(c.Relay.FicheURL) != "" && strings.TrimSpace(c.Relay.IDMG) == "" {
		return fmt.Errorf("config: relay.idmg is required when relay.fiche_url is set")
	}
	if c.Offload.Workers < 1 {
		return fmt.Errorf("config: offload.workers must be at least 1")
	}
	return nil
}

// Duration parses a validated duration string. Invalid input yields def.
func Duration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil || d <= 0 {
		return def
	}
	return d
}
