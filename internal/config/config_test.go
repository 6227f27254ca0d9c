package config

import (
	"strings"
	"testing"
	"time"
)

func TestGetenv(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue string
		envValue     string
		expected     string
	}{
		{
			name:         "returns environment variable when set",
			key:          "TEST_KEY_1",
			defaultValue: "default",
			envValue:     "env_value",
			expected:     "env_value",
		},
		{
			name:         "returns default when environment variable is empty",
			key:          "TEST_KEY_2",
			defaultValue: "default",
			envValue:     "",
			expected:     "default",
		},
		{
			name:         "handles empty default value",
			key:          "TEST_KEY_3",
			defaultValue: "",
			envValue:     "env_value",
			expected:     "env_value",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				t.Setenv(tt.key, tt.envValue)
			}

			result := getenv(tt.key, tt.defaultValue)
			if result != tt.expected {
				t.Errorf("getenv(%q, %q) = %q, want %q", tt.key, tt.defaultValue, result, tt.expected)
			}
		})
	}
}

func TestTypedGetenv(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	t.Setenv("TEST_BAD_INT", "forty-two")
	t.Setenv("TEST_FLOAT", "0.35")
	t.Setenv("TEST_BOOL", "false")
	t.Setenv("TEST_DURATION", "90s")
	t.Setenv("TEST_BAD_DURATION", "soon")

	if got := getenvInt("TEST_INT", 1); got != 42 {
		t.Errorf("getenvInt() = %d, want 42", got)
	}
	if got := getenvInt("TEST_BAD_INT", 1); got != 1 {
		t.Errorf("getenvInt() with bad value = %d, want default 1", got)
	}
	if got := getenvFloat("TEST_FLOAT", 0.1); got != 0.35 {
		t.Errorf("getenvFloat() = %v, want 0.35", got)
	}
	if got := getenvBool("TEST_BOOL", true); got {
		t.Errorf("getenvBool() = %v, want false", got)
	}
	if got := getenvDuration("TEST_DURATION", time.Second); got != 90*time.Second {
		t.Errorf("getenvDuration() = %s, want 90s", got)
	}
	if got := getenvDuration("TEST_BAD_DURATION", time.Second); got != time.Second {
		t.Errorf("getenvDuration() with bad value = %s, want default 1s", got)
	}
}

func TestFromEnvDefaults(t *testing.T) {
	cfg := FromEnv()

	if cfg.AppName != "harborrelay" || cfg.HTTPPort != ":8080" || cfg.WorkerPort != ":8083" {
		t.Errorf("FromEnv() app = %q %q %q", cfg.AppName, cfg.HTTPPort, cfg.WorkerPort)
	}

	d := cfg.Dispatch
	if d.Mode != DispatchModeInProcess {
		t.Errorf("Dispatch.Mode = %q, want %q", d.Mode, DispatchModeInProcess)
	}
	if d.MaxAttempts != 8 {
		t.Errorf("Dispatch.MaxAttempts = %d, want 8", d.MaxAttempts)
	}
	if d.BackoffBase != 30*time.Second || d.BackoffMax != time.Hour || d.JitterPercent != 0.2 {
		t.Errorf("Dispatch backoff = %s/%s/%v", d.BackoffBase, d.BackoffMax, d.JitterPercent)
	}
	if d.RequestTimeout != 10*time.Second || d.Concurrency != 20 {
		t.Errorf("Dispatch timeout/concurrency = %s/%d", d.RequestTimeout, d.Concurrency)
	}
	if d.SignatureHeader != "X-HarborRelay-Signature" || d.TimestampHeader != "X-HarborRelay-Timestamp" {
		t.Errorf("Dispatch headers = %q/%q", d.SignatureHeader, d.TimestampHeader)
	}

	s := cfg.Scheduler
	if !s.Enabled || s.PumpSchedule != "@every 30s" || s.ReapSchedule != "@every 2m" {
		t.Errorf("Scheduler = %+v", s)
	}
	if s.BatchSize != 100 || s.StaleAfter != 3*time.Minute {
		t.Errorf("Scheduler batch/stale = %d/%s", s.BatchSize, s.StaleAfter)
	}

	if cfg.DB.MaxConns != 10 || cfg.DB.Name != "harborrelay" {
		t.Errorf("DB = %+v", cfg.DB)
	}
	if cfg.NSQ.TasksTopic != "delivery_tasks" || cfg.NSQ.DeadTopic != "deliveries_failed" {
		t.Errorf("NSQ topics = %q/%q", cfg.NSQ.TasksTopic, cfg.NSQ.DeadTopic)
	}
	if cfg.NSQ.RepublishAfter != time.Minute {
		t.Errorf("NSQ.RepublishAfter = %s, want 1m", cfg.NSQ.RepublishAfter)
	}

	if ti := cfg.TokenIssuer; ti.Port != ":8082" || ti.DefaultTTL != time.Hour || ti.MaxTTL != 24*time.Hour {
		t.Errorf("TokenIssuer = %+v", ti)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("HTTP_PORT", ":9090")
	t.Setenv("DISPATCH_MODE", "nsq")
	t.Setenv("MAX_ATTEMPTS", "3")
	t.Setenv("BACKOFF_BASE", "1s")
	t.Setenv("BACKOFF_MAX", "10s")
	t.Setenv("PUMP_SCHEDULE", "*/5 * * * *")
	t.Setenv("RUN_SCHEDULER", "false")
	t.Setenv("FAKE_RECEIVER_PORT", "9999")

	cfg := FromEnv()

	if cfg.HTTPPort != ":9090" {
		t.Errorf("HTTPPort = %q, want :9090", cfg.HTTPPort)
	}
	if cfg.FakeReceiver.Port != ":9999" {
		t.Errorf("FakeReceiver.Port = %q, want :9999", cfg.FakeReceiver.Port)
	}
	if cfg.Dispatch.Mode != DispatchModeNSQ || cfg.Dispatch.MaxAttempts != 3 {
		t.Errorf("Dispatch = %+v", cfg.Dispatch)
	}
	if cfg.Dispatch.BackoffBase != time.Second || cfg.Dispatch.BackoffMax != 10*time.Second {
		t.Errorf("Dispatch backoff = %s/%s", cfg.Dispatch.BackoffBase, cfg.Dispatch.BackoffMax)
	}
	if cfg.Scheduler.Enabled || cfg.Scheduler.PumpSchedule != "*/5 * * * *" {
		t.Errorf("Scheduler = %+v", cfg.Scheduler)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"unknown mode", func(c *Config) { c.Dispatch.Mode = "kafka" }, "DISPATCH_MODE"},
		{"zero attempts", func(c *Config) { c.Dispatch.MaxAttempts = 0 }, "MAX_ATTEMPTS"},
		{"zero base", func(c *Config) { c.Dispatch.BackoffBase = 0 }, "BACKOFF_BASE"},
		{"max below base", func(c *Config) { c.Dispatch.BackoffMax = time.Second }, "BACKOFF_MAX"},
		{"jitter above one", func(c *Config) { c.Dispatch.JitterPercent = 1.5 }, "BACKOFF_JITTER_PCT"},
		{"zero timeout", func(c *Config) { c.Dispatch.RequestTimeout = 0 }, "REQUEST_TIMEOUT"},
		{"zero concurrency", func(c *Config) { c.Dispatch.Concurrency = 0 }, "DISPATCH_CONCURRENCY"},
		{"zero batch", func(c *Config) { c.Scheduler.BatchSize = 0 }, "PUMP_BATCH_SIZE"},
		{"stale below timeout", func(c *Config) { c.Scheduler.StaleAfter = 5 * time.Second }, "STALE_AFTER"},
		{"auth without key", func(c *Config) { c.Auth.Enabled = true }, "JWT_PUBLIC_KEY"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := FromEnv()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want mention of %s", err, tt.wantErr)
			}
		})
	}
}

func TestDSN(t *testing.T) {
	cfg := Config{DB: DB{User: "u", Pass: "p", Host: "h", Port: "1", Name: "n"}}
	want := "postgres://u:p@h:1/n?sslmode=disable"
	if got := cfg.DSN(); got != want {
		t.Errorf("DSN() = %q, want %q", got, want)
	}
}
