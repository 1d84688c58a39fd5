package config

import (
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		DatabaseDriver:           "postgres",
		IdempotencyBackend:       "sql",
		IdempotencyPendingTTL:    time.Minute,
		IdempotencyRetention:     48 * time.Hour,
		IdempotencySweepInterval: 10 * time.Minute,
		LedgerTxMaxAttempts:      5,
		PurchaseRatePerMinute:    10,
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(c *Config) {}},
		{name: "sqlite driver", mutate: func(c *Config) { c.DatabaseDriver = "sqlite3" }},
		{name: "unknown driver", mutate: func(c *Config) { c.DatabaseDriver = "mysql" }, wantErr: true},
		{name: "redis without url", mutate: func(c *Config) { c.IdempotencyBackend = "redis" }, wantErr: true},
		{name: "redis with url", mutate: func(c *Config) {
			c.IdempotencyBackend = "redis"
			c.RedisURL = "redis://localhost:6379/0"
		}},
		{name: "zero pending ttl", mutate: func(c *Config) { c.IdempotencyPendingTTL = 0 }, wantErr: true},
		{name: "retention shorter than ttl", mutate: func(c *Config) { c.IdempotencyRetention = 30 * time.Second }, wantErr: true},
		{name: "zero attempts", mutate: func(c *Config) { c.LedgerTxMaxAttempts = 0 }, wantErr: true},
		{name: "zero rate", mutate: func(c *Config) { c.PurchaseRatePerMinute = 0 }, wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.wantErr && err == nil {
				t.Fatal("expected validation error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestParseStringSlice(t *testing.T) {
	got := parseStringSlice(" http://a.test, ,http://b.test ")
	if len(got) != 2 || got[0] != "http://a.test" || got[1] != "http://b.test" {
		t.Fatalf("unexpected origins: %#v", got)
	}
	if got := parseStringSlice(""); len(got) != 0 {
		t.Fatalf("expected empty slice, got %#v", got)
	}
}

func TestParseDurationFallback(t *testing.T) {
	if d := parseDuration("not-a-duration", 3*time.Second); d != 3*time.Second {
		t.Fatalf("expected fallback, got %v", d)
	}
	if d := parseDuration("90s", time.Second); d != 90*time.Second {
		t.Fatalf("expected 90s, got %v", d)
	}
}
