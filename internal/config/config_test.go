package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_DefaultsAndEnv(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("LISTEN_ADDR", ":9999")
	t.Setenv("ANON_RATE_LIMIT", "5")

	c, err := Load("campus")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.ListenAddr != ":9999" {
		t.Errorf("ListenAddr = %q, want :9999", c.ListenAddr)
	}
	if c.AnonRateLimit != 5 {
		t.Errorf("AnonRateLimit = %d, want 5", c.AnonRateLimit)
	}
	if c.AnonRateWindow != time.Minute {
		t.Errorf("AnonRateWindow = %s, want 1m", c.AnonRateWindow)
	}
	if c.FlagThreshold != 3 {
		t.Errorf("FlagThreshold = %d, want 3", c.FlagThreshold)
	}
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	if err := os.Mkdir(filepath.Join(dir, "config"), 0o755); err != nil {
		t.Fatal(err)
	}
	yaml := "jwt_secret: from-file\nanon_max_length: 300\nscorer_timeout: 2s\n"
	if err := os.WriteFile(filepath.Join(dir, "config", "campus.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	c, err := Load("campus")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.JWTSecret != "from-file" {
		t.Errorf("JWTSecret = %q", c.JWTSecret)
	}
	if c.AnonMaxLength != 300 {
		t.Errorf("AnonMaxLength = %d, want 300", c.AnonMaxLength)
	}
	if c.ScorerTimeout != 2*time.Second {
		t.Errorf("ScorerTimeout = %s, want 2s", c.ScorerTimeout)
	}
}

func TestValidate(t *testing.T) {
	base := Config{
		JWTSecret:       "s",
		WorkerPoolSize:  1,
		AnonRateLimit:   10,
		AnonRateWindow:  time.Minute,
		AnonMaxLength:   500,
		DirectMaxLength: 2000,
		FlagThreshold:   3,
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing secret", func(c *Config) { c.JWTSecret = "" }},
		{"zero workers", func(c *Config) { c.WorkerPoolSize = 0 }},
		{"zero rate", func(c *Config) { c.AnonRateLimit = 0 }},
		{"zero threshold", func(c *Config) { c.FlagThreshold = 0 }},
		{"bad scorer mode", func(c *Config) { c.ScorerMode = "grpc" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base
			tt.mutate(&c)
			if err := c.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestRead_SkipsValidation(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("JWT_SECRET", "")
	t.Setenv("NATS_URL", "nats://moderation:4222")

	if _, err := Load("moderator"); err == nil {
		t.Error("Load accepted a config without jwt_secret")
	}
	c, err := Read("moderator")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if c.NATSURL != "nats://moderation:4222" {
		t.Errorf("NATSURL = %q", c.NATSURL)
	}
}

// chdir changes the working directory for the duration of the test,
// restoring it on cleanup (equivalent of testing.T.Chdir, Go 1.24+).
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(old); err != nil {
			t.Fatal(err)
		}
	})
}
