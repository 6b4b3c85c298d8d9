package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "config.yaml", "server:\n  http_port: 9999\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.HTTPPort != 9999 {
		t.Errorf("http_port = %d, want 9999", cfg.Server.HTTPPort)
	}
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("host = %q, want default", cfg.Server.Host)
	}
	if cfg.Storage.Backend != "memory" {
		t.Errorf("storage backend = %q, want memory", cfg.Storage.Backend)
	}
	if cfg.Auth.TokenExpiry != 168*time.Hour {
		t.Errorf("token expiry = %v, want 168h", cfg.Auth.TokenExpiry)
	}
	if cfg.Auth.LoginLimit.MaxFailures != 5 || cfg.Auth.LoginLimit.Window != 15*time.Minute {
		t.Errorf("login limit = %+v, want 5 per 15m", cfg.Auth.LoginLimit)
	}
	if cfg.Telegram.MaxFileSize != 20*1024*1024 {
		t.Errorf("max file size = %d, want 20MB", cfg.Telegram.MaxFileSize)
	}
	if cfg.Web.ConnectionTTL != 2*time.Hour {
		t.Errorf("connection ttl = %v, want 2h", cfg.Web.ConnectionTTL)
	}
	if cfg.History.TTL != 90*24*time.Hour {
		t.Errorf("history ttl = %v, want 90d", cfg.History.TTL)
	}
	if cfg.Binding.CodeTTL != 5*time.Minute {
		t.Errorf("code ttl = %v, want 5m", cfg.Binding.CodeTTL)
	}
	if cfg.History.ConversationGap != time.Hour {
		t.Errorf("conversation gap = %v, want 1h", cfg.History.ConversationGap)
	}
}

func TestLoadEnvExpansion(t *testing.T) {
	t.Setenv("UNIGATE_TEST_SECRET", "hunter22")
	path := writeConfig(t, "config.yaml", "auth:\n  jwt_secret: ${UNIGATE_TEST_SECRET}\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Auth.JWTSecret != "hunter22" {
		t.Errorf("jwt_secret = %q, want expanded env value", cfg.Auth.JWTSecret)
	}
}

func TestLoadJSON5(t *testing.T) {
	path := writeConfig(t, "config.json5", `{
  // comments are allowed
  server: { http_port: 8088 },
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.HTTPPort != 8088 {
		t.Errorf("http_port = %d, want 8088", cfg.Server.HTTPPort)
	}
}

func TestLoadInclude(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base.yaml")
	if err := os.WriteFile(base, []byte("logging:\n  level: debug\n"), 0o600); err != nil {
		t.Fatalf("write base: %v", err)
	}
	main := filepath.Join(dir, "main.yaml")
	if err := os.WriteFile(main, []byte("$include: base.yaml\nserver:\n  http_port: 8081\n"), 0o600); err != nil {
		t.Fatalf("write main: %v", err)
	}

	cfg, err := Load(main)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("logging level = %q, want debug from include", cfg.Logging.Level)
	}
	if cfg.Server.HTTPPort != 8081 {
		t.Errorf("http_port = %d, want 8081", cfg.Server.HTTPPort)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "unknown storage backend",
			mutate:  func(c *Config) { c.Storage.Backend = "dynamo" },
			wantErr: "storage.backend",
		},
		{
			name:    "postgres without dsn",
			mutate:  func(c *Config) { c.Storage.Backend = "postgres" },
			wantErr: "storage.dsn",
		},
		{
			name:    "telegram without token",
			mutate:  func(c *Config) { c.Telegram.Enabled = true },
			wantErr: "telegram.bot_token",
		},
		{
			name:    "web without jwt secret",
			mutate:  func(c *Config) { c.Web.Enabled = true },
			wantErr: "auth.jwt_secret",
		},
		{
			name:    "legacy queue without url",
			mutate:  func(c *Config) { c.LegacyQueue.Enabled = true },
			wantErr: "legacy_queue.queue_url",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			applyDefaults(cfg)
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate: expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate error = %v, want mention of %s", err, tt.wantErr)
			}
		})
	}
}

func TestUnknownFieldRejected(t *testing.T) {
	path := writeConfig(t, "config.yaml", "serverr:\n  http_port: 1\n")
	if _, err := Load(path); err == nil {
		t.Fatal("Load: expected error for unknown field")
	}
}

func TestJSONSchema(t *testing.T) {
	data, err := JSONSchema()
	if err != nil {
		t.Fatalf("JSONSchema: %v", err)
	}
	if !strings.Contains(string(data), "jwt_secret") {
		t.Error("schema should include yaml field names")
	}
}
