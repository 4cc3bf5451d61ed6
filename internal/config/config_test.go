// config_test.go: 配置加载默认值 + 环境变量覆盖 + TOML 文件叠加测试。
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/multi-agent/chat-timeline/internal/protocol"
)

func TestLoadDefaults(t *testing.T) {
	for _, name := range []string{
		"TIMELINE_ROLE", "TIMELINE_RECONNECT_DELAY_MS", "TIMELINE_PING_INTERVAL_SEC",
		"POSTGRES_SCHEMA", "TIMELINE_HISTORY_LIMIT", "LOG_LEVEL", "TIMELINE_STREAM_PATH",
	} {
		os.Unsetenv(name)
	}

	cfg := Load()

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"Role", cfg.Role, "user"},
		{"StreamPath", cfg.StreamPath, "/api/chat/stream"},
		{"ReconnectDelayMS", cfg.ReconnectDelayMS, 3000},
		{"PingIntervalSec", cfg.PingIntervalSec, 25},
		{"HandshakeTimeoutSec", cfg.HandshakeTimeoutSec, 10},
		{"PostgresSchema", cfg.PostgresSchema, "public"},
		{"PostgresPoolMinSize", cfg.PostgresPoolMinSize, 1},
		{"PostgresPoolMaxSize", cfg.PostgresPoolMaxSize, 10},
		{"HistoryLimit", cfg.HistoryLimit, 200},
		{"InspectKeepAliveSec", cfg.InspectKeepAliveSec, 30},
		{"LogLevel", cfg.LogLevel, "INFO"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
			}
		})
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("TIMELINE_ROLE", "agent")
	t.Setenv("TIMELINE_RECONNECT_DELAY_MS", "500")
	t.Setenv("TIMELINE_PING_INTERVAL_SEC", "0") // 低于 min → 夹到 1
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg := Load()

	if cfg.ConnRole() != protocol.RoleAgent {
		t.Errorf("Role = %q, want agent", cfg.Role)
	}
	if cfg.ReconnectDelay() != 500*time.Millisecond {
		t.Errorf("ReconnectDelay = %v", cfg.ReconnectDelay())
	}
	if cfg.PingIntervalSec != 1 {
		t.Errorf("PingIntervalSec = %d, want clamp to 1", cfg.PingIntervalSec)
	}
	if cfg.LogLevel != "DEBUG" {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "timeline.toml")
	content := `
conversation_id = "conv-file"
socket_url = "ws://example.test/ws"
history_limit = 50
ping_interval_sec = 0
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TIMELINE_HISTORY_LIMIT", "75")

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.ConversationID != "conv-file" {
		t.Errorf("ConversationID = %q", cfg.ConversationID)
	}
	if cfg.SocketURL != "ws://example.test/ws" {
		t.Errorf("SocketURL = %q", cfg.SocketURL)
	}
	if cfg.HistoryLimit != 75 {
		t.Errorf("HistoryLimit = %d, env should win over file", cfg.HistoryLimit)
	}
	if cfg.PingIntervalSec != 1 {
		t.Errorf("PingIntervalSec = %d, want clamp to 1", cfg.PingIntervalSec)
	}
	if cfg.StreamPath != "/api/chat/stream" {
		t.Errorf("StreamPath = %q, default should survive file load", cfg.StreamPath)
	}
}

func TestLoadFileErrors(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Error("missing file should fail")
	}
	bad := filepath.Join(t.TempDir(), "bad.toml")
	if err := os.WriteFile(bad, []byte("history_limit = ["), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(bad); err == nil {
		t.Error("invalid toml should fail")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"ok", Config{ConversationID: "c1", Role: "user"}, false},
		{"agent", Config{ConversationID: "c1", Role: "agent"}, false},
		{"missing_conversation", Config{Role: "user"}, true},
		{"bad_role", Config{ConversationID: "c1", Role: "admin"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
