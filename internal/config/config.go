// Package config 全局配置加载与管理。
//
// 所有字段通过 struct tag 声明环境变量映射:
//
//	`env:"VAR_NAME" default:"value" min:"0"`
//
// 叠加顺序: default tag → TOML 配置文件 (可选) → 环境变量。
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/multi-agent/chat-timeline/internal/protocol"
	"github.com/multi-agent/chat-timeline/pkg/util"
)

// Config 应用全局配置，字段名与 .env 变量一一对应。
type Config struct {
	// 会话
	ConversationID string `env:"TIMELINE_CONVERSATION_ID" toml:"conversation_id"`
	Token          string `env:"TIMELINE_TOKEN" toml:"token"`
	Role           string `env:"TIMELINE_ROLE" toml:"role" default:"user"`

	// 推送流 (SSE)
	StreamBaseURL    string `env:"TIMELINE_STREAM_BASE_URL" toml:"stream_base_url" default:"http://127.0.0.1:8080"`
	StreamPath       string `env:"TIMELINE_STREAM_PATH" toml:"stream_path" default:"/api/chat/stream"`
	StreamMaxLineKB  int    `env:"TIMELINE_STREAM_MAX_LINE_KB" toml:"stream_max_line_kb" default:"1024" min:"64"`
	StreamTimeoutSec int    `env:"TIMELINE_STREAM_TIMEOUT_SEC" toml:"stream_timeout_sec" default:"300" min:"1"`

	// Handoff websocket
	SocketURL           string `env:"TIMELINE_SOCKET_URL" toml:"socket_url" default:"ws://127.0.0.1:8080/ws/handoff"`
	ReconnectDelayMS    int    `env:"TIMELINE_RECONNECT_DELAY_MS" toml:"reconnect_delay_ms" default:"3000" min:"100"`
	PingIntervalSec     int    `env:"TIMELINE_PING_INTERVAL_SEC" toml:"ping_interval_sec" default:"25" min:"1"`
	HandshakeTimeoutSec int    `env:"TIMELINE_HANDSHAKE_TIMEOUT_SEC" toml:"handshake_timeout_sec" default:"10" min:"1"`
	WriteTimeoutSec     int    `env:"TIMELINE_WRITE_TIMEOUT_SEC" toml:"write_timeout_sec" default:"10" min:"1"`

	// PostgreSQL (历史记录来源)
	PostgresConnStr        string `env:"POSTGRES_CONNECTION_STRING" toml:"postgres_connection_string"`
	PostgresSchema         string `env:"POSTGRES_SCHEMA" toml:"postgres_schema" default:"public"`
	PostgresPoolMinSize    int    `env:"POSTGRES_POOL_MIN_SIZE" toml:"postgres_pool_min_size" default:"1" min:"1"`
	PostgresPoolMaxSize    int    `env:"POSTGRES_POOL_MAX_SIZE" toml:"postgres_pool_max_size" default:"10" min:"1"`
	PostgresPoolTimeoutSec int    `env:"POSTGRES_POOL_TIMEOUT_SEC" toml:"postgres_pool_timeout_sec" default:"10" min:"1"`
	HistoryLimit           int    `env:"TIMELINE_HISTORY_LIMIT" toml:"history_limit" default:"200" min:"1"`

	// Inspect HTTP
	InspectAddr         string `env:"TIMELINE_INSPECT_ADDR" toml:"inspect_addr" default:"127.0.0.1:4610"`
	InspectKeepAliveSec int    `env:"TIMELINE_INSPECT_KEEPALIVE_SEC" toml:"inspect_keepalive_sec" default:"30" min:"1"`

	// 日志
	LogLevel string `env:"LOG_LEVEL" toml:"log_level" default:"INFO"`
	LogEnv   string `env:"APP_ENV" toml:"log_env" default:"production"`
	LogDir   string `env:"LOG_DIR" toml:"log_dir"`
}

// Load 从环境变量加载配置 (通过反射读取 struct tag)。
func Load() *Config {
	var cfg Config
	util.LoadFromEnv(&cfg)
	return &cfg
}

// LoadFile 读取 TOML 配置文件, 再叠加环境变量。path 为空等同于 Load。
func LoadFile(path string) (*Config, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Load(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	util.ApplyDefaults(&cfg)
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	util.OverlayEnv(&cfg)
	cfg.normalize()
	return &cfg, nil
}

// normalize 文件中的值不经过 min tag, 这里统一夹到下限。
func (c *Config) normalize() {
	c.StreamMaxLineKB = max(c.StreamMaxLineKB, 64)
	c.StreamTimeoutSec = max(c.StreamTimeoutSec, 1)
	c.ReconnectDelayMS = max(c.ReconnectDelayMS, 100)
	c.PingIntervalSec = max(c.PingIntervalSec, 1)
	c.HandshakeTimeoutSec = max(c.HandshakeTimeoutSec, 1)
	c.WriteTimeoutSec = max(c.WriteTimeoutSec, 1)
	c.PostgresPoolMinSize = max(c.PostgresPoolMinSize, 1)
	c.PostgresPoolMaxSize = max(c.PostgresPoolMaxSize, 1)
	c.PostgresPoolTimeoutSec = max(c.PostgresPoolTimeoutSec, 1)
	c.HistoryLimit = max(c.HistoryLimit, 1)
	c.InspectKeepAliveSec = max(c.InspectKeepAliveSec, 1)
}

// Validate 检查运行 serve 所需的最小配置。
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ConversationID) == "" {
		return fmt.Errorf("TIMELINE_CONVERSATION_ID is required")
	}
	switch protocol.Role(c.Role) {
	case protocol.RoleUser, protocol.RoleAgent:
	default:
		return fmt.Errorf("TIMELINE_ROLE must be user or agent, got %q", c.Role)
	}
	return nil
}

// ConnRole 连接身份。
func (c *Config) ConnRole() protocol.Role { return protocol.Role(c.Role) }

// ReconnectDelay websocket 固定重连间隔。
func (c *Config) ReconnectDelay() time.Duration {
	return time.Duration(c.ReconnectDelayMS) * time.Millisecond
}

// PingInterval 心跳间隔。
func (c *Config) PingInterval() time.Duration {
	return time.Duration(c.PingIntervalSec) * time.Second
}

// HandshakeTimeout websocket 握手超时。
func (c *Config) HandshakeTimeout() time.Duration {
	return time.Duration(c.HandshakeTimeoutSec) * time.Second
}

// WriteTimeout websocket 单帧写超时。
func (c *Config) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutSec) * time.Second
}

// StreamTimeout 单轮推送流的整体超时。
func (c *Config) StreamTimeout() time.Duration {
	return time.Duration(c.StreamTimeoutSec) * time.Second
}

// InspectKeepAlive inspect SSE 保活间隔。
func (c *Config) InspectKeepAlive() time.Duration {
	return time.Duration(c.InspectKeepAliveSec) * time.Second
}
