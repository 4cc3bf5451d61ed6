// Package logger 提供基于 slog 的结构化日志。
//
// 核心功能:
//   - Init() 配置默认日志器 (JSON/Text) 与级别
//   - InitWithFile() 同时输出到 stdout 和日志文件
//   - FromContext() 上下文感知日志
//   - 包级便捷方法 (Info/Error/Warn/Debug/Fatal)
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	pkgerr "github.com/multi-agent/chat-timeline/pkg/errors"
)

var (
	// defaultLogger 使用 atomic.Pointer 保证并发安全。
	defaultLogger atomic.Pointer[slog.Logger]

	logFile   *os.File   // 全局日志文件, Shutdown 时关闭
	logFileMu sync.Mutex // 保护 logFile 并发关闭

	level = new(slog.LevelVar)
)

func init() { defaultLogger.Store(newLogger(false)) }

func getLogger() *slog.Logger { return defaultLogger.Load() }

// storeLogger 原子存储默认日志器并同步 slog.SetDefault。
func storeLogger(l *slog.Logger) {
	defaultLogger.Store(l)
	slog.SetDefault(l)
}

// replaceTimeAttr 将时间格式化为易读字符串 (UTC)。
func replaceTimeAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		if t, ok := a.Value.Any().(time.Time); ok {
			a.Value = slog.StringValue(t.UTC().Format("2006-01-02 15:04:05.000"))
		}
	}
	return a
}

func newLogger(development bool) *slog.Logger {
	out := io.Writer(os.Stdout)
	if development {
		out = os.Stderr
	}
	return newWriterLogger(out, development)
}

func newWriterLogger(w io.Writer, development bool) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		AddSource:   development,
		ReplaceAttr: replaceTimeAttr,
	}
	var handler slog.Handler
	if development {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}

// Init 初始化日志配置。env: "development"/"dev" 或 "production" (默认)。
func Init(env string) {
	dev := env == "development" || env == "dev"
	storeLogger(newLogger(dev))
}

// InitWriter 同 Init, 但输出到 w (CLI 把 stdout 留给命令结果时使用)。
func InitWriter(w io.Writer, env string) {
	dev := env == "development" || env == "dev"
	storeLogger(newWriterLogger(w, dev))
}

// SetLevel 设置全局日志级别 (DEBUG/INFO/WARN/ERROR), 无法识别时保持 INFO。
func SetLevel(name string) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "DEBUG":
		level.Set(slog.LevelDebug)
	case "WARN", "WARNING":
		level.Set(slog.LevelWarn)
	case "ERROR":
		level.Set(slog.LevelError)
	default:
		level.Set(slog.LevelInfo)
	}
}

// InitWithFile 初始化日志, 同时输出到 stdout 和日志文件。
//
// 日志文件: {logDir}/timeline-{date}.log (JSON 格式)。
// 重复调用会关闭旧文件。调用者应在退出前调用 ShutdownFileHandler()。
func InitWithFile(logDir string) error {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return pkgerr.Wrap(err, "Logger.Init", "create log dir")
	}

	date := time.Now().Format("2006-01-02")
	logPath := filepath.Join(logDir, fmt.Sprintf("timeline-%s.log", date))

	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return pkgerr.Wrap(err, "Logger.Init", "open log file")
	}
	logFileMu.Lock()
	if logFile != nil {
		_ = logFile.Close()
	}
	logFile = f
	logFileMu.Unlock()

	multi := io.MultiWriter(os.Stdout, f)
	opts := &slog.HandlerOptions{Level: level, ReplaceAttr: replaceTimeAttr}
	storeLogger(slog.New(slog.NewJSONHandler(multi, opts)))

	slog.Info("log file opened", FieldPath, logPath)
	return nil
}

// ShutdownFileHandler 关闭日志文件 (并发安全)。
func ShutdownFileHandler() {
	logFileMu.Lock()
	defer logFileMu.Unlock()
	if logFile != nil {
		_ = logFile.Sync()
		_ = logFile.Close()
		logFile = nil
	}
}

// ========================================
// Context 感知日志
// ========================================

type ctxKey struct{}

// WithContext 将日志器注入 context。
func WithContext(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext 从 context 提取日志器，若不存在则返回默认日志器。
func FromContext(ctx context.Context) *slog.Logger {
	if ctx == nil {
		return getLogger()
	}
	if l, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok {
		return l
	}
	return getLogger()
}

// ========================================
// 包级便捷方法
// ========================================

// Info/Error/Warn/Debug 记录结构化日志。args 为 key-value 对。
func Info(msg string, args ...any)  { getLogger().Info(msg, args...) }
func Error(msg string, args ...any) { getLogger().Error(msg, args...) }
func Warn(msg string, args ...any)  { getLogger().Warn(msg, args...) }
func Debug(msg string, args ...any) { getLogger().Debug(msg, args...) }

// Infof/Warnf 记录格式化日志。
func Infof(format string, args ...any) { getLogger().Info(fmt.Sprintf(format, args...)) }
func Warnf(format string, args ...any) { getLogger().Warn(fmt.Sprintf(format, args...)) }

// Fatal 记录致命错误并退出。
func Fatal(msg string, args ...any) {
	getLogger().Error(msg, args...)
	os.Exit(1)
}

// With 返回带附加上下文的日志器。
func With(args ...any) *slog.Logger { return getLogger().With(args...) }

// Get 返回底层 slog.Logger。
func Get() *slog.Logger { return getLogger() }

// Any 创建任意类型属性。
func Any(key string, value any) slog.Attr { return slog.Any(key, value) }

// 预留字段常量: MUST 使用常量键名，勿硬编码。
const (
	FieldComponent      = "component"
	FieldConversationID = "conversation_id"
	FieldTurnID         = "turn_id"
	FieldCallID         = "call_id"
	FieldMessageID      = "message_id"
	FieldEventID        = "event_id"
	FieldEventType      = "event_type"
	FieldAction         = "action"
	FieldSeq            = "seq"
	FieldState          = "state"
	FieldRole           = "role"
	FieldConn           = "conn"
	FieldURL            = "url"
	FieldAddr           = "addr"
	FieldPath           = "path"
	FieldCount          = "count"
	FieldAttempt        = "attempt"
	FieldDelayMS        = "delay_ms"
	FieldStatus         = "status"
	FieldError          = "error"
	FieldRaw            = "raw"
	FieldDataLen        = "data_len"
)
