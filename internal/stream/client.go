// Package stream 推送流 (SSE) 传输: 发起一轮对话请求, 逐条拉取已解码的事件。
//
// 拉取模型: 调用方每次 Next 取一条事件, 流没有独立的流控信号。
// 传输错误对本轮是终止性的, 不自动重试, 由调用方重新发起。
package stream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/multi-agent/chat-timeline/internal/protocol"
	apperrors "github.com/multi-agent/chat-timeline/pkg/errors"
	"github.com/multi-agent/chat-timeline/pkg/logger"
	"github.com/multi-agent/chat-timeline/pkg/util"
)

const (
	defaultPath         = "/api/chat/stream"
	defaultMaxLineBytes = 1024 * 1024
	errorBodyLimit      = 4 * 1024
	doneSentinel        = "[DONE]"
)

// Options 推送流客户端配置。
type Options struct {
	BaseURL      string
	Path         string
	Token        string
	HTTPClient   *http.Client
	MaxLineBytes int
}

// Request 一轮对话请求体。
type Request struct {
	ConversationID string           `json:"conversation_id"`
	TurnID         string           `json:"turn_id,omitempty"`
	Message        string           `json:"message"`
	Images         []protocol.Image `json:"images,omitempty"`
}

// Client 推送流客户端, 可被多轮复用。
type Client struct {
	opts Options
	http *http.Client
}

// New 创建客户端。HTTPClient 为空时使用无总超时的默认客户端 (流式响应时长不定)。
func New(opts Options) *Client {
	if opts.Path == "" {
		opts.Path = defaultPath
	}
	if opts.MaxLineBytes <= 0 {
		opts.MaxLineBytes = defaultMaxLineBytes
	}
	httpCli := opts.HTTPClient
	if httpCli == nil {
		httpCli = &http.Client{}
	}
	return &Client{opts: opts, http: httpCli}
}

// Open 发起请求并返回事件流。非 2xx 响应返回 CodeTransport 错误, 附带截断的响应正文。
func (c *Client) Open(ctx context.Context, req Request) (*Stream, error) {
	const op = "stream.Open"
	if strings.TrimSpace(req.ConversationID) == "" {
		return nil, apperrors.Wrap(apperrors.ErrInvalidInput, op, "conversation id required")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, apperrors.Wrap(err, op, "marshal request")
	}

	streamCtx, cancel := context.WithCancel(ctx)
	url := strings.TrimRight(c.opts.BaseURL, "/") + c.opts.Path
	httpReq, err := http.NewRequestWithContext(streamCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, apperrors.Wrap(err, op, "build request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")
	if c.opts.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.opts.Token)
	}

	log := logger.Get().With(
		logger.FieldComponent, "stream",
		logger.FieldConversationID, req.ConversationID,
		logger.FieldTurnID, req.TurnID,
	)
	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		cancel()
		return nil, apperrors.WithCode(err, op, apperrors.CodeTransport, "request failed")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer cancel()
		defer resp.Body.Close()
		var buf bytes.Buffer
		lw := util.NewLimitedWriter(&buf, errorBodyLimit)
		_, _ = io.Copy(lw, resp.Body)
		msg := fmt.Sprintf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(buf.String()))
		if lw.Overflow() {
			msg += " (truncated)"
		}
		log.Warn("stream: open rejected", logger.FieldStatus, resp.StatusCode, logger.FieldURL, url)
		return nil, apperrors.WithCode(nil, op, apperrors.CodeTransport, msg)
	}
	log.Info("stream: opened", logger.FieldURL, url, "latency_ms", time.Since(start).Milliseconds())

	return &Stream{
		body:    resp.Body,
		reader:  bufio.NewReaderSize(resp.Body, 64*1024),
		maxLine: c.opts.MaxLineBytes,
		decoder: protocol.Decoder{ConversationID: req.ConversationID, Log: log},
		cancel:  cancel,
		log:     log,
	}, nil
}

// Stream 单轮 SSE 响应。Next 不可并发调用; Abort 可在任意 goroutine 调用。
type Stream struct {
	body      io.ReadCloser
	reader    *bufio.Reader
	maxLine   int
	decoder   protocol.Decoder
	cancel    context.CancelFunc
	log       *slog.Logger
	aborted   atomic.Bool
	done      bool
	delivered atomic.Int64
	closeOnce sync.Once
}

// Next 返回下一条已解码事件。
//
// 无法解码的事件与超过 MaxLineBytes 的帧记录 Warn 后跳过; 正常结束返回 io.EOF;
// Abort 之后返回 ErrAborted; 其他读错误为 CodeTransport。
func (s *Stream) Next() (protocol.StreamEvent, error) {
	const op = "stream.Next"
	if s.done {
		return protocol.StreamEvent{}, io.EOF
	}
	var data strings.Builder
	skipFrame := false
	for {
		if s.aborted.Load() {
			return protocol.StreamEvent{}, apperrors.ErrAborted
		}
		line, oversized, err := s.readLine()
		if err != nil {
			if s.aborted.Load() {
				return protocol.StreamEvent{}, apperrors.ErrAborted
			}
			if !errors.Is(err, io.EOF) {
				s.finish()
				return protocol.StreamEvent{}, apperrors.WithCode(err, op, apperrors.CodeTransport, "read stream")
			}
			// 末尾未以空行结束的事件仍然派发
			if data.Len() > 0 && !skipFrame {
				if ev, ok := s.dispatch(data.String()); ok {
					return ev, nil
				}
			}
			s.finish()
			return protocol.StreamEvent{}, io.EOF
		}
		if oversized {
			s.log.Warn("stream: oversized line dropped", "max_bytes", s.maxLine)
			skipFrame = true
			data.Reset()
			continue
		}

		line = strings.TrimSuffix(line, "\r")
		switch {
		case line == "":
			if skipFrame {
				skipFrame = false
				continue
			}
			if data.Len() == 0 {
				continue
			}
			payload := data.String()
			data.Reset()
			if payload == doneSentinel {
				s.finish()
				return protocol.StreamEvent{}, io.EOF
			}
			if ev, ok := s.dispatch(payload); ok {
				return ev, nil
			}
		case skipFrame:
			// 丢弃超长帧的剩余行
		case strings.HasPrefix(line, ":"):
			// comment / keepalive
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		default:
			// event: / id: / retry: 由 JSON 信封承载, 忽略
		}
	}
}

// readLine 读一行 (不含换行符)。超过 maxLine 的行读完后整行丢弃, oversized=true。
func (s *Stream) readLine() (string, bool, error) {
	var (
		buf       []byte
		oversized bool
	)
	for {
		chunk, isPrefix, err := s.reader.ReadLine()
		if err != nil {
			return "", false, err
		}
		if !oversized {
			if len(buf)+len(chunk) > s.maxLine {
				oversized = true
				buf = nil
			} else {
				buf = append(buf, chunk...)
			}
		}
		if !isPrefix {
			return string(buf), oversized, nil
		}
	}
}

func (s *Stream) dispatch(payload string) (protocol.StreamEvent, bool) {
	ev, ok := s.decoder.Stream([]byte(payload))
	if !ok {
		return protocol.StreamEvent{}, false
	}
	s.delivered.Add(1)
	s.log.Debug("stream: event",
		logger.FieldEventType, ev.Type,
		logger.FieldSeq, ev.Seq,
		logger.FieldEventID, ev.ID,
	)
	return ev, true
}

// Abort 停止后续投递; 已应用的状态不回滚, 调用方负责终结仍在运行的 cluster。
func (s *Stream) Abort() {
	if s.aborted.Swap(true) {
		return
	}
	s.log.Info("stream: aborted", logger.FieldCount, s.delivered.Load())
	s.cancel()
	s.closeBody()
}

// Aborted 是否已被中止。
func (s *Stream) Aborted() bool { return s.aborted.Load() }

// Close 释放连接。
func (s *Stream) Close() error {
	s.cancel()
	return s.closeBody()
}

func (s *Stream) finish() {
	if s.done {
		return
	}
	s.done = true
	s.log.Info("stream: finished", logger.FieldCount, s.delivered.Load())
	_ = s.Close()
}

func (s *Stream) closeBody() error {
	var err error
	s.closeOnce.Do(func() { err = s.body.Close() })
	return err
}
