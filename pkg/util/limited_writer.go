package util

import "io"

// LimitedWriter 只保留前 limit 字节, 之后的写入静默丢弃。
//
// 用于截取非 2xx 流响应的错误正文: 丢弃时仍返回 len(p), 让 io.Copy 把 body 读完以便连接复用。
type LimitedWriter struct {
	w         io.Writer
	limit     int
	written   int
	truncated bool
}

// NewLimitedWriter 创建 LimitedWriter。
func NewLimitedWriter(w io.Writer, limit int) *LimitedWriter {
	return &LimitedWriter{w: w, limit: max(limit, 0)}
}

func (lw *LimitedWriter) Write(p []byte) (int, error) {
	remain := lw.limit - lw.written
	if len(p) > remain {
		lw.truncated = true
		if remain <= 0 {
			return len(p), nil
		}
		n, err := lw.w.Write(p[:remain])
		lw.written += n
		if err != nil {
			return n, err
		}
		return len(p), nil
	}
	n, err := lw.w.Write(p)
	lw.written += n
	return n, err
}

// Overflow 是否有字节被丢弃。正好写满 limit 不算。
func (lw *LimitedWriter) Overflow() bool { return lw.truncated }
