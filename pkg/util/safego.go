// safego.go: 后台 goroutine 启动器, panic 被捕获并记录, 不会拖垮事件循环。
package util

import (
	"runtime/debug"

	"github.com/multi-agent/chat-timeline/pkg/logger"
)

// SafeGoNamed 在新 goroutine 中执行 fn; panic 时记录 component (如 "handoff.readLoop") 与堆栈。
func SafeGoNamed(component string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("goroutine panicked",
					logger.FieldComponent, component,
					logger.FieldError, r,
					"stack", string(debug.Stack()),
				)
			}
		}()
		fn()
	}()
}
