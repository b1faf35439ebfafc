package log

import "go.uber.org/atomic"

var (
	_ WithLogger   = &Binder{}
	_ LoggerBinder = &Binder{}
)

// WithLogger 由持有组件级 Logger 的类型实现。
type WithLogger interface {
	Logger() *MLogger
}

// LoggerBinder 由允许在装配阶段注入 Logger 的类型实现。
type LoggerBinder interface {
	SetLogger(logger *MLogger)
}

// Binder 嵌入到注册表、调度器、会话管理器等组件中，装配阶段由 application 注入模块 Logger。
type Binder struct {
	logger atomic.Pointer[MLogger]
}

// SetLogger 可在运行中调用，对之后的日志生效。
func (w *Binder) SetLogger(logger *MLogger) {
	w.logger.Store(logger)
}

// Logger 返回绑定的 Logger，未绑定时回退到全局 Logger。
func (w *Binder) Logger() *MLogger {
	l := w.logger.Load()
	if l == nil {
		return With()
	}
	return l
}
