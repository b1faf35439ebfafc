package log

import (
	"time"

	"go.uber.org/zap"
)

const (
	FieldNameModule    = "module"
	FieldNameComponent = "component"
	FieldNameConnID    = "connID"
	FieldNameSessionID = "sessionID"
	FieldNameSystem    = "system"
	FieldNameTask      = "task"
	FieldNameTick      = "tick"
)

// FieldModule 返回一个包含模块名的 zap 字段。
func FieldModule(module string) zap.Field {
	return zap.String(FieldNameModule, module)
}

// FieldComponent 返回一个包含组件名的 zap 字段。
func FieldComponent(component string) zap.Field {
	return zap.String(FieldNameComponent, component)
}

// FieldConnID 返回一个包含连接 ID 的 zap 字段。
func FieldConnID(id int64) zap.Field {
	return zap.Int64(FieldNameConnID, id)
}

// FieldSessionID 返回一个包含会话 ID 的 zap 字段。
func FieldSessionID(id int64) zap.Field {
	return zap.Int64(FieldNameSessionID, id)
}

// FieldSystem 返回一个包含 GameSystem 名称的 zap 字段。
func FieldSystem(name string) zap.Field {
	return zap.String(FieldNameSystem, name)
}

// FieldTask 返回一个包含脚本任务名称的 zap 字段。
func FieldTask(name string) zap.Field {
	return zap.String(FieldNameTask, name)
}

// FieldTick 返回一个包含 tick 序号的 zap 字段。
func FieldTick(n uint64) zap.Field {
	return zap.Uint64(FieldNameTick, n)
}

// FieldElapsed 以毫秒精度记录耗时。
func FieldElapsed(d time.Duration) zap.Field {
	return zap.Duration("elapsed", d.Round(time.Microsecond))
}
