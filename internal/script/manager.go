package script

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
	"go.uber.org/zap"

	"github.com/lk2023060901/kai-go/internal/config"
	"github.com/lk2023060901/kai-go/pkg/log"
	"github.com/lk2023060901/kai-go/pkg/metrics"
	"github.com/lk2023060901/kai-go/pkg/util/merr"
)

const chunkName = "script"

// 沙箱中移除的全局函数。
var unsafeGlobals = []string{
	"dofile", "loadfile", "load", "loadstring",
	"require", "module", "collectgarbage",
	"getfenv", "setfenv", "newproxy", "_printregs",
}

// CompiledScript 为编译后的脚本，创建后不可变。
type CompiledScript struct {
	Source string
	Proto  *lua.FunctionProto
}

// Manager 持有根虚拟机与编译缓存，派生的线程只在 Manager 存活期间有效。
//
// 只允许在单个协程上使用。
type Manager struct {
	log.Binder

	L      *lua.LState
	cache  map[string]*CompiledScript
	cancel []context.CancelFunc

	compiles   int
	runTimeout time.Duration
	closed     bool

	waitMarker    *lua.LUserData
	suspendMarker *lua.LUserData

	// 根环境中的库表，任务只能经由只读代理访问。
	libs      map[string]*lua.LTable
	denyWrite *lua.LFunction
}

func NewManager(cfg config.ScriptConfig) *Manager {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	for _, lib := range []struct {
		name string
		open lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
		{lua.CoroutineLibName, lua.OpenCoroutine},
	} {
		L.Push(L.NewFunction(lib.open))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}
	for _, name := range unsafeGlobals {
		L.SetGlobal(name, lua.LNil)
	}
	// 字符串方法查找经由内置元表直达 string 库，锁住元表使脚本无法取到它。
	if mod, ok := L.GetGlobal(lua.StringLibName).(*lua.LTable); ok {
		mod.RawSetString("__metatable", lua.LFalse)
	}

	m := &Manager{
		L:             L,
		cache:         make(map[string]*CompiledScript),
		runTimeout:    cfg.RunTimeout,
		waitMarker:    L.NewUserData(),
		suspendMarker: L.NewUserData(),
	}
	L.SetGlobal("wait", L.NewFunction(m.luaWait))
	L.SetGlobal("suspend", L.NewFunction(m.luaSuspend))
	L.SetGlobal("print", L.NewFunction(m.luaPrint))

	m.libs = make(map[string]*lua.LTable)
	L.G.Global.ForEach(func(k, v lua.LValue) {
		name, ok := k.(lua.LString)
		tbl, isTable := v.(*lua.LTable)
		if ok && isTable && tbl != L.G.Global {
			m.libs[string(name)] = tbl
		}
	})
	m.denyWrite = L.NewFunction(func(L *lua.LState) int {
		L.RaiseError("attempt to modify read-only table")
		return 0
	})
	return m
}

// sandbox 为一个任务构造独立的全局环境。
// 全局赋值只落在该环境自身，未命中的读取回退到根环境，库表以只读代理暴露。
func (m *Manager) sandbox() *lua.LTable {
	L := m.L
	env := L.NewTable()
	for name, lib := range m.libs {
		proxy := L.NewTable()
		mt := L.NewTable()
		mt.RawSetString("__index", lib)
		mt.RawSetString("__newindex", m.denyWrite)
		mt.RawSetString("__metatable", lua.LFalse)
		proxy.Metatable = mt
		env.RawSetString(name, proxy)
	}
	env.RawSetString("_G", env)

	mt := L.NewTable()
	mt.RawSetString("__index", L.G.Global)
	mt.RawSetString("__metatable", lua.LFalse)
	env.Metatable = mt
	return env
}

// Compile 编译源码，相同文本直接返回缓存结果。
func (m *Manager) Compile(source string) (*CompiledScript, error) {
	if m.closed {
		return nil, merr.WrapErrManagerClosed("compile")
	}
	if cs, ok := m.cache[source]; ok {
		return cs, nil
	}
	chunk, err := parse.Parse(strings.NewReader(source), chunkName)
	if err != nil {
		return nil, merr.WrapErrCompile(chunkName, err.Error())
	}
	proto, err := lua.Compile(chunk, chunkName)
	if err != nil {
		return nil, merr.WrapErrCompile(chunkName, err.Error())
	}
	if proto == nil || len(proto.Code) == 0 {
		return nil, merr.WrapErrCompile(chunkName, "compiler produced no bytecode")
	}
	cs := &CompiledScript{Source: source, Proto: proto}
	m.cache[source] = cs
	m.compiles++
	metrics.ScriptCompiles.Inc()
	return cs, nil
}

// Compiles 返回实际编译的次数，缓存命中不计入。
func (m *Manager) Compiles() int {
	return m.compiles
}

// NewThread 返回一个独占的执行线程。
func (m *Manager) NewThread() (*lua.LState, error) {
	if m.closed {
		return nil, merr.WrapErrManagerClosed("new thread")
	}
	th, cancel := m.L.NewThread()
	if cancel != nil {
		m.cancel = append(m.cancel, cancel)
	}
	return th, nil
}

// NewTask 创建一个处于 Created 状态的任务。
func (m *Manager) NewTask(name string, cs *CompiledScript, owner FaultReporter) *Task {
	return newTask(m, name, cs, owner)
}

func (m *Manager) Closed() bool {
	return m.closed
}

// Close 关闭根虚拟机，之后所有派生线程失效。
func (m *Manager) Close() {
	if m.closed {
		return
	}
	m.closed = true
	for _, cancel := range m.cancel {
		cancel()
	}
	m.cancel = nil
	m.cache = nil
	m.L.Close()
}

// wait(seconds) 挂起当前任务，至少经过 seconds 秒后再恢复。
func (m *Manager) luaWait(L *lua.LState) int {
	secs := L.CheckNumber(1)
	if secs < 0 {
		L.ArgError(1, "non-negative seconds expected")
	}
	return L.Yield(m.waitMarker, secs)
}

// suspend() 挂起当前任务，直到拥有者显式唤醒。
func (m *Manager) luaSuspend(L *lua.LState) int {
	return L.Yield(m.suspendMarker)
}

func (m *Manager) luaPrint(L *lua.LState) int {
	parts := make([]string, 0, L.GetTop())
	for i := 1; i <= L.GetTop(); i++ {
		parts = append(parts, L.ToStringMeta(L.Get(i)).String())
	}
	m.Logger().Info("script print", zap.String("text", strings.Join(parts, "\t")))
	return 0
}

func (m *Manager) runContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.runTimeout > 0 {
		return context.WithTimeout(ctx, m.runTimeout)
	}
	return context.WithCancel(ctx)
}

func (m *Manager) yieldKind(values []lua.LValue) (TaskState, time.Duration) {
	if len(values) > 0 {
		switch values[0] {
		case m.waitMarker:
			var d time.Duration
			if len(values) > 1 {
				if n, ok := values[1].(lua.LNumber); ok {
					d = time.Duration(float64(n) * float64(time.Second))
				}
			}
			return TaskWaiting, d
		case m.suspendMarker:
			return TaskSuspended, 0
		}
	}
	return TaskYielded, 0
}

func describe(err error) string {
	var apiErr *lua.ApiError
	if errors.As(err, &apiErr) && apiErr.Object != nil {
		return apiErr.Object.String()
	}
	return err.Error()
}
