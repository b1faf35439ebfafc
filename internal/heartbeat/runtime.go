package heartbeat

import (
	"context"
	"time"

	"go.uber.org/atomic"

	"github.com/lk2023060901/kai-go/internal/network/connection"
	"github.com/lk2023060901/kai-go/internal/session"
	"github.com/lk2023060901/kai-go/internal/storage"
	"github.com/lk2023060901/kai-go/pkg/util/conc"
)

// Timing 为一个 tick 阶段的耗时。
type Timing struct {
	Name    string
	Elapsed time.Duration
}

// Runtime 为调度器与后台任务共享的进程级状态。
//
// 在第一个 tick 前构造，循环退出后由调度器调用 teardown。
type Runtime struct {
	Registry *connection.Registry
	Sessions *session.Manager
	Store    storage.Store
	Pool     *conc.Pool[any]

	shutdown atomic.Bool
	reboot   atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc

	// 以下字段只在调度线程上访问。
	timings []Timing
	tx      storage.Tx
}

// NewRuntime 构造 Runtime。其上下文继承 parent 的值但不继承取消，
// 只在调度循环退出后取消，保证最后一个 tick 可以完整提交。
func NewRuntime(parent context.Context, registry *connection.Registry, sessions *session.Manager, store storage.Store, pool *conc.Pool[any]) *Runtime {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	rt := &Runtime{
		Registry: registry,
		Sessions: sessions,
		Store:    store,
		Pool:     pool,
		ctx:      ctx,
		cancel:   cancel,
	}
	return rt
}

// Context 在调度循环退出后被取消，后台任务以此感知退出。
func (rt *Runtime) Context() context.Context {
	return rt.ctx
}

// Shutdown 设置退出标志，当前 tick 提交后循环退出。
func (rt *Runtime) Shutdown() {
	rt.shutdown.Store(true)
}

// ShutdownWithReboot 设置退出标志并记录重启方式。
func (rt *Runtime) ShutdownWithReboot(mode int32) {
	rt.reboot.Store(mode)
	rt.shutdown.Store(true)
}

func (rt *Runtime) ShuttingDown() bool {
	return rt.shutdown.Load()
}

// Reboot 返回退出时请求的重启方式，0 表示不重启。
func (rt *Runtime) Reboot() int32 {
	return rt.reboot.Load()
}

// Tx 返回当前 tick 的存储事务，只在 tick 内有效。
func (rt *Runtime) Tx() storage.Tx {
	return rt.tx
}

// Record 向本 tick 的耗时记录追加一项。
func (rt *Runtime) Record(name string, elapsed time.Duration) {
	rt.timings = append(rt.timings, Timing{Name: name, Elapsed: elapsed})
}

// Timings 返回本 tick 已记录的阶段耗时。
func (rt *Runtime) Timings() []Timing {
	return append([]Timing(nil), rt.timings...)
}

func (rt *Runtime) clearTimings() {
	rt.timings = rt.timings[:0]
}

func (rt *Runtime) teardown() {
	if rt.Pool != nil {
		rt.Pool.Release()
	}
	rt.cancel()
}

type runtimeKey struct{}

// NewContext 返回携带 rt 的上下文，周期任务通过 FromContext 取回。
func NewContext(ctx context.Context, rt *Runtime) context.Context {
	return context.WithValue(ctx, runtimeKey{}, rt)
}

func FromContext(ctx context.Context) (*Runtime, bool) {
	rt, ok := ctx.Value(runtimeKey{}).(*Runtime)
	return rt, ok
}
