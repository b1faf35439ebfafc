package connection

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/lk2023060901/kai-go/internal/network"
	"github.com/lk2023060901/kai-go/pkg/log"
	"github.com/lk2023060901/kai-go/pkg/metrics"
	"github.com/lk2023060901/kai-go/pkg/util/merr"
	"github.com/lk2023060901/kai-go/pkg/util/typeutil"
)

const defaultEventQueueSize = 1024

// EventKind 为传输层投递给注册表的事件类型。
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventCapabilities
)

// Event 由传输协程产生，只在调度线程上被应用。
type Event struct {
	Kind   EventKind
	ID     int64
	Conn   *Connection
	Reason network.DisconnectReason
	Caps   Capabilities
}

// Hooks 为 Reconcile 的回调，通常由会话管理器实现。
type Hooks interface {
	// OnCleanup 在连接被清理后调用。
	OnCleanup(conn *Connection, reason network.DisconnectReason)
	// OnWelcome 在连接被接纳后调用。
	OnWelcome(conn *Connection)
}

// Registry 持有全部存活连接以及 pending/dead 两个过渡集合。
//
// 三个集合只在调度线程上修改，其它协程通过 Publish 投递事件。
type Registry struct {
	log.Binder

	conns   map[int64]*Connection
	pending typeutil.UniqueSet
	dead    map[int64]network.DisconnectReason

	events        chan Event
	logUnwelcomed bool
}

type RegistryOption func(r *Registry)

// WithEventQueueSize 设置事件通道容量。
func WithEventQueueSize(n int) RegistryOption {
	return func(r *Registry) {
		if n > 0 {
			r.events = make(chan Event, n)
		}
	}
}

// WithLogUnwelcomed 为 true 时记录在被接纳前就已断开的连接。
func WithLogUnwelcomed(v bool) RegistryOption {
	return func(r *Registry) {
		r.logUnwelcomed = v
	}
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		conns:   make(map[int64]*Connection),
		pending: typeutil.NewUniqueSet(),
		dead:    make(map[int64]network.DisconnectReason),
		events:  make(chan Event, defaultEventQueueSize),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register 将连接加入 canonical 与 pending，重复 ID 属于编程错误。
func (r *Registry) Register(conn *Connection) error {
	id := conn.ID()
	if _, ok := r.conns[id]; ok {
		return merr.WrapErrConnectionExists(id)
	}
	r.conns[id] = conn
	r.pending.Insert(id)
	metrics.Connections.Set(float64(len(r.conns)))
	return nil
}

// MarkDisconnected 记录断开原因，在下一次 Reconcile 前重复调用不会覆盖第一次的原因。
func (r *Registry) MarkDisconnected(id int64, reason network.DisconnectReason) {
	if _, ok := r.dead[id]; ok {
		return
	}
	if _, ok := r.conns[id]; !ok {
		r.Logger().Debug("ignore disconnect of unknown connection", log.FieldConnID(id), zap.Stringer("reason", reason))
		return
	}
	r.dead[id] = reason
}

// Publish 由传输协程调用，事件通道已满时阻塞。
func (r *Registry) Publish(ctx context.Context, ev Event) error {
	select {
	case r.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ApplyEvents 非阻塞地应用当前已到达的全部事件，返回应用的数量。
func (r *Registry) ApplyEvents() int {
	n := 0
	for {
		select {
		case ev := <-r.events:
			n++
			r.apply(ev)
		default:
			return n
		}
	}
}

func (r *Registry) apply(ev Event) {
	switch ev.Kind {
	case EventConnected:
		if ev.Conn == nil {
			return
		}
		if err := r.Register(ev.Conn); err != nil {
			r.Logger().Error("failed to register connection", log.FieldConnID(ev.Conn.ID()), zap.Error(err))
		}
	case EventDisconnected:
		r.MarkDisconnected(ev.ID, ev.Reason)
	case EventCapabilities:
		if conn, ok := r.conns[ev.ID]; ok {
			conn.SetCapabilities(ev.Caps)
		}
	}
}

// Reconcile 按固定顺序处理过渡集合：
// 先清理 dead 中仍存在的连接，再从 canonical 中移除，最后接纳仍存在的 pending 连接。
// 同一 tick 内一个连接不会既被接纳又被清理。
func (r *Registry) Reconcile(hooks Hooks) {
	deadIDs := make([]int64, 0, len(r.dead))
	for id := range r.dead {
		deadIDs = append(deadIDs, id)
	}
	sort.Slice(deadIDs, func(i, j int) bool { return deadIDs[i] < deadIDs[j] })

	for _, id := range deadIDs {
		conn, ok := r.conns[id]
		if !ok {
			continue
		}
		reason := r.dead[id]
		conn.Cleanup(reason)
		metrics.Disconnects.WithLabelValues(reason.String()).Inc()
		if hooks != nil {
			hooks.OnCleanup(conn, reason)
		}
	}
	for _, id := range deadIDs {
		delete(r.conns, id)
	}
	clear(r.dead)

	for _, id := range typeutil.Sorted(r.pending) {
		conn, ok := r.conns[id]
		if !ok {
			if r.logUnwelcomed {
				r.Logger().Info("connection vanished before welcome", log.FieldConnID(id))
			}
			r.pending.Remove(id)
			continue
		}
		conn.OnWelcome()
		if hooks != nil {
			hooks.OnWelcome(conn)
		}
		r.pending.Remove(id)
	}
	metrics.Connections.Set(float64(len(r.conns)))
}

// Get 按 ID 查找存活连接。
func (r *Registry) Get(id int64) (*Connection, bool) {
	conn, ok := r.conns[id]
	return conn, ok
}

// Len 返回 canonical 中的连接数。
func (r *Registry) Len() int {
	return len(r.conns)
}

// IsPending 判断连接是否尚未被接纳。
func (r *Registry) IsPending(id int64) bool {
	return r.pending.Contain(id)
}

// Pending 返回尚未被接纳的连接 ID，升序。
func (r *Registry) Pending() []int64 {
	return typeutil.Sorted(r.pending)
}

// IsDead 判断连接是否已被标记断开但尚未清理。
func (r *Registry) IsDead(id int64) bool {
	_, ok := r.dead[id]
	return ok
}

// Range 按 ID 升序遍历存活连接，回调返回 false 时停止。
func (r *Registry) Range(fn func(conn *Connection) bool) {
	ids := make([]int64, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if !fn(r.conns[id]) {
			return
		}
	}
}
