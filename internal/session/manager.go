package session

import (
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/lk2023060901/kai-go/internal/config"
	"github.com/lk2023060901/kai-go/internal/network"
	"github.com/lk2023060901/kai-go/internal/network/connection"
	"github.com/lk2023060901/kai-go/pkg/log"
	"github.com/lk2023060901/kai-go/pkg/metrics"
)

// Connections 为管理器查找连接所需的注册表能力。
type Connections interface {
	Get(id int64) (*connection.Connection, bool)
	MarkDisconnected(id int64, reason network.DisconnectReason)
}

// Manager 持有全部会话，实现注册表的接纳与清理回调。
//
// 只在调度线程上使用，无需加锁。
type Manager struct {
	log.Binder

	sessions  map[int64]*Session
	byAccount map[string]int64
	nextID    int64

	conns  Connections
	interp Interpreter
	cfg    config.SessionConfig
}

var _ connection.Hooks = (*Manager)(nil)

func NewManager(conns Connections, interp Interpreter, cfg config.SessionConfig) *Manager {
	return &Manager{
		sessions:  make(map[int64]*Session),
		byAccount: make(map[string]int64),
		conns:     conns,
		interp:    interp,
		cfg:       cfg,
	}
}

// OnWelcome 为新连接创建会话；带账号的连接优先回到同账号的未过期会话。
func (m *Manager) OnWelcome(conn *connection.Connection) {
	sess := m.lookupAccount(conn.Account(), time.Now())
	if sess == nil {
		sess = m.create(conn.Account())
	}
	sess.Attach(conn.ID())
	conn.BindSession(sess.ID())
	m.Logger().Info("connection bound to session", log.FieldConnID(conn.ID()), log.FieldSessionID(sess.ID()))
}

// OnCleanup 将连接从其会话中移除，SessionLogoff 与 ConnectionClosed 视为正常离线。
func (m *Manager) OnCleanup(conn *connection.Connection, reason network.DisconnectReason) {
	sess, ok := m.sessions[conn.SessionID()]
	if !ok {
		return
	}
	if reason.Graceful() {
		sess.OnConnectionClosed(conn.ID())
	} else {
		sess.OnConnectionLost(conn.ID())
	}
}

func (m *Manager) lookupAccount(account string, now time.Time) *Session {
	if account == "" {
		return nil
	}
	id, ok := m.byAccount[account]
	if !ok {
		return nil
	}
	sess := m.sessions[id]
	if sess.Expired(now, m.cfg.ReconnectGrace) {
		m.destroy(sess)
		return nil
	}
	return sess
}

func (m *Manager) create(account string) *Session {
	m.nextID++
	sess := New(m.nextID, account, m.interp,
		WithInputCapacity(m.cfg.InputCapacity),
		WithHistorySize(m.cfg.HistorySize))
	m.sessions[sess.ID()] = sess
	if account != "" {
		m.byAccount[account] = sess.ID()
	}
	metrics.Sessions.Set(float64(len(m.sessions)))
	m.Logger().Info("session created", log.FieldSessionID(sess.ID()), zap.String("account", account))
	return sess
}

func (m *Manager) destroy(sess *Session) {
	delete(m.sessions, sess.ID())
	if id, ok := m.byAccount[sess.Account()]; ok && id == sess.ID() {
		delete(m.byAccount, sess.Account())
	}
	metrics.Sessions.Set(float64(len(m.sessions)))
	m.Logger().Info("session destroyed", log.FieldSessionID(sess.ID()), zap.Stringer("state", sess.State()))
}

// Get 按 ID 查找会话。
func (m *Manager) Get(id int64) (*Session, bool) {
	sess, ok := m.sessions[id]
	return sess, ok
}

// Count 返回会话总数，包含处于宽限期的会话。
func (m *Manager) Count() int {
	return len(m.sessions)
}

// Range 按 ID 升序遍历会话，回调返回 false 时停止。
func (m *Manager) Range(fn func(sess *Session) bool) {
	ids := make([]int64, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if !fn(m.sessions[id]) {
			return
		}
	}
}

// AnyActive 判断是否存在需要运行周期任务的会话。
func (m *Manager) AnyActive() bool {
	for _, sess := range m.sessions {
		if sess.IsActive() {
			return true
		}
	}
	return false
}

// InputTarget 返回连接所绑定的会话，未绑定时返回 nil。
func (m *Manager) InputTarget(conn *connection.Connection) connection.InputTarget {
	sess, ok := m.sessions[conn.SessionID()]
	if !ok {
		return nil
	}
	return sess
}

// Logoff 由服务端断开会话的全部连接，实际清理在下一次 Reconcile 中进行。
func (m *Manager) Logoff(id int64) {
	sess, ok := m.sessions[id]
	if !ok {
		return
	}
	for _, connID := range sess.Conns() {
		m.conns.MarkDisconnected(connID, network.SessionLogoff)
	}
}

// FlushOutput 把每个会话累积的输出发往其全部连接。
func (m *Manager) FlushOutput() {
	m.Range(func(sess *Session) bool {
		out := sess.TakeOutput()
		if out == "" {
			return true
		}
		for _, connID := range sess.Conns() {
			if conn, ok := m.conns.Get(connID); ok {
				conn.SendText(out)
			}
		}
		return true
	})
}

// Sweep 销毁超过宽限期的 Linkless 会话，返回被销毁的会话 ID。
func (m *Manager) Sweep(now time.Time) []int64 {
	var expired []int64
	m.Range(func(sess *Session) bool {
		if sess.Expired(now, m.cfg.ReconnectGrace) {
			expired = append(expired, sess.ID())
		}
		return true
	})
	for _, id := range expired {
		m.destroy(m.sessions[id])
	}
	return expired
}
