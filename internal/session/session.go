package session

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/eapache/queue"
	"go.uber.org/zap"

	"github.com/lk2023060901/kai-go/pkg/log"
	"github.com/lk2023060901/kai-go/pkg/util/typeutil"
)

const (
	defaultInputCapacity = 64
	defaultHistorySize   = 100

	// ClearToken 清空尚未执行的已排队命令。
	ClearToken = "--"
)

// State 为会话状态。
type State int

const (
	// StatePending 会话已创建但尚未绑定任何连接。
	StatePending State = iota
	// StatePlaying 至少绑定一个连接。
	StatePlaying
	// StateLinkless 失去最后一个连接，处于重连宽限期。
	StateLinkless
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "Pending"
	case StatePlaying:
		return "Playing"
	case StateLinkless:
		return "Linkless"
	default:
		return "Unknown"
	}
}

// Interpreter 执行一条命令，由外部提供。
type Interpreter interface {
	Execute(ctx context.Context, sess *Session, line string) error
}

// InterpreterFunc 将普通函数适配为 Interpreter。
type InterpreterFunc func(ctx context.Context, sess *Session, line string) error

func (f InterpreterFunc) Execute(ctx context.Context, sess *Session, line string) error {
	return f(ctx, sess, line)
}

// Session 为玩家的逻辑在线状态，可同时绑定 0..N 个连接。
//
// 连接只以 ID 保存，发送时通过注册表查找。
// 除 Submit/TrySubmit 外的方法只允许在调度线程上调用。
type Session struct {
	id      int64
	account string

	conns typeutil.UniqueSet

	// raw 为有界原始输入通道，写满后生产者挂起。
	raw chan string
	// processed 为已接收但尚未执行的命令。
	processed *queue.Queue

	history     *queue.Queue
	historySize int

	output strings.Builder

	state    State
	lostAt   time.Time
	graceful bool

	interp Interpreter
	logger *log.MLogger
}

type Option func(s *Session)

// WithInputCapacity 设置原始输入通道容量。
func WithInputCapacity(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.raw = make(chan string, n)
		}
	}
}

// WithHistorySize 设置保留的历史命令条数，0 表示不保留。
func WithHistorySize(n int) Option {
	return func(s *Session) {
		if n >= 0 {
			s.historySize = n
		}
	}
}

func New(id int64, account string, interp Interpreter, opts ...Option) *Session {
	s := &Session{
		id:          id,
		account:     account,
		conns:       typeutil.NewUniqueSet(),
		raw:         make(chan string, defaultInputCapacity),
		processed:   queue.New(),
		history:     queue.New(),
		historySize: defaultHistorySize,
		state:       StatePending,
		interp:      interp,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = log.With(log.FieldSessionID(id), zap.String("account", account))
	return s
}

func (s *Session) ID() int64 { return s.id }

func (s *Session) Account() string { return s.account }

func (s *Session) State() State { return s.state }

// LostAt 返回失去最后一个连接的时间。
func (s *Session) LostAt() time.Time { return s.lostAt }

// Graceful 表示最后一个连接是否正常关闭。
func (s *Session) Graceful() bool { return s.graceful }

// Conns 返回绑定的连接 ID，升序。
func (s *Session) Conns() []int64 {
	return typeutil.Sorted(s.conns)
}

// Submit 投递一行原始输入，通道已满时阻塞直到 tick 取走输入或 ctx 结束。
func (s *Session) Submit(ctx context.Context, line string) error {
	select {
	case s.raw <- line:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySubmit 非阻塞投递，通道已满时返回 false。
func (s *Session) TrySubmit(line string) bool {
	select {
	case s.raw <- line:
		return true
	default:
		return false
	}
}

// Queued 返回已排队尚未执行的命令数。
func (s *Session) Queued() int {
	return s.processed.Length()
}

// History 返回最近的命令，按时间先后排列。
func (s *Session) History() []string {
	out := make([]string, 0, s.history.Length())
	for i := 0; i < s.history.Length(); i++ {
		out = append(out, s.history.Get(i).(string))
	}
	return out
}

// Update 非阻塞地取出原始输入，然后把队首的一条命令交给解释器。
// 解释器返回的错误或 panic 原样上报给调度器。
func (s *Session) Update(ctx context.Context, _ time.Duration) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("interpreter panic: %v", r)
		}
	}()

	s.drain()

	if s.interp == nil || s.processed.Length() == 0 {
		return nil
	}
	line := s.processed.Remove().(string)
	if err := s.interp.Execute(ctx, s, line); err != nil {
		return errors.Wrapf(err, "execute %q", line)
	}
	return nil
}

func (s *Session) drain() {
	for {
		select {
		case line := <-s.raw:
			if line == ClearToken {
				for s.processed.Length() > 0 {
					s.processed.Remove()
				}
				continue
			}
			s.processed.Add(line)
			s.remember(line)
		default:
			return
		}
	}
}

func (s *Session) remember(line string) {
	if s.historySize == 0 {
		return
	}
	s.history.Add(line)
	for s.history.Length() > s.historySize {
		s.history.Remove()
	}
}

// Attach 绑定一个连接，会话进入 Playing。
func (s *Session) Attach(connID int64) {
	s.conns.Insert(connID)
	if s.state != StatePlaying {
		s.logger.Info("session attached", log.FieldConnID(connID), zap.Stringer("from", s.state))
	}
	s.state = StatePlaying
	s.lostAt = time.Time{}
}

// OnConnectionClosed 连接正常关闭。
func (s *Session) OnConnectionClosed(connID int64) {
	s.detach(connID, true)
}

// OnConnectionLost 连接静默死亡。
func (s *Session) OnConnectionLost(connID int64) {
	s.detach(connID, false)
}

func (s *Session) detach(connID int64, graceful bool) {
	if !s.conns.Contain(connID) {
		return
	}
	s.conns.Remove(connID)
	if s.conns.Len() == 0 {
		s.handleLostLastConnection(graceful)
	}
}

func (s *Session) handleLostLastConnection(graceful bool) {
	s.state = StateLinkless
	s.lostAt = time.Now()
	s.graceful = graceful
	s.logger.Info("session lost last connection", zap.Bool("graceful", graceful))
}

// IsActive 为 true 表示本 tick 需要运行周期任务。
func (s *Session) IsActive() bool {
	return s.state == StatePlaying && s.conns.Len() > 0
}

// Expired 判断 Linkless 会话是否已超过宽限期。
func (s *Session) Expired(now time.Time, grace time.Duration) bool {
	return s.state == StateLinkless && now.Sub(s.lostAt) >= grace
}

// SendText 追加输出，tick 末尾统一发往所有连接。
func (s *Session) SendText(text string) {
	s.output.WriteString(text)
}

// TakeOutput 取出并清空累积的输出。
func (s *Session) TakeOutput() string {
	out := s.output.String()
	s.output.Reset()
	return out
}
