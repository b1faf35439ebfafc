package connection

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lk2023060901/kai-go/internal/network"
	"github.com/lk2023060901/kai-go/pkg/log"
	"github.com/lk2023060901/kai-go/pkg/util/merr"
)

const defaultInboxSize = 64

// Sink 为连接的出站方向，由传输层实现。
type Sink interface {
	// Send 投递一条出站消息，不得阻塞调度线程。
	Send(id int64, msg Message) error
	// Logoff 通知传输层由服务端主动断开该连接。
	Logoff(id int64) error
}

// InputTarget 接收解析后的命令行，通常为会话。
type InputTarget interface {
	// TrySubmit 非阻塞投递，通道已满时返回 false。
	TrySubmit(line string) bool
}

// Connection 为一个传输端点。
//
// 除 Deliver 外的方法只允许在调度线程上调用。
type Connection struct {
	id      int64
	account string
	caps    Capabilities
	parser  Parser
	sink    Sink

	connectedAt  time.Time
	lastActivity time.Time
	lastMsg      time.Time

	// sessionID 只保存 ID，通过会话管理器查找，0 表示未绑定。
	sessionID int64

	inbox   chan Message
	done    chan struct{}
	stalled []string
	closed  bool

	logger *log.MLogger
}

type Option func(c *Connection)

// WithAccount 设置连接声明的账号，用于断线重连时找回会话。
func WithAccount(account string) Option {
	return func(c *Connection) {
		c.account = account
	}
}

// WithInboxSize 设置入站通道容量。
func WithInboxSize(n int) Option {
	return func(c *Connection) {
		if n > 0 {
			c.inbox = make(chan Message, n)
		}
	}
}

// WithParser 覆盖按协议选择的缺省解析策略。
func WithParser(p Parser) Option {
	return func(c *Connection) {
		if p != nil {
			c.parser = p
		}
	}
}

// New 创建连接，sink 为 nil 时出站消息被丢弃。
func New(id int64, caps Capabilities, sink Sink, opts ...Option) *Connection {
	now := time.Now()
	c := &Connection{
		id:           id,
		caps:         caps,
		parser:       ParserFor(caps.Protocol),
		sink:         sink,
		connectedAt:  now,
		lastActivity: now,
		inbox:        make(chan Message, defaultInboxSize),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = log.With(log.FieldConnID(id), zap.String("protocol", caps.Protocol.String()))
	return c
}

func (c *Connection) ID() int64 { return c.id }

func (c *Connection) Account() string { return c.account }

func (c *Connection) Capabilities() Capabilities { return c.caps }

// SetCapabilities 替换能力记录，协议变化时同时切换解析策略。
func (c *Connection) SetCapabilities(caps Capabilities) {
	if caps.Protocol != c.caps.Protocol {
		c.parser = ParserFor(caps.Protocol)
	}
	c.caps = caps
}

func (c *Connection) Parser() Parser { return c.parser }

// SetParser 在运行时替换解析策略，连接身份不变。
func (c *Connection) SetParser(p Parser) {
	if p != nil {
		c.parser = p
	}
}

func (c *Connection) SessionID() int64 { return c.sessionID }

func (c *Connection) BindSession(id int64) { c.sessionID = id }

func (c *Connection) ConnectedAt() time.Time { return c.connectedAt }

func (c *Connection) LastActivity() time.Time { return c.lastActivity }

func (c *Connection) LastMsg() time.Time { return c.lastMsg }

// Stalled 返回因会话输入通道已满而暂存的行数。
func (c *Connection) Stalled() int { return len(c.stalled) }

// Done 在连接被清理后关闭。
func (c *Connection) Done() <-chan struct{} { return c.done }

// Deliver 由传输层调用，入站通道已满时阻塞直到调度线程取走消息。
func (c *Connection) Deliver(ctx context.Context, msg Message) error {
	select {
	case c.inbox <- msg:
		return nil
	case <-c.done:
		return merr.WrapErrConnectionNotFound(c.id, "connection cleaned up")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnHeartbeat 非阻塞地取出入站消息并交给 target。
// target 通道已满时，剩余的行暂存并停止本轮读取，下个 tick 先补投暂存行。
func (c *Connection) OnHeartbeat(_ time.Duration, target InputTarget) {
	if target == nil || c.closed {
		return
	}
	for len(c.stalled) > 0 {
		if !target.TrySubmit(c.stalled[0]) {
			return
		}
		c.stalled = c.stalled[1:]
	}
	for {
		select {
		case msg := <-c.inbox:
			now := time.Now()
			c.lastMsg = now
			c.lastActivity = now
			lines := c.parser.Parse(msg)
			for i, line := range lines {
				if !target.TrySubmit(line) {
					c.stalled = append(c.stalled, lines[i:]...)
					return
				}
			}
		default:
			return
		}
	}
}

// OnWelcome 在连接首次被调度线程接纳时调用。
func (c *Connection) OnWelcome() {
	c.lastActivity = time.Now()
	c.logger.Info("connection welcomed",
		zap.String("client", c.caps.ClientName),
		zap.String("host", c.caps.HostAddress))
}

// SendText 发送文本。
func (c *Connection) SendText(text string) {
	c.SendMessage(TextMessage(text))
}

// SendMessage 发送一条信封，传输错误只记录日志。
func (c *Connection) SendMessage(msg Message) {
	if c.closed || c.sink == nil {
		return
	}
	if err := c.sink.Send(c.id, msg); err != nil {
		c.logger.RatedWarn(1, "failed to send message", zap.String("cmd", msg.Cmd), zap.Error(err))
	}
}

// Cleanup 释放连接，SessionLogoff 需要通知传输层。只执行一次。
func (c *Connection) Cleanup(reason network.DisconnectReason) {
	if c.closed {
		return
	}
	c.closed = true
	if reason.NotifyTransport() && c.sink != nil {
		if err := c.sink.Logoff(c.id); err != nil {
			c.logger.Warn("failed to notify transport of logoff", zap.Error(err))
		}
	}
	c.stalled = nil
	close(c.done)
	c.logger.Info("connection cleaned up", zap.Stringer("reason", reason))
}
