package link

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/lk2023060901/kai-go/internal/json"
	"github.com/lk2023060901/kai-go/internal/network"
	"github.com/lk2023060901/kai-go/internal/network/connection"
	"github.com/lk2023060901/kai-go/pkg/log"
	"github.com/lk2023060901/kai-go/pkg/metrics"
	"github.com/lk2023060901/kai-go/pkg/util/merr"
)

// HeaderNonce 为拨号请求中携带进程 nonce 的 HTTP 头。
const HeaderNonce = "X-Kai-Nonce"

// Config 描述 portal 链路的配置。
type Config struct {
	// Address 为 portal 的 websocket 地址，例如 ws://127.0.0.1:4001/link。
	Address string

	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	SendQueueSize int
	InboxSize     int
	WriteTimeout  time.Duration
}

func defaultConfig() Config {
	return Config{
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		SendQueueSize:  1024,
		InboxSize:      64,
	}
}

func (c Config) withDefaults() Config {
	def := defaultConfig()
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = def.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = def.MaxBackoff
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = def.SendQueueSize
	}
	if c.InboxSize <= 0 {
		c.InboxSize = def.InboxSize
	}
	return c
}

// Publisher 接收传输层事件，通常为 *connection.Registry。
type Publisher interface {
	Publish(ctx context.Context, ev connection.Event) error
}

// Link 为到 portal 的 websocket 客户端。portal 持有真实的客户端连接，
// 经由本链路转发连接的建立、数据与断开，Link 将其转换为注册表事件。
//
// 链路断开时由 portal 转发的全部连接都视为 ConnectionLost，重连后由 portal 重新 open。
type Link struct {
	log.Binder

	cfg    Config
	pub    Publisher
	dialer *websocket.Dialer
	nonce  string

	mu    sync.Mutex
	out   chan Envelope
	conns map[int64]*connection.Connection

	connected atomic.Bool
}

var _ connection.Sink = (*Link)(nil)

func New(cfg Config, pub Publisher) *Link {
	return &Link{
		cfg:    cfg.withDefaults(),
		pub:    pub,
		dialer: websocket.DefaultDialer,
		nonce:  uuid.NewString(),
		conns:  make(map[int64]*connection.Connection),
	}
}

// Nonce 返回本进程的链路标识，portal 据此识别服务端重启。
func (l *Link) Nonce() string {
	return l.nonce
}

// Connected 判断链路当前是否已建立。
func (l *Link) Connected() bool {
	return l.connected.Load()
}

// Run 拨号并维持链路，断开后按指数退避重连，直到 ctx 取消。ctx 取消视为正常退出。
func (l *Link) Run(ctx context.Context) error {
	if l.cfg.Address == "" {
		return merr.WrapErrConfig("link.address", "must not be empty")
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.cfg.InitialBackoff
	b.MaxInterval = l.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	var lastErr error
	for {
		if ctx.Err() != nil {
			return nil
		}
		if lastErr != nil {
			next := b.NextBackOff()
			metrics.LinkReconnects.Inc()
			l.Logger().Warn("portal link unavailable, wait for retry...", zap.Error(lastErr), zap.Duration("nextBackoffInterval", next))
			select {
			case <-time.After(next):
			case <-ctx.Done():
				return nil
			}
		}

		header := http.Header{}
		header.Set(HeaderNonce, l.nonce)
		ws, _, err := l.dialer.DialContext(ctx, l.cfg.Address, header)
		if err != nil {
			lastErr = network.StageError(0, network.StageHandshake, err)
			continue
		}
		b.Reset()
		l.Logger().Info("portal link established", zap.String("address", l.cfg.Address))

		err = l.serve(ctx, ws)
		l.dropAll(ctx)
		if ctx.Err() != nil {
			return nil
		}
		lastErr = errors.Wrap(err, "portal link lost")
	}
}

// serve 运行一次已建立的链路直到读写任一方向失败。
func (l *Link) serve(ctx context.Context, ws *websocket.Conn) error {
	out := make(chan Envelope, l.cfg.SendQueueSize)
	out <- Envelope{Type: TypeHello, Nonce: l.nonce}
	l.mu.Lock()
	l.out = out
	l.mu.Unlock()
	l.connected.Store(true)

	sctx, cancel := context.WithCancel(ctx)
	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		l.writeLoop(sctx, cancel, ws, out)
	}()

	err := l.readLoop(sctx, ws)

	l.connected.Store(false)
	l.mu.Lock()
	l.out = nil
	l.mu.Unlock()
	cancel()
	<-writeDone
	return err
}

// writeLoop 串行写出信封。退出时关闭底层连接，使阻塞在读上的 readLoop 返回。
func (l *Link) writeLoop(ctx context.Context, cancel context.CancelFunc, ws *websocket.Conn, out <-chan Envelope) {
	defer func() {
		cancel()
		_ = ws.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		case env := <-out:
			data, err := json.Marshal(env)
			if err != nil {
				l.Logger().Warn("drop unencodable envelope", zap.Error(network.StageError(env.ID, network.StageEncode, err)))
				continue
			}
			if l.cfg.WriteTimeout > 0 {
				_ = ws.SetWriteDeadline(time.Now().Add(l.cfg.WriteTimeout))
			}
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				l.Logger().Warn("failed to write to portal", zap.Error(network.StageError(env.ID, network.StageSend, err)))
				return
			}
		}
	}
}

func (l *Link) readLoop(ctx context.Context, ws *websocket.Conn) error {
	logger := l.Logger().With(zap.String("address", l.cfg.Address)).WithRateGroup("link.read", 1, 30)
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			logger.RatedWarn(1, "drop undecodable envelope", zap.Error(network.StageError(0, network.StageDecode, err)))
			continue
		}
		if err := l.dispatch(ctx, env); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.RatedWarn(1, "failed to dispatch envelope", zap.String("type", env.Type),
				zap.Error(network.StageError(env.ID, network.StageDispatch, err)))
		}
	}
}

func (l *Link) dispatch(ctx context.Context, env Envelope) error {
	switch env.Type {
	case TypeOpen:
		caps, err := connection.ParseCapabilities(env.Capabilities)
		if err != nil {
			l.Logger().Warn("invalid capabilities, use defaults", log.FieldConnID(env.ID), zap.Error(err))
		}
		conn := connection.New(env.ID, caps, l,
			connection.WithAccount(env.Account),
			connection.WithInboxSize(l.cfg.InboxSize))
		l.mu.Lock()
		if _, ok := l.conns[env.ID]; ok {
			l.mu.Unlock()
			return merr.WrapErrConnectionExists(env.ID, "duplicate open from portal")
		}
		l.conns[env.ID] = conn
		l.mu.Unlock()
		return l.pub.Publish(ctx, connection.Event{Kind: connection.EventConnected, Conn: conn})

	case TypeClose:
		if !l.forget(env.ID) {
			return nil
		}
		return l.pub.Publish(ctx, connection.Event{Kind: connection.EventDisconnected, ID: env.ID, Reason: parseReason(env.Reason)})

	case TypeData:
		conn, ok := l.lookup(env.ID)
		if !ok {
			return merr.WrapErrConnectionNotFound(env.ID)
		}
		if env.Message == nil {
			return errors.New("missing message")
		}
		if err := conn.Deliver(ctx, *env.Message); err != nil {
			if errors.Is(err, merr.ErrConnectionNotFound) {
				l.forget(env.ID)
			}
			return err
		}
		return nil

	case TypeCaps:
		caps, err := connection.ParseCapabilities(env.Capabilities)
		if err != nil {
			return err
		}
		return l.pub.Publish(ctx, connection.Event{Kind: connection.EventCapabilities, ID: env.ID, Caps: caps})

	default:
		return errors.Newf("unknown envelope type %q", env.Type)
	}
}

// dropAll 链路断开后，portal 转发的连接全部视为丢失。
func (l *Link) dropAll(ctx context.Context) {
	l.mu.Lock()
	conns := l.conns
	l.conns = make(map[int64]*connection.Connection)
	l.mu.Unlock()

	if ctx.Err() != nil {
		return
	}
	for id := range conns {
		if err := l.pub.Publish(ctx, connection.Event{Kind: connection.EventDisconnected, ID: id, Reason: network.ConnectionLost}); err != nil {
			return
		}
	}
}

// Send 实现 connection.Sink，链路未建立或发送队列满时返回错误而不阻塞。
func (l *Link) Send(id int64, msg connection.Message) error {
	return l.enqueue(Envelope{Type: TypeSend, ID: id, Message: &msg})
}

// Logoff 实现 connection.Sink，通知 portal 关闭该连接。
func (l *Link) Logoff(id int64) error {
	l.forget(id)
	return l.enqueue(Envelope{Type: TypeLogoff, ID: id})
}

func (l *Link) enqueue(env Envelope) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.out == nil {
		return network.ErrConnClosed
	}
	select {
	case l.out <- env:
		return nil
	default:
		return network.StageError(env.ID, network.StageSend, network.ErrSendQueueFull)
	}
}

func (l *Link) lookup(id int64) (*connection.Connection, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	conn, ok := l.conns[id]
	return conn, ok
}

func (l *Link) forget(id int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.conns[id]; !ok {
		return false
	}
	delete(l.conns, id)
	return true
}

// Len 返回经由链路转发的存活连接数。
func (l *Link) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.conns)
}
