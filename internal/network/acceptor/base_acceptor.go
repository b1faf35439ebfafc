package acceptor

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/lk2023060901/kai-go/internal/json"
	"github.com/lk2023060901/kai-go/internal/network"
	"github.com/lk2023060901/kai-go/internal/network/connection"
	"github.com/lk2023060901/kai-go/pkg/log"
)

const (
	shutdownTimeout = 5 * time.Second
	closeWait       = time.Second
)

// client 为一个已升级的 WebSocket 连接在传输侧的状态。
type client struct {
	id   int64
	ws   *websocket.Conn
	caps connection.Capabilities

	send   chan connection.Message
	logoff chan struct{}
	done   chan struct{}

	loggedOff atomic.Bool
	logoffOne sync.Once
	closeOnce sync.Once
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// Acceptor 为直连 WebSocket 接入层，一个客户端连接对应一个 Connection。
//
// 职责：
//   - 处理 WebSocket 升级，为每个连接分配 ID 并向 Publisher 投递 Connected 事件；
//   - 读协程解码信封并通过 Connection.Deliver 投递，入站通道满时阻塞；
//   - 写协程串行写出 Send 投递的消息，实现 connection.Sink；
//   - 连接结束时按 network.ReasonFor 投递 Disconnected 事件。
type Acceptor struct {
	log.Binder

	cfg      Config
	pub      Publisher
	upgrader *websocket.Upgrader

	nextID atomic.Int64

	mu      sync.RWMutex
	clients map[int64]*client
	closed  bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

var (
	_ connection.Sink = (*Acceptor)(nil)
	_ http.Handler    = (*Acceptor)(nil)
)

// New 创建接入器，pub 通常为 *connection.Registry。
func New(cfg Config, pub Publisher) *Acceptor {
	cfg = cfg.withDefaults()
	upgrader := cfg.Upgrader
	if upgrader == nil {
		upgrader = &websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	a := &Acceptor{
		cfg:      cfg,
		pub:      pub,
		upgrader: upgrader,
		clients:  make(map[int64]*client),
		ctx:      ctx,
		cancel:   cancel,
	}
	a.nextID.Store(cfg.FirstID - 1)
	return a
}

// Serve 在 ln 上提供 HTTP 服务，阻塞直至 ctx 取消或监听失败。ctx 取消视为正常退出。
func (a *Acceptor) Serve(ctx context.Context, ln net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle(a.cfg.Path, a)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	a.Logger().Info("websocket acceptor listening", zap.String("address", ln.Addr().String()), zap.String("path", a.cfg.Path))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.Logger().Warn("failed to shutdown http server", zap.Error(err))
		}
		a.Close()
		<-errCh
		return nil
	case err := <-errCh:
		a.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Close 关闭全部连接并等待其读写协程退出，可重复调用。
func (a *Acceptor) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		a.wg.Wait()
		return
	}
	a.closed = true
	a.cancel()
	for _, c := range a.clients {
		c.close()
	}
	a.mu.Unlock()
	a.wg.Wait()
}

// Len 返回当前存活的客户端数。
func (a *Acceptor) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.clients)
}

// ServeHTTP 处理升级请求，并在当前协程上运行该连接的读循环。
func (a *Acceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade 已写回 HTTP 错误。
		a.Logger().RatedWarn(1, "websocket upgrade failed", zap.Error(network.StageError(0, network.StageHandshake, err)))
		return
	}

	c := &client{
		id:     a.nextID.Inc(),
		ws:     ws,
		caps:   a.capabilities(r),
		send:   make(chan connection.Message, a.cfg.SendQueueSize),
		logoff: make(chan struct{}),
		done:   make(chan struct{}),
	}
	if !a.add(c) {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(closeWait))
		_ = ws.Close()
		return
	}
	defer a.wg.Done()

	conn := connection.New(c.id, c.caps, a,
		connection.WithAccount(r.URL.Query().Get(QueryAccount)),
		connection.WithInboxSize(a.cfg.InboxSize))
	logger := a.Logger().With(log.FieldConnID(c.id), zap.String("remote", r.RemoteAddr)).
		WithRateGroup("acceptor.client", 1, 30)

	if err := a.pub.Publish(a.ctx, connection.Event{Kind: connection.EventConnected, Conn: conn}); err != nil {
		a.remove(c)
		c.close()
		return
	}
	logger.Info("websocket client connected")

	go a.writeLoop(c, logger)
	cause := a.readLoop(c, conn, logger)

	a.remove(c)
	c.close()
	if c.loggedOff.Load() {
		return
	}
	reason := network.ReasonFor(cause)
	if a.ctx.Err() != nil {
		reason = network.ConnectionClosed
	}
	logger.Info("websocket client disconnected", zap.Stringer("reason", reason), zap.NamedError("cause", cause))
	// 接入器关闭时调度线程可能已退出，事件直接丢弃。
	if err := a.pub.Publish(a.ctx, connection.Event{Kind: connection.EventDisconnected, ID: c.id, Reason: reason}); err != nil {
		logger.Debug("drop disconnect event", zap.Error(err))
	}
}

// readLoop 持续读取并解码信封，返回值为连接结束的原因。
func (a *Acceptor) readLoop(c *client, conn *connection.Connection, logger *log.MLogger) error {
	for {
		if a.cfg.ReadTimeout > 0 {
			if err := c.ws.SetReadDeadline(time.Now().Add(a.cfg.ReadTimeout)); err != nil {
				return err
			}
		}
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}

		msg, err := connection.DecodeMessage(data)
		if err != nil {
			logger.RatedWarn(1, "drop undecodable message", zap.Error(network.StageError(c.id, network.StageDecode, err)))
			continue
		}
		if msg.Cmd == CmdCapabilities {
			if err := a.updateCapabilities(c, msg); err != nil {
				logger.RatedWarn(1, "drop invalid capabilities", zap.Error(network.StageError(c.id, network.StageDispatch, err)))
			}
			continue
		}
		if err := conn.Deliver(a.ctx, msg); err != nil {
			return err
		}
	}
}

// writeLoop 串行写出消息。收到 logoff 时先写完已排队的消息再发送关闭帧。
func (a *Acceptor) writeLoop(c *client, logger *log.MLogger) {
	defer c.close()
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			if err := a.write(c, msg); err != nil {
				logger.Warn("failed to write message", zap.Error(err))
				return
			}
		case <-c.logoff:
		drain:
			for {
				select {
				case msg := <-c.send:
					if err := a.write(c, msg); err != nil {
						return
					}
				default:
					break drain
				}
			}
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "logoff"), time.Now().Add(closeWait))
			return
		}
	}
}

func (a *Acceptor) write(c *client, msg connection.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return network.StageError(c.id, network.StageEncode, err)
	}
	if a.cfg.WriteTimeout > 0 {
		if err := c.ws.SetWriteDeadline(time.Now().Add(a.cfg.WriteTimeout)); err != nil {
			return network.StageError(c.id, network.StageSend, err)
		}
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return network.StageError(c.id, network.StageSend, err)
	}
	return nil
}

// Send 实现 connection.Sink，发送队列满时返回 ErrSendQueueFull 而不阻塞。
func (a *Acceptor) Send(id int64, msg connection.Message) error {
	c, ok := a.get(id)
	if !ok {
		return network.ErrConnClosed
	}
	select {
	case <-c.done:
		return network.ErrConnClosed
	default:
	}
	select {
	case c.send <- msg:
		return nil
	default:
		return network.StageError(id, network.StageSend, network.ErrSendQueueFull)
	}
}

// Logoff 实现 connection.Sink，由服务端主动关闭连接。
func (a *Acceptor) Logoff(id int64) error {
	c, ok := a.get(id)
	if !ok {
		return nil
	}
	c.logoffOne.Do(func() {
		c.loggedOff.Store(true)
		close(c.logoff)
	})
	return nil
}

func (a *Acceptor) updateCapabilities(c *client, msg connection.Message) error {
	data, err := json.Marshal(msg.Kwargs)
	if err != nil {
		return err
	}
	caps := c.caps.Clone()
	if err := json.Unmarshal(data, &caps); err != nil {
		return err
	}
	c.caps = caps
	return a.pub.Publish(a.ctx, connection.Event{Kind: connection.EventCapabilities, ID: c.id, Caps: caps.Clone()})
}

func (a *Acceptor) capabilities(r *http.Request) connection.Capabilities {
	caps := connection.DefaultCapabilities()
	caps.Protocol = connection.WebSocket
	caps.Encoding = "utf-8"
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		caps.HostAddress = host
	}
	if name := r.URL.Query().Get(QueryClient); name != "" {
		caps.ClientName = name
	} else if ua := r.UserAgent(); ua != "" {
		caps.ClientName = ua
	}
	return caps
}

func (a *Acceptor) add(c *client) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return false
	}
	a.clients[c.id] = c
	a.wg.Add(1)
	return true
}

func (a *Acceptor) remove(c *client) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.clients, c.id)
}

func (a *Acceptor) get(id int64) (*client, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	c, ok := a.clients[id]
	return c, ok
}
