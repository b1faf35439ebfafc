package acceptor

import (
	"context"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lk2023060901/kai-go/internal/network/connection"
)

// DefaultFirstID 为直连连接的起始 ID，与 portal 分配的 ID 区间错开。
const DefaultFirstID int64 = 1 << 40

// Config 描述直连 WebSocket 接入层的配置。
//
// 说明：
//   - SendQueueSize 控制每个连接的发送缓冲队列大小，队列满时发送失败而不阻塞调度线程；
//   - InboxSize 为 Connection 入站通道容量，满时读协程阻塞（背压）；
//   - ReadTimeout/WriteTimeout 控制单次读写的超时时间（为 0 表示不设置 deadline）；
//   - Path 控制 WebSocket 的升级路径（如 "/ws"）。
type Config struct {
	SendQueueSize int
	InboxSize     int

	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	Path string

	// FirstID 为分配给第一个连接的 ID。
	FirstID int64

	// Upgrader 允许调用方自定义 gorilla/websocket 的升级行为。
	// 若为 nil，则使用内部默认的 Upgrader。
	Upgrader *websocket.Upgrader
}

// 默认配置。
func defaultConfig() Config {
	return Config{
		SendQueueSize: 256,
		InboxSize:     64,
		Path:          "/ws",
		FirstID:       DefaultFirstID,
	}
}

func (c Config) withDefaults() Config {
	def := defaultConfig()
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = def.SendQueueSize
	}
	if c.InboxSize <= 0 {
		c.InboxSize = def.InboxSize
	}
	if c.Path == "" {
		c.Path = def.Path
	}
	if c.FirstID <= 0 {
		c.FirstID = def.FirstID
	}
	return c
}

// Publisher 接收传输层事件，通常为 *connection.Registry。
type Publisher interface {
	Publish(ctx context.Context, ev connection.Event) error
}

const (
	// QueryAccount 为升级请求中声明账号的查询参数。
	QueryAccount = "account"
	// QueryClient 为升级请求中声明客户端名称的查询参数。
	QueryClient = "client"

	// CmdCapabilities 为客户端更新能力记录的信封，kwargs 为 Capabilities 的 JSON 字段。
	CmdCapabilities = "capabilities"
)
