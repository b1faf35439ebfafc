package network

import (
	"io"
	"net"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"

	"github.com/lk2023060901/kai-go/pkg/metrics"
	"github.com/lk2023060901/kai-go/pkg/util/merr"
)

var (
	// ErrSendQueueFull 表示连接的发送队列已满，对端读取过慢。
	ErrSendQueueFull = errors.New("network: send queue full")
	// ErrConnClosed 表示传输端点已关闭。
	ErrConnClosed = errors.New("network: connection closed")
)

// Stage 表示网络收发链路中的处理阶段。
//
// 主要用于在日志中标记错误发生的位置，便于监控与排查。
type Stage string

const (
	StageHandshake Stage = "handshake"
	StageRecvRaw   Stage = "recv_raw" // 收到底层原始帧
	StageDecode    Stage = "decode"   // 原始字节 -> Envelope
	StageDispatch  Stage = "dispatch" // Envelope -> 注册表事件
	StageEncode    Stage = "encode"   // Message -> 字节
	StageSend      Stage = "send"     // 底层发送完成
)

// StageError 将错误标记为某个阶段的传输错误，传输错误只会转换为断开原因，不会导致进程退出。
func StageError(connID int64, stage Stage, err error) error {
	if err == nil {
		return nil
	}
	metrics.TransportErrors.WithLabelValues(string(stage)).Inc()
	return merr.WrapErrTransport(connID, errors.Wrap(err, string(stage)))
}

// DisconnectReason 描述连接断开的原因。
type DisconnectReason int

const (
	// ConnectionLost 传输层静默死亡，portal 侧已知。
	ConnectionLost DisconnectReason = iota
	// ConnectionClosed 传输层正常关闭，portal 侧已知。
	ConnectionClosed
	// SessionLogoff 由服务端发起，连接在 portal 侧仍存活，必须通知传输层。
	SessionLogoff
)

func (r DisconnectReason) String() string {
	switch r {
	case ConnectionLost:
		return "ConnectionLost"
	case ConnectionClosed:
		return "ConnectionClosed"
	case SessionLogoff:
		return "SessionLogoff"
	default:
		return "Unknown"
	}
}

// Graceful 为 true 表示会话应视为正常离线。
func (r DisconnectReason) Graceful() bool {
	return r != ConnectionLost
}

// NotifyTransport 为 true 表示断开由服务端发起，需要告知传输层。
func (r DisconnectReason) NotifyTransport() bool {
	return r == SessionLogoff
}

// ReasonFor 将读写错误转换为断开原因：正常关闭视为 ConnectionClosed，其余为 ConnectionLost。
func ReasonFor(err error) DisconnectReason {
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return ConnectionClosed
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return ConnectionClosed
	}
	return ConnectionLost
}
