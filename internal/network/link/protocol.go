package link

import (
	"github.com/lk2023060901/kai-go/internal/json"
	"github.com/lk2023060901/kai-go/internal/network"
	"github.com/lk2023060901/kai-go/internal/network/connection"
)

// portal 链路上的信封类型。
const (
	// TypeHello 为建链后服务端发出的第一条消息，携带本进程的 nonce。
	TypeHello = "link.hello"

	TypeOpen  = "conn.open"
	TypeClose = "conn.close"
	TypeData  = "conn.data"
	TypeCaps  = "conn.caps"

	TypeSend   = "conn.send"
	TypeLogoff = "conn.logoff"
)

// 断开原因在链路上的文本形式。
const (
	ReasonClosed = "closed"
	ReasonLost   = "lost"
)

// Envelope 为 portal 链路上交换的 JSON 信封。
type Envelope struct {
	Type         string              `json:"type"`
	ID           int64               `json:"id,omitempty"`
	Account      string              `json:"account,omitempty"`
	Capabilities json.RawMessage     `json:"capabilities,omitempty"`
	Reason       string              `json:"reason,omitempty"`
	Message      *connection.Message `json:"message,omitempty"`
	Nonce        string              `json:"nonce,omitempty"`
}

// parseReason 未知或缺失的原因视为正常关闭。
func parseReason(s string) network.DisconnectReason {
	if s == ReasonLost {
		return network.ConnectionLost
	}
	return network.ConnectionClosed
}
