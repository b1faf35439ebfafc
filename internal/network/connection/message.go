package connection

import (
	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/kai-go/internal/json"
)

const (
	// CmdText 为纯文本消息，args[0] 为文本内容。
	CmdText = "text"
)

// Message 是与传输层交换的结构化信封。
type Message struct {
	Cmd    string         `json:"cmd"`
	Args   []any          `json:"args,omitempty"`
	Kwargs map[string]any `json:"kwargs,omitempty"`
}

// TextMessage 构造一条文本消息。
func TextMessage(text string) Message {
	return Message{Cmd: CmdText, Args: []any{text}}
}

// Text 返回文本消息的全部字符串参数，非文本消息返回 false。
func (m Message) Text() ([]string, bool) {
	if m.Cmd != CmdText {
		return nil, false
	}
	out := make([]string, 0, len(m.Args))
	for _, arg := range m.Args {
		if s, ok := arg.(string); ok {
			out = append(out, s)
		}
	}
	return out, true
}

// Encode 序列化为 JSON。
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMessage 解析 JSON 信封，cmd 不能为空。
func DecodeMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, errors.Wrap(err, "decode message")
	}
	if m.Cmd == "" {
		return Message{}, errors.New("decode message: missing cmd")
	}
	return m, nil
}
