package connection

import (
	"fmt"
	"strings"
)

// Parser 将入站信封转换为命令行，按连接持有并可在运行时替换。
type Parser interface {
	Name() string
	Parse(msg Message) []string
}

// ParserFor 按协议返回缺省解析策略。
func ParserFor(p Protocol) Parser {
	if p == WebSocket {
		return WebSocketParser{}
	}
	return TelnetParser{}
}

// TelnetParser 将文本按行切分，去掉行尾的 \r，非文本消息忽略。
type TelnetParser struct{}

func (TelnetParser) Name() string { return "telnet" }

func (TelnetParser) Parse(msg Message) []string {
	texts, ok := msg.Text()
	if !ok {
		return nil
	}
	return splitLines(texts)
}

// WebSocketParser 处理结构化客户端：文本按行切分，
// 其它 cmd 视为客户端界面触发的命令，拼成 "cmd arg1 arg2" 一行。
type WebSocketParser struct{}

func (WebSocketParser) Name() string { return "websocket" }

func (WebSocketParser) Parse(msg Message) []string {
	if texts, ok := msg.Text(); ok {
		return splitLines(texts)
	}
	parts := make([]string, 0, len(msg.Args)+1)
	parts = append(parts, msg.Cmd)
	for _, arg := range msg.Args {
		parts = append(parts, fmt.Sprint(arg))
	}
	return []string{strings.Join(parts, " ")}
}

func splitLines(texts []string) []string {
	var lines []string
	for _, text := range texts {
		text = strings.TrimSuffix(text, "\n")
		for _, line := range strings.Split(text, "\n") {
			lines = append(lines, strings.TrimSuffix(line, "\r"))
		}
	}
	return lines
}
