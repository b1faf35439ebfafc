package connection

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/kai-go/internal/network"
	"github.com/lk2023060901/kai-go/pkg/util/merr"
)

type boundedTarget struct {
	capacity int
	lines    []string
}

func (t *boundedTarget) TrySubmit(line string) bool {
	if len(t.lines) >= t.capacity {
		return false
	}
	t.lines = append(t.lines, line)
	return true
}

func TestOnHeartbeatStallsWithoutLoss(t *testing.T) {
	ctx := context.Background()
	conn := New(1, DefaultCapabilities(), nil)
	require.NoError(t, conn.Deliver(ctx, TextMessage("a\r\nb\nc")))
	require.NoError(t, conn.Deliver(ctx, TextMessage("d")))

	target := &boundedTarget{capacity: 2}
	conn.OnHeartbeat(100*time.Millisecond, target)
	assert.Equal(t, []string{"a", "b"}, target.lines)
	assert.Equal(t, 1, conn.Stalled())

	// 消费者腾出空间后，暂存行先于后续消息投递。
	target.lines = nil
	conn.OnHeartbeat(100*time.Millisecond, target)
	assert.Equal(t, []string{"c", "d"}, target.lines)
	assert.Equal(t, 0, conn.Stalled())
}

func TestDeliverBackpressure(t *testing.T) {
	conn := New(2, DefaultCapabilities(), nil, WithInboxSize(1))
	require.NoError(t, conn.Deliver(context.Background(), TextMessage("first")))

	blocked := make(chan error, 1)
	go func() {
		blocked <- conn.Deliver(context.Background(), TextMessage("second"))
	}()

	select {
	case <-blocked:
		t.Fatal("producer must wait while the inbox is full")
	case <-time.After(20 * time.Millisecond):
	}

	target := &boundedTarget{capacity: 10}
	conn.OnHeartbeat(0, target)
	require.NoError(t, <-blocked)
	conn.OnHeartbeat(0, target)
	assert.Equal(t, []string{"first", "second"}, target.lines)
}

func TestDeliverAfterCleanup(t *testing.T) {
	sink := newRecordingSink()
	conn := New(3, DefaultCapabilities(), sink)
	conn.Cleanup(network.ConnectionClosed)
	conn.Cleanup(network.SessionLogoff)

	select {
	case <-conn.Done():
	default:
		t.Fatal("done must be closed")
	}
	err := conn.Deliver(context.Background(), TextMessage("late"))
	assert.ErrorIs(t, err, merr.ErrConnectionNotFound)
	assert.Empty(t, sink.logoffs)

	conn.SendText("ignored")
	assert.Empty(t, sink.sent[3])
}

func TestSendAndParserSwap(t *testing.T) {
	sink := newRecordingSink()
	conn := New(4, DefaultCapabilities(), sink, WithAccount("goku"))
	assert.Equal(t, "goku", conn.Account())
	assert.Equal(t, "telnet", conn.Parser().Name())

	conn.SendText("hello")
	require.Len(t, sink.sent[4], 1)
	assert.Equal(t, CmdText, sink.sent[4][0].Cmd)

	conn.SetParser(WebSocketParser{})
	require.NoError(t, conn.Deliver(context.Background(), Message{Cmd: "look", Args: []any{"north"}}))
	target := &boundedTarget{capacity: 4}
	conn.OnHeartbeat(0, target)
	assert.Equal(t, []string{"look north"}, target.lines)
	assert.Equal(t, int64(4), conn.ID())
}

func TestParsers(t *testing.T) {
	assert.Equal(t, []string{"say hi", ""}, TelnetParser{}.Parse(TextMessage("say hi\r\n\r\n")))
	assert.Nil(t, TelnetParser{}.Parse(Message{Cmd: "gmcp"}))
	assert.Equal(t, []string{"one", "two"}, WebSocketParser{}.Parse(Message{Cmd: CmdText, Args: []any{"one", "two"}}))
	assert.Equal(t, "websocket", ParserFor(WebSocket).Name())
	assert.Equal(t, "telnet", ParserFor(Telnet).Name())
}

func TestMessageCodec(t *testing.T) {
	data, err := Message{Cmd: "text", Args: []any{"hi"}, Kwargs: map[string]any{"color": true}}.Encode()
	require.NoError(t, err)

	msg, err := DecodeMessage(data)
	require.NoError(t, err)
	lines, ok := msg.Text()
	assert.True(t, ok)
	assert.Equal(t, []string{"hi"}, lines)
	assert.Equal(t, true, msg.Kwargs["color"])

	_, err = DecodeMessage([]byte(`{"args": []}`))
	assert.Error(t, err)
	_, err = DecodeMessage([]byte(`not json`))
	assert.Error(t, err)
}

func TestCapabilities(t *testing.T) {
	caps, err := ParseCapabilities([]byte(`{"protocol":"websocket","color":"xterm256","width":132,"flags":{"gmcp":true,"mccp2":false}}`))
	require.NoError(t, err)
	assert.Equal(t, WebSocket, caps.Protocol)
	assert.Equal(t, Xterm256, caps.Color)
	assert.Equal(t, 132, caps.Width)
	assert.Equal(t, 52, caps.Height)
	assert.True(t, caps.Has(FlagGMCP))
	assert.False(t, caps.Has(FlagMCCP2))
	assert.False(t, caps.Has(FlagTLS))

	clone := caps.Clone()
	clone.Set(FlagTLS, true)
	assert.False(t, caps.Has(FlagTLS))

	_, err = ParseCapabilities([]byte(`{"protocol":"gopher"}`))
	assert.Error(t, err)

	def, err := ParseCapabilities(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultCapabilities(), def)
	assert.Equal(t, "none", def.Color.String())
}
