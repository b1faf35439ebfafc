package link

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/lk2023060901/kai-go/internal/json"
	"github.com/lk2023060901/kai-go/internal/network"
	"github.com/lk2023060901/kai-go/internal/network/connection"
	"github.com/lk2023060901/kai-go/pkg/util/merr"
)

const waitFor = 2 * time.Second

type fakePublisher struct {
	events chan connection.Event
}

func (f *fakePublisher) Publish(ctx context.Context, ev connection.Event) error {
	select {
	case f.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type lineCollector struct {
	lines []string
}

func (l *lineCollector) TrySubmit(line string) bool {
	l.lines = append(l.lines, line)
	return true
}

// portal 为测试用的 portal 端，每个被接受的链路连同拨号请求一起投递到 accepted。
type portal struct {
	server   *httptest.Server
	accepted chan accepted
}

type accepted struct {
	ws    *websocket.Conn
	nonce string
}

func newPortal() *portal {
	p := &portal{accepted: make(chan accepted, 4)}
	upgrader := websocket.Upgrader{}
	p.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		p.accepted <- accepted{ws: ws, nonce: r.Header.Get(HeaderNonce)}
	}))
	return p
}

func (p *portal) url() string {
	return "ws" + strings.TrimPrefix(p.server.URL, "http") + "/link"
}

type LinkSuite struct {
	suite.Suite

	portal *portal
	pub    *fakePublisher
	link   *Link
	cancel context.CancelFunc
	done   chan error
}

func (s *LinkSuite) SetupTest() {
	s.portal = newPortal()
	s.pub = &fakePublisher{events: make(chan connection.Event, 16)}
	s.link = New(Config{Address: s.portal.url(), InitialBackoff: 10 * time.Millisecond, MaxBackoff: 50 * time.Millisecond}, s.pub)

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan error, 1)
	go func() {
		s.done <- s.link.Run(ctx)
	}()
}

func (s *LinkSuite) TearDownTest() {
	s.cancel()
	select {
	case err := <-s.done:
		s.NoError(err)
	case <-time.After(waitFor):
		s.Fail("link did not stop")
	}
	s.portal.server.Close()
}

func (s *LinkSuite) accept() *websocket.Conn {
	select {
	case a := <-s.portal.accepted:
		s.Equal(s.link.Nonce(), a.nonce)
		hello := s.read(a.ws)
		s.Equal(TypeHello, hello.Type)
		s.Equal(s.link.Nonce(), hello.Nonce)
		return a.ws
	case <-time.After(waitFor):
		s.FailNow("link did not dial")
		return nil
	}
}

func (s *LinkSuite) read(ws *websocket.Conn) Envelope {
	s.Require().NoError(ws.SetReadDeadline(time.Now().Add(waitFor)))
	_, data, err := ws.ReadMessage()
	s.Require().NoError(err)
	var env Envelope
	s.Require().NoError(json.Unmarshal(data, &env))
	return env
}

func (s *LinkSuite) write(ws *websocket.Conn, env Envelope) {
	data, err := json.Marshal(env)
	s.Require().NoError(err)
	s.Require().NoError(ws.WriteMessage(websocket.TextMessage, data))
}

func (s *LinkSuite) next() connection.Event {
	select {
	case ev := <-s.pub.events:
		return ev
	case <-time.After(waitFor):
		s.FailNow("no event published")
		return connection.Event{}
	}
}

func (s *LinkSuite) open(ws *websocket.Conn, id int64, account string) *connection.Connection {
	s.write(ws, Envelope{Type: TypeOpen, ID: id, Account: account, Capabilities: json.RawMessage(`{"width":100,"client_name":"tintin"}`)})
	ev := s.next()
	s.Require().Equal(connection.EventConnected, ev.Kind)
	return ev.Conn
}

func (s *LinkSuite) TestOpenDataClose() {
	ws := s.accept()
	defer ws.Close()

	conn := s.open(ws, 5, "alice")
	s.Equal(int64(5), conn.ID())
	s.Equal("alice", conn.Account())
	s.Equal(100, conn.Capabilities().Width)
	s.Equal("tintin", conn.Capabilities().ClientName)
	s.Equal(1, s.link.Len())

	msg := connection.TextMessage("look\nsay hi")
	s.write(ws, Envelope{Type: TypeData, ID: 5, Message: &msg})
	target := &lineCollector{}
	s.Eventually(func() bool {
		conn.OnHeartbeat(0, target)
		return len(target.lines) == 2
	}, waitFor, 10*time.Millisecond)
	s.Equal([]string{"look", "say hi"}, target.lines)

	s.write(ws, Envelope{Type: TypeCaps, ID: 5, Capabilities: json.RawMessage(`{"protocol":"websocket"}`)})
	ev := s.next()
	s.Equal(connection.EventCapabilities, ev.Kind)
	s.Equal(connection.WebSocket, ev.Caps.Protocol)

	s.write(ws, Envelope{Type: TypeClose, ID: 5, Reason: ReasonLost})
	ev = s.next()
	s.Equal(connection.EventDisconnected, ev.Kind)
	s.Equal(int64(5), ev.ID)
	s.Equal(network.ConnectionLost, ev.Reason)
	s.Equal(0, s.link.Len())
}

func (s *LinkSuite) TestOutbound() {
	ws := s.accept()
	defer ws.Close()
	s.Eventually(s.link.Connected, waitFor, 10*time.Millisecond)

	s.open(ws, 9, "")
	s.Require().NoError(s.link.Send(9, connection.TextMessage("hello")))
	env := s.read(ws)
	s.Equal(TypeSend, env.Type)
	s.Equal(int64(9), env.ID)
	s.Require().NotNil(env.Message)
	texts, ok := env.Message.Text()
	s.True(ok)
	s.Equal([]string{"hello"}, texts)

	s.Require().NoError(s.link.Logoff(9))
	env = s.read(ws)
	s.Equal(TypeLogoff, env.Type)
	s.Equal(int64(9), env.ID)
	s.Equal(0, s.link.Len())

	// portal 随后确认关闭时不再重复投递断开事件。
	s.write(ws, Envelope{Type: TypeClose, ID: 9})
	select {
	case ev := <-s.pub.events:
		s.Failf("unexpected event", "kind %v", ev.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}

func (s *LinkSuite) TestReconnectDropsConnections() {
	ws := s.accept()
	s.open(ws, 1, "alice")
	s.open(ws, 2, "bob")
	s.Require().NoError(ws.Close())

	lost := map[int64]network.DisconnectReason{}
	for i := 0; i < 2; i++ {
		ev := s.next()
		s.Equal(connection.EventDisconnected, ev.Kind)
		lost[ev.ID] = ev.Reason
	}
	s.Equal(map[int64]network.DisconnectReason{1: network.ConnectionLost, 2: network.ConnectionLost}, lost)

	ws2 := s.accept()
	defer ws2.Close()
	s.open(ws2, 1, "alice")
	s.Equal(1, s.link.Len())
}

func (s *LinkSuite) TestUnknownConnectionData() {
	ws := s.accept()
	defer ws.Close()

	msg := connection.TextMessage("ghost")
	s.write(ws, Envelope{Type: TypeData, ID: 404, Message: &msg})
	s.write(ws, Envelope{Type: "bogus"})
	conn := s.open(ws, 3, "")
	s.Equal(int64(3), conn.ID())
}

func (s *LinkSuite) TestDuplicateOpenKeepsFirst() {
	ws := s.accept()
	defer ws.Close()

	first := s.open(ws, 4, "alice")
	s.write(ws, Envelope{Type: TypeOpen, ID: 4, Account: "mallory"})
	select {
	case ev := <-s.pub.events:
		s.Failf("unexpected event", "kind %v", ev.Kind)
	case <-time.After(50 * time.Millisecond):
	}

	conn, ok := s.link.lookup(4)
	s.Require().True(ok)
	s.Same(first, conn)
	s.Equal("alice", conn.Account())
	s.Equal(1, s.link.Len())
}

func TestLink(t *testing.T) {
	suite.Run(t, new(LinkSuite))
}

func TestSendWhileDisconnected(t *testing.T) {
	l := New(Config{Address: "ws://127.0.0.1:1/link"}, &fakePublisher{events: make(chan connection.Event, 1)})
	assert.ErrorIs(t, l.Send(1, connection.TextMessage("x")), network.ErrConnClosed)
	assert.False(t, l.Connected())
	assert.NotEmpty(t, l.Nonce())
}

func TestRunRequiresAddress(t *testing.T) {
	l := New(Config{}, &fakePublisher{events: make(chan connection.Event, 1)})
	err := l.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, merr.ErrConfig)
}

func TestParseReason(t *testing.T) {
	assert.Equal(t, network.ConnectionLost, parseReason(ReasonLost))
	assert.Equal(t, network.ConnectionClosed, parseReason(ReasonClosed))
	assert.Equal(t, network.ConnectionClosed, parseReason(""))
}
