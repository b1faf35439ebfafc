package acceptor

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/suite"

	"github.com/lk2023060901/kai-go/internal/network"
	"github.com/lk2023060901/kai-go/internal/network/connection"
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

type AcceptorSuite struct {
	suite.Suite

	pub    *fakePublisher
	acc    *Acceptor
	server *httptest.Server
}

func (s *AcceptorSuite) SetupTest() {
	s.pub = &fakePublisher{events: make(chan connection.Event, 16)}
	s.acc = New(Config{SendQueueSize: 4}, s.pub)
	s.server = httptest.NewServer(s.acc)
}

func (s *AcceptorSuite) TearDownTest() {
	s.acc.Close()
	s.server.Close()
}

func (s *AcceptorSuite) dial(query string) *websocket.Conn {
	url := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/ws?" + query
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	s.Require().NoError(err)
	return ws
}

func (s *AcceptorSuite) next() connection.Event {
	select {
	case ev := <-s.pub.events:
		return ev
	case <-time.After(waitFor):
		s.FailNow("no event published")
		return connection.Event{}
	}
}

func (s *AcceptorSuite) connected(query string) (*websocket.Conn, *connection.Connection) {
	ws := s.dial(query)
	ev := s.next()
	s.Require().Equal(connection.EventConnected, ev.Kind)
	s.Require().NotNil(ev.Conn)
	return ws, ev.Conn
}

func (s *AcceptorSuite) send(ws *websocket.Conn, raw string) {
	s.Require().NoError(ws.WriteMessage(websocket.TextMessage, []byte(raw)))
}

func (s *AcceptorSuite) readText(ws *websocket.Conn) string {
	s.Require().NoError(ws.SetReadDeadline(time.Now().Add(waitFor)))
	_, data, err := ws.ReadMessage()
	s.Require().NoError(err)
	msg, err := connection.DecodeMessage(data)
	s.Require().NoError(err)
	texts, ok := msg.Text()
	s.Require().True(ok)
	return strings.Join(texts, "")
}

func (s *AcceptorSuite) TestConnect() {
	ws, conn := s.connected("account=alice&client=mudlet")
	defer ws.Close()

	s.Equal(DefaultFirstID, conn.ID())
	s.Equal("alice", conn.Account())
	caps := conn.Capabilities()
	s.Equal(connection.WebSocket, caps.Protocol)
	s.Equal("mudlet", caps.ClientName)
	s.Equal("127.0.0.1", caps.HostAddress)
	s.Equal("websocket", conn.Parser().Name())

	ws2, conn2 := s.connected("")
	defer ws2.Close()
	s.Equal(DefaultFirstID+1, conn2.ID())
	s.Eventually(func() bool { return s.acc.Len() == 2 }, waitFor, 10*time.Millisecond)
}

func (s *AcceptorSuite) TestInboundDelivered() {
	ws, conn := s.connected("")
	defer ws.Close()

	s.send(ws, `{"cmd":"text","args":["look"]}`)
	s.send(ws, `not json`)
	s.send(ws, `{"cmd":"move","args":["north"]}`)

	target := &lineCollector{}
	s.Eventually(func() bool {
		conn.OnHeartbeat(0, target)
		return len(target.lines) == 2
	}, waitFor, 10*time.Millisecond)
	s.Equal([]string{"look", "move north"}, target.lines)
}

func (s *AcceptorSuite) TestOutbound() {
	ws, conn := s.connected("")
	defer ws.Close()

	s.Require().NoError(s.acc.Send(conn.ID(), connection.TextMessage("hello")))
	s.Equal("hello", s.readText(ws))

	s.ErrorIs(s.acc.Send(12345, connection.TextMessage("nobody")), network.ErrConnClosed)
}

func (s *AcceptorSuite) TestCapabilitiesUpdate() {
	ws, conn := s.connected("")
	defer ws.Close()

	s.send(ws, `{"cmd":"capabilities","kwargs":{"width":120,"color":"xterm256"}}`)
	ev := s.next()
	s.Equal(connection.EventCapabilities, ev.Kind)
	s.Equal(conn.ID(), ev.ID)
	s.Equal(120, ev.Caps.Width)
	s.Equal(connection.Xterm256, ev.Caps.Color)
	s.Equal(connection.WebSocket, ev.Caps.Protocol)
}

func (s *AcceptorSuite) TestClientClose() {
	ws, conn := s.connected("")
	s.Require().NoError(ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))
	ws.Close()

	ev := s.next()
	s.Equal(connection.EventDisconnected, ev.Kind)
	s.Equal(conn.ID(), ev.ID)
	s.Equal(network.ConnectionClosed, ev.Reason)
	s.Eventually(func() bool { return s.acc.Len() == 0 }, waitFor, 10*time.Millisecond)
}

func (s *AcceptorSuite) TestLogoffFlushesThenCloses() {
	ws, conn := s.connected("")
	defer ws.Close()

	s.Require().NoError(s.acc.Send(conn.ID(), connection.TextMessage("Goodbye.")))
	s.Require().NoError(s.acc.Logoff(conn.ID()))
	s.Require().NoError(s.acc.Logoff(conn.ID()))

	s.Equal("Goodbye.", s.readText(ws))
	_, _, err := ws.ReadMessage()
	s.True(websocket.IsCloseError(err, websocket.CloseNormalClosure))

	s.Eventually(func() bool { return s.acc.Len() == 0 }, waitFor, 10*time.Millisecond)
	select {
	case ev := <-s.pub.events:
		s.Failf("unexpected event", "kind %v", ev.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}

func (s *AcceptorSuite) TestCloseDisconnectsClients() {
	ws, _ := s.connected("")
	defer ws.Close()

	s.acc.Close()
	s.Equal(0, s.acc.Len())
	s.Require().NoError(ws.SetReadDeadline(time.Now().Add(waitFor)))
	_, _, err := ws.ReadMessage()
	s.Error(err)
}

func TestAcceptor(t *testing.T) {
	suite.Run(t, new(AcceptorSuite))
}
