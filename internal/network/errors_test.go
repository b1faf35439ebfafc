package network

import (
	"io"
	"net"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"

	"github.com/lk2023060901/kai-go/pkg/util/merr"
)

func TestReasonFor(t *testing.T) {
	assert.Equal(t, ConnectionClosed, ReasonFor(nil))
	assert.Equal(t, ConnectionClosed, ReasonFor(io.EOF))
	assert.Equal(t, ConnectionClosed, ReasonFor(errors.Wrap(net.ErrClosed, "read")))
	assert.Equal(t, ConnectionClosed, ReasonFor(&websocket.CloseError{Code: websocket.CloseNormalClosure}))
	assert.Equal(t, ConnectionLost, ReasonFor(&websocket.CloseError{Code: websocket.CloseAbnormalClosure}))
	assert.Equal(t, ConnectionLost, ReasonFor(errors.New("connection reset by peer")))
}

func TestDisconnectReason(t *testing.T) {
	assert.Equal(t, "ConnectionLost", ConnectionLost.String())
	assert.Equal(t, "SessionLogoff", SessionLogoff.String())
	assert.False(t, ConnectionLost.Graceful())
	assert.True(t, ConnectionClosed.Graceful())
	assert.True(t, SessionLogoff.NotifyTransport())
	assert.False(t, ConnectionClosed.NotifyTransport())
}

func TestStageError(t *testing.T) {
	assert.NoError(t, StageError(1, StageDecode, nil))
	err := StageError(7, StageDecode, errors.New("bad json"))
	assert.ErrorIs(t, err, merr.ErrTransport)
	assert.Contains(t, err.Error(), "decode")
	assert.Contains(t, err.Error(), "connID=7")
}
