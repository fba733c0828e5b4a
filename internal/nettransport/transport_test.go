package nettransport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coredbio/coredb/internal/lsn"
	"github.com/coredbio/coredb/internal/repl"
)

func TestCodecRoundTrip(t *testing.T) {
	ctrl := repl.NewControl(repl.MsgLog, 3, lsn.LSN{File: 1, Offset: 128}, 5)
	frame := Frame{Ctrl: ctrl, Body: []byte("hello")}

	var c codec
	wire, err := c.Write(nil, frame)
	require.NoError(t, err)
	assert.Equal(t, repl.ControlSize+len(frame.Body), len(wire))

	decoded, n, err := c.Read(nil, wire)
	require.NoError(t, err)
	assert.Equal(t, len(wire), n)

	got, ok := decoded.(Frame)
	require.True(t, ok)
	assert.Equal(t, ctrl, got.Ctrl)
	assert.Equal(t, frame.Body, got.Body)
}

func TestCodecReadWaitsForFullFrame(t *testing.T) {
	ctrl := repl.NewControl(repl.MsgLog, 1, lsn.LSN{}, 10)
	frame := Frame{Ctrl: ctrl, Body: make([]byte, 10)}

	var c codec
	wire, err := c.Write(nil, frame)
	require.NoError(t, err)

	pkg, n, err := c.Read(nil, wire[:repl.ControlSize+4])
	require.NoError(t, err)
	assert.Nil(t, pkg)
	assert.Equal(t, 0, n)
}

func TestTransportSendWithNoSessionFails(t *testing.T) {
	tr := New(nil)
	err := tr.Send(repl.NewControl(repl.MsgAlive, 0, lsn.LSN{}, 0), nil, "unknown-eid", 0)
	assert.Error(t, err)
}
