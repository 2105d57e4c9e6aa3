package main

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testController(t *testing.T) *controller {
	t.Helper()
	c, err := newController(slog.New(slog.NewTextHandler(io.Discard, nil)), "00:1a:7d:da:71:13")
	require.NoError(t, err)
	return c
}

func TestResetCommandComplete(t *testing.T) {
	reply, err := testController(t).respond([]byte{0x01, 0x03, 0x0c, 0x00})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x04, 0x0e, 0x04, 0x01, 0x03, 0x0c, 0x00}, reply)
}

func TestReadBDAddr(t *testing.T) {
	reply, err := testController(t).respond([]byte{0x01, 0x09, 0x10, 0x00})
	require.NoError(t, err)
	assert.Equal(t, []byte{
		0x04, 0x0e, 0x0a, 0x01, 0x09, 0x10, 0x00,
		0x13, 0x71, 0xda, 0x7d, 0x1a, 0x00,
	}, reply)
}

func TestUnknownCommand(t *testing.T) {
	reply, err := testController(t).respond([]byte{0x01, 0x03, 0xfc, 0x00})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x04, 0x0e, 0x04, 0x01, 0x03, 0xfc, 0x01}, reply)
}

func TestNonCommandPacketsAreNotAnswered(t *testing.T) {
	reply, err := testController(t).respond([]byte{0x02, 0x01, 0x20, 0x00, 0x00})
	require.NoError(t, err)
	assert.Nil(t, reply)

	reply, err = testController(t).respond(nil)
	require.NoError(t, err)
	assert.Nil(t, reply)
}

func TestMalformedCommand(t *testing.T) {
	_, err := testController(t).respond([]byte{0x01, 0x03})
	assert.Error(t, err)
	_, err = testController(t).respond([]byte{0x01, 0x03, 0x0c, 0x02, 0x00})
	assert.Error(t, err)
}

func TestCommandCompleteLength(t *testing.T) {
	c := testController(t)
	for _, op := range []uint16{opReadLocalVersion, opReadLocalCommands, opReadLocalFeatures, opReadBufferSize, opLEReadBufferSize, opLEReadLocalFeature} {
		reply, err := c.respond([]byte{0x01, byte(op), byte(op >> 8), 0x00})
		require.NoError(t, err)
		require.GreaterOrEqual(t, len(reply), 7)
		assert.Equal(t, len(reply)-3, int(reply[2]), "opcode %#04x", op)
		assert.Equal(t, byte(0x00), reply[6], "opcode %#04x", op)
	}
}

func TestInvalidBDAddr(t *testing.T) {
	_, err := newController(slog.Default(), "nope")
	assert.Error(t, err)
}
