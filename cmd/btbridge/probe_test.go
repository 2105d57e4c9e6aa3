package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyrange/btbridge/internal/hv"
)

func TestParseFrame(t *testing.T) {
	tests := []struct {
		in   string
		want []byte
	}{
		{"01 03 0c 00", []byte{0x01, 0x03, 0x0c, 0x00}},
		{"0x01030c00", []byte{0x01, 0x03, 0x0c, 0x00}},
		{"01:03:0C:00", []byte{0x01, 0x03, 0x0c, 0x00}},
		{"   ", nil},
	}
	for _, tt := range tests {
		got, err := parseFrame(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := parseFrame("01 0")
	assert.Error(t, err)
	_, err = parseFrame("zz")
	assert.Error(t, err)
}

func TestFormatFrame(t *testing.T) {
	assert.Equal(t, "04 0e 04 01 03 0c 00", formatFrame([]byte{0x04, 0x0e, 0x04, 0x01, 0x03, 0x0c, 0x00}))
	assert.Equal(t, "", formatFrame(nil))
}

func TestHandleLineCommands(t *testing.T) {
	p := &probe{}

	quit, err := handleLine(p, nil, hv.ConfigHash{}, ":quit")
	require.NoError(t, err)
	assert.True(t, quit)

	quit, err = handleLine(p, nil, hv.ConfigHash{}, "")
	require.NoError(t, err)
	assert.False(t, quit)

	_, err = handleLine(p, nil, hv.ConfigHash{}, ":checkpoint")
	assert.ErrorContains(t, err, "snapshot-dir")

	_, err = handleLine(p, nil, hv.ConfigHash{}, ":bogus")
	assert.ErrorContains(t, err, "unknown command")

	_, err = handleLine(p, nil, hv.ConfigHash{}, "not hex")
	assert.Error(t, err)
}
