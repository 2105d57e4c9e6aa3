// Package ipc provides message-preserving local sockets (AF_UNIX,
// SOCK_SEQPACKET) used to reach an external controller process.
//
// One Read returns exactly one message and one Write sends exactly one
// message, so callers never need their own framing.
package ipc

import (
	"errors"
	"time"
)

var (
	// ErrTimeout is returned by Read and Write when the socket timeout
	// elapses before any data moved.
	ErrTimeout = errors.New("ipc: i/o timeout")
	// ErrClosed is returned when operating on a closed channel.
	ErrClosed = errors.New("ipc: use of closed channel")
	// ErrTruncated is returned by Read when the message did not fit in the
	// buffer. The bytes that fit are returned with it; the rest are lost.
	ErrTruncated = errors.New("ipc: message truncated")
	// ErrUnsupported is returned on platforms without seqpacket unix sockets.
	ErrUnsupported = errors.New("ipc: seqpacket sockets are not supported on this platform")
)

// Channel is a connected link to a peer process.
//
// Read returns (0, nil) when the peer has closed the connection,
// ErrTimeout when the receive timeout expires and ErrTruncated when a
// message was larger than p.
type Channel interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// Options configures socket timeouts. Zero values block forever.
type Options struct {
	RecvTimeout time.Duration
	SendTimeout time.Duration
}

// DefaultRecvTimeout bounds a single blocking read.
const DefaultRecvTimeout = 100 * time.Millisecond

// acceptPoll bounds how long Accept blocks before re-checking for Close.
const acceptPoll = 100 * time.Millisecond

// FrameHandler handles one message received by a Server. A non-nil error
// drops the connection.
type FrameHandler func(conn *Conn, frame []byte) error
