//go:build linux

package ipc

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// Conn is a connected SOCK_SEQPACKET unix socket.
//
// Read and Write may be used concurrently from two goroutines. Close must
// not race an in-flight Read: the descriptor number may be reused once it is
// closed, so owners stop their readers before closing.
type Conn struct {
	fd     int
	path   string
	closed atomic.Bool
}

// Dial connects to the seqpacket socket at path.
func Dial(path string, opts Options) (*Conn, error) {
	if err := checkSocketPath(path); err != nil {
		return nil, err
	}
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("create socket: %w", os.NewSyscallError("socket", err))
	}
	if err := setTimeouts(fd, opts); err != nil {
		unix.Close(fd)
		return nil, err
	}
	for {
		err = unix.Connect(fd, &unix.SockaddrUnix{Name: path})
		if err != unix.EINTR {
			break
		}
	}
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("connect %s: %w", path, os.NewSyscallError("connect", err))
	}
	return &Conn{fd: fd, path: path}, nil
}

func setTimeouts(fd int, opts Options) error {
	if err := setTimeout(fd, unix.SO_RCVTIMEO, opts.RecvTimeout); err != nil {
		return fmt.Errorf("set receive timeout: %w", err)
	}
	if err := setTimeout(fd, unix.SO_SNDTIMEO, opts.SendTimeout); err != nil {
		return fmt.Errorf("set send timeout: %w", err)
	}
	return nil
}

func setTimeout(fd int, opt int, d time.Duration) error {
	if d < 0 {
		d = 0
	}
	tv := unix.NsecToTimeval(d.Nanoseconds())
	return os.NewSyscallError("setsockopt", unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, opt, &tv))
}

// Path returns the socket path this connection was made on.
func (c *Conn) Path() string {
	return c.path
}

// SetTimeouts reconfigures the socket timeouts.
func (c *Conn) SetTimeouts(opts Options) error {
	if c.closed.Load() {
		return ErrClosed
	}
	return setTimeouts(c.fd, opts)
}

// Read receives one message into p. A message longer than p is cut short
// by the kernel and reported as ErrTruncated.
func (c *Conn) Read(p []byte) (int, error) {
	if c.closed.Load() {
		return 0, ErrClosed
	}
	for {
		n, _, flags, _, err := unix.Recvmsg(c.fd, p, nil, 0)
		switch {
		case err == nil && flags&unix.MSG_TRUNC != 0:
			return n, ErrTruncated
		case err == nil:
			return n, nil
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN || err == unix.EWOULDBLOCK:
			return 0, ErrTimeout
		case c.closed.Load():
			return 0, ErrClosed
		default:
			return 0, os.NewSyscallError("read", err)
		}
	}
}

// Write sends p as one message.
func (c *Conn) Write(p []byte) (int, error) {
	if c.closed.Load() {
		return 0, ErrClosed
	}
	for {
		n, err := unix.SendmsgN(c.fd, p, nil, nil, unix.MSG_EOR|unix.MSG_NOSIGNAL)
		switch {
		case err == nil:
			return n, nil
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN || err == unix.EWOULDBLOCK:
			return 0, ErrTimeout
		case c.closed.Load():
			return 0, ErrClosed
		default:
			return n, os.NewSyscallError("sendmsg", err)
		}
	}
}

// Close shuts down and releases the socket. It is safe to call more than once.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	_ = unix.Shutdown(c.fd, unix.SHUT_RDWR)
	if err := unix.Close(c.fd); err != nil && !errors.Is(err, unix.EBADF) {
		return os.NewSyscallError("close", err)
	}
	return nil
}

var _ Channel = (*Conn)(nil)
