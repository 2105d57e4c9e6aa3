//go:build linux

package ipc

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Listener accepts seqpacket connections on a unix socket path.
type Listener struct {
	fd     int
	path   string
	closed atomic.Bool
}

// Listen creates a seqpacket listening socket at path, replacing any stale
// socket file.
func Listen(path string) (*Listener, error) {
	if err := checkSocketPath(path); err != nil {
		return nil, err
	}
	os.Remove(path)

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("create socket: %w", os.NewSyscallError("socket", err))
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind %s: %w", path, os.NewSyscallError("bind", err))
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		os.Remove(path)
		return nil, fmt.Errorf("listen on %s: %w", path, os.NewSyscallError("listen", err))
	}
	// accept(2) honours SO_RCVTIMEO, which lets Accept notice Close.
	if err := setTimeout(fd, unix.SO_RCVTIMEO, acceptPoll); err != nil {
		unix.Close(fd)
		os.Remove(path)
		return nil, err
	}
	return &Listener{fd: fd, path: path}, nil
}

// Path returns the path to the unix socket.
func (l *Listener) Path() string {
	return l.path
}

// Accept waits for the next connection and applies opts to it.
func (l *Listener) Accept(opts Options) (*Conn, error) {
	for {
		if l.closed.Load() {
			return nil, ErrClosed
		}
		nfd, _, err := unix.Accept4(l.fd, unix.SOCK_CLOEXEC)
		switch {
		case err == nil:
			if err := setTimeouts(nfd, opts); err != nil {
				unix.Close(nfd)
				return nil, err
			}
			return &Conn{fd: nfd, path: l.path}, nil
		case err == unix.EINTR || err == unix.EAGAIN || err == unix.EWOULDBLOCK:
			continue
		case l.closed.Load():
			return nil, ErrClosed
		default:
			return nil, fmt.Errorf("accept: %w", os.NewSyscallError("accept4", err))
		}
	}
}

// Close stops accepting and removes the socket file.
func (l *Listener) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	// shutdown(2) wakes a blocked accept4 on Linux.
	_ = unix.Shutdown(l.fd, unix.SHUT_RDWR)
	err := unix.Close(l.fd)
	os.Remove(l.path)
	if err != nil {
		return os.NewSyscallError("close", err)
	}
	return nil
}

// Server accepts peer connections and hands every received frame to a
// FrameHandler.
type Server struct {
	listener *Listener
	handler  FrameHandler
	opts     Options
	maxFrame int
	log      *slog.Logger
	closed   atomic.Bool
	wg       sync.WaitGroup
	conns    map[*Conn]struct{}
	connsMu  sync.Mutex
}

// NewServer creates a new server listening on the given socket path.
func NewServer(socketPath string, maxFrame int, handler FrameHandler) (*Server, error) {
	l, err := Listen(socketPath)
	if err != nil {
		return nil, err
	}
	return &Server{
		listener: l,
		handler:  handler,
		opts:     Options{RecvTimeout: DefaultRecvTimeout},
		maxFrame: maxFrame,
		log:      slog.Default().With("socket", socketPath),
		conns:    make(map[*Conn]struct{}),
	}, nil
}

// SocketPath returns the path to the unix socket.
func (s *Server) SocketPath() string {
	return s.listener.Path()
}

// Serve accepts connections and handles frames until Close is called.
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept(s.opts)
		if err != nil {
			if s.closed.Load() || errors.Is(err, ErrClosed) {
				return nil
			}
			return err
		}

		// Close flips closed under connsMu, so a handler is either added
		// before Close waits or never started.
		s.connsMu.Lock()
		if s.closed.Load() {
			s.connsMu.Unlock()
			conn.Close()
			return nil
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.connsMu.Unlock()

		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn *Conn) {
	defer s.wg.Done()
	defer func() {
		s.connsMu.Lock()
		delete(s.conns, conn)
		s.connsMu.Unlock()
		conn.Close()
	}()

	s.log.Info("peer connected")
	buf := make([]byte, s.maxFrame)
	for {
		if s.closed.Load() {
			return
		}
		n, err := conn.Read(buf)
		if errors.Is(err, ErrTimeout) {
			continue
		}
		if errors.Is(err, ErrTruncated) {
			s.log.Warn("dropped oversized frame", "max", s.maxFrame)
			continue
		}
		if err != nil {
			if !s.closed.Load() {
				s.log.Warn("read frame", "err", err)
			}
			return
		}
		if n == 0 {
			s.log.Info("peer disconnected")
			return
		}
		if err := s.handler(conn, buf[:n]); err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Warn("handle frame", "err", err)
			}
			return
		}
	}
}

// Close shuts down the server and waits for connection handlers to exit.
func (s *Server) Close() error {
	s.connsMu.Lock()
	if s.closed.Load() {
		s.connsMu.Unlock()
		return nil
	}
	s.closed.Store(true)
	s.connsMu.Unlock()

	err := s.listener.Close()

	// Handlers observe closed within one receive timeout and close their
	// own connections.
	s.wg.Wait()
	return err
}
