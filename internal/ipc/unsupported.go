//go:build !linux

package ipc

// Conn is a connected seqpacket socket. It is unavailable on this platform.
type Conn struct{}

func Dial(path string, opts Options) (*Conn, error) { return nil, ErrUnsupported }

func (c *Conn) Path() string { return "" }

func (c *Conn) SetTimeouts(opts Options) error { return ErrUnsupported }

func (c *Conn) Read(p []byte) (int, error) { return 0, ErrUnsupported }

func (c *Conn) Write(p []byte) (int, error) { return 0, ErrUnsupported }

func (c *Conn) Close() error { return nil }

// Server is unavailable on this platform.
type Server struct{}

func NewServer(socketPath string, maxFrame int, handler FrameHandler) (*Server, error) {
	return nil, ErrUnsupported
}

func (s *Server) SocketPath() string { return "" }

func (s *Server) Serve() error { return ErrUnsupported }

func (s *Server) Close() error { return nil }
