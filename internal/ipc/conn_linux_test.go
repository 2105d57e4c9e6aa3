//go:build linux

package ipc

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func listenTest(t *testing.T) *Listener {
	t.Helper()
	l, err := Listen(SocketPath("ipc-test"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

// connectPair returns the dialing side and the accepted side of one connection.
func connectPair(t *testing.T, opts Options) (*Conn, *Conn) {
	t.Helper()
	l := listenTest(t)

	type result struct {
		conn *Conn
		err  error
	}
	accepted := make(chan result, 1)
	go func() {
		c, err := l.Accept(Options{RecvTimeout: time.Second})
		accepted <- result{c, err}
	}()

	client, err := Dial(l.Path(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	res := <-accepted
	require.NoError(t, res.err)
	t.Cleanup(func() { res.conn.Close() })
	return client, res.conn
}

func TestDialMissingSocket(t *testing.T) {
	_, err := Dial(SocketPath("ipc-missing"), Options{})
	require.Error(t, err)
}

func TestDialRejectsBadPath(t *testing.T) {
	_, err := Dial("", Options{})
	require.Error(t, err)

	long := "/tmp/" + string(make([]byte, 200))
	_, err = Dial(long, Options{})
	require.Error(t, err)
}

func TestMessageBoundariesPreserved(t *testing.T) {
	client, peer := connectPair(t, Options{RecvTimeout: time.Second})

	n, err := peer.Write([]byte{0x04, 0x0e, 0x04})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	n, err = peer.Write([]byte{0x04, 0x0f})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	buf := make([]byte, 64)
	n, err = client.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x04, 0x0e, 0x04}, buf[:n])

	n, err = client.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x04, 0x0f}, buf[:n])
}

func TestOversizedMessageTruncated(t *testing.T) {
	client, peer := connectPair(t, Options{RecvTimeout: time.Second})

	big := make([]byte, 1200)
	for i := range big {
		big[i] = byte(i)
	}
	_, err := peer.Write(big)
	require.NoError(t, err)
	_, err = peer.Write([]byte{0x04, 0x0f})
	require.NoError(t, err)

	buf := make([]byte, 1000)
	n, err := client.Read(buf)
	require.ErrorIs(t, err, ErrTruncated)
	assert.Equal(t, 1000, n)
	assert.Equal(t, big[:1000], buf[:n])

	// The tail of the oversized message is gone; the next read is the next message.
	n, err = client.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x04, 0x0f}, buf[:n])
}

func TestClientToPeer(t *testing.T) {
	client, peer := connectPair(t, Options{RecvTimeout: time.Second, SendTimeout: time.Second})

	frame := []byte{0x01, 0x03, 0x0c, 0x00}
	n, err := client.Write(frame)
	require.NoError(t, err)
	assert.Equal(t, len(frame), n)

	buf := make([]byte, 16)
	n, err = peer.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, frame, buf[:n])
}

func TestReadTimeout(t *testing.T) {
	client, _ := connectPair(t, Options{RecvTimeout: 50 * time.Millisecond})

	start := time.Now()
	_, err := client.Read(make([]byte, 8))
	elapsed := time.Since(start)

	require.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, elapsed, 40*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
}

func TestPeerCloseReadsZero(t *testing.T) {
	client, peer := connectPair(t, Options{RecvTimeout: time.Second})
	require.NoError(t, peer.Close())

	n, err := client.Read(make([]byte, 8))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCloseIsIdempotent(t *testing.T) {
	client, _ := connectPair(t, Options{})
	require.NoError(t, client.Close())
	require.NoError(t, client.Close())

	_, err := client.Read(make([]byte, 1))
	require.ErrorIs(t, err, ErrClosed)
	_, err = client.Write([]byte{1})
	require.ErrorIs(t, err, ErrClosed)
}

func TestListenerCloseUnblocksAccept(t *testing.T) {
	l := listenTest(t)

	done := make(chan error, 1)
	go func() {
		_, err := l.Accept(Options{})
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, l.Close())

	select {
	case err := <-done:
		require.True(t, errors.Is(err, ErrClosed), "unexpected error: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("Accept did not return after Close")
	}
}

func TestServerEchoes(t *testing.T) {
	var mu sync.Mutex
	var seen [][]byte
	srv, err := NewServer(SocketPath("ipc-srv"), 1000, func(conn *Conn, frame []byte) error {
		mu.Lock()
		seen = append(seen, append([]byte(nil), frame...))
		mu.Unlock()
		_, err := conn.Write(frame)
		return err
	})
	require.NoError(t, err)

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve() }()

	client, err := Dial(srv.SocketPath(), Options{RecvTimeout: time.Second})
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Write([]byte("hello"))
	require.NoError(t, err)

	buf := make([]byte, 32)
	n, err := client.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))

	require.NoError(t, srv.Close())
	require.NoError(t, <-serveErr)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 1)
}

func TestServerSkipsOversizedFrames(t *testing.T) {
	srv, err := NewServer(SocketPath("ipc-srv"), 4, func(conn *Conn, frame []byte) error {
		_, err := conn.Write(frame)
		return err
	})
	require.NoError(t, err)
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve() }()

	client, err := Dial(srv.SocketPath(), Options{RecvTimeout: time.Second})
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Write([]byte("too long"))
	require.NoError(t, err)
	_, err = client.Write([]byte("ok"))
	require.NoError(t, err)

	buf := make([]byte, 32)
	n, err := client.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(buf[:n]))

	require.NoError(t, srv.Close())
	require.NoError(t, <-serveErr)
}

func TestServerCloseWhileAccepting(t *testing.T) {
	for i := 0; i < 20; i++ {
		srv, err := NewServer(SocketPath("ipc-srv"), 64, func(conn *Conn, frame []byte) error {
			return nil
		})
		require.NoError(t, err)
		serveErr := make(chan error, 1)
		go func() { serveErr <- srv.Serve() }()

		stop := make(chan struct{})
		var dialers sync.WaitGroup
		dialers.Add(1)
		go func() {
			defer dialers.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				if c, err := Dial(srv.SocketPath(), Options{}); err == nil {
					c.Close()
				}
			}
		}()

		time.Sleep(time.Millisecond)
		require.NoError(t, srv.Close())
		close(stop)
		dialers.Wait()

		select {
		case err := <-serveErr:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("Serve did not return after Close")
		}
	}
}
