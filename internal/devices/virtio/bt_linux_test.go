//go:build linux

package virtio_test

import (
	"testing"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyrange/btbridge/internal/config"
	"github.com/tinyrange/btbridge/internal/devices/virtio"
	"github.com/tinyrange/btbridge/internal/devices/virtio/virtiotest"
	"github.com/tinyrange/btbridge/internal/ipc"
)

// realPeer accepts one seqpacket connection from the device under test.
func realPeer(t *testing.T) (*ipc.Listener, <-chan *ipc.Conn) {
	t.Helper()
	l, err := ipc.Listen(ipc.SocketPath("bt-peer"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	accepted := make(chan *ipc.Conn, 1)
	go func() {
		c, err := l.Accept(ipc.Options{RecvTimeout: time.Second})
		if err != nil {
			close(accepted)
			return
		}
		accepted <- c
	}()
	return l, accepted
}

func TestBTOverSeqpacket(t *testing.T) {
	l, accepted := realPeer(t)

	mem := virtiotest.NewMemory(1 << 22)
	drv := virtiotest.NewDriver(mem)
	cfg := config.DefaultDevice(l.Path())
	cfg.QueueSize = 64
	reg := metrics.NewRegistry()
	dev, err := virtio.NewBT(mem, virtio.BTOptions{
		Device:  cfg,
		Logger:  testLogger(),
		Metrics: reg,
		IRQ:     drv.IRQ,
	})
	require.NoError(t, err)
	t.Cleanup(func() { dev.Teardown() })
	require.NoError(t, drv.Attach(dev.Transport(), 64))

	var peer *ipc.Conn
	select {
	case peer = <-accepted:
		require.NotNil(t, peer)
		t.Cleanup(func() { peer.Close() })
	case <-time.After(2 * time.Second):
		t.Fatal("device did not connect")
	}

	// Driver to peer.
	cmd := []byte{0x01, 0x03, 0x0c, 0x00}
	require.NoError(t, drv.Send(txQueue, cmd))
	buf := make([]byte, 64)
	n, err := peer.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, cmd, buf[:n])

	// Peer to driver, two frames with boundaries intact. A message larger
	// than the frame size is dropped rather than delivered cut short.
	require.NoError(t, drv.AddRxBuffer(rxQueue, 32))
	require.NoError(t, drv.AddRxBuffer(rxQueue, 32))
	_, err = peer.Write(make([]byte, cfg.FrameSize+200))
	require.NoError(t, err)
	evt := []byte{0x04, 0x0e, 0x04, 0x01, 0x03, 0x0c, 0x00}
	_, err = peer.Write(evt)
	require.NoError(t, err)
	_, err = peer.Write([]byte{0x04, 0x0f})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		idx, _ := drv.UsedIdx(rxQueue)
		return idx == 2
	}, 2*time.Second, time.Millisecond)
	used, err := drv.Reap(rxQueue)
	require.NoError(t, err)
	require.Len(t, used, 2)
	assert.Equal(t, evt, used[0].Data)
	assert.Equal(t, []byte{0x04, 0x0f}, used[1].Data)
	assert.Equal(t, int64(1), reg.Get("bt.rx.truncated").(metrics.Counter).Count())

	// Stop is bounded by the receive timeout.
	start := time.Now()
	require.NoError(t, dev.Stop())
	assert.Less(t, time.Since(start), cfg.RecvTimeout+200*time.Millisecond)

	// Teardown closes the connection.
	require.NoError(t, dev.Teardown())
	require.NoError(t, peer.SetTimeouts(ipc.Options{RecvTimeout: time.Second}))
	n, err = peer.Read(buf)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestBTPeerHangup(t *testing.T) {
	l, accepted := realPeer(t)

	mem := virtiotest.NewMemory(1 << 20)
	cfg := config.DefaultDevice(l.Path())
	cfg.QueueSize = 16
	dev, err := virtio.NewBT(mem, virtio.BTOptions{
		Device:  cfg,
		Logger:  testLogger(),
		Metrics: metrics.NewRegistry(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { dev.Teardown() })

	peer := <-accepted
	require.NotNil(t, peer)
	require.NoError(t, peer.Close())

	require.Eventually(t, func() bool { return !dev.RelayAlive() }, 2*time.Second, time.Millisecond)
	assert.ErrorIs(t, dev.RelayErr(), virtio.ErrPeerClosed)
}
