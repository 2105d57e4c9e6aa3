package virtio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/rcrowley/go-metrics"

	"github.com/tinyrange/btbridge/internal/config"
	"github.com/tinyrange/btbridge/internal/hv"
	"github.com/tinyrange/btbridge/internal/ipc"
)

const (
	VIRTIO_ID_BT = 40

	btQueueCount = 2
	btQueueTx    = 0
	btQueueRx    = 1

	VIRTIO_BT_F_VND_HCI = uint64(1) << 0

	btConfigTypePrimary = 0
	btConfigVendorNone  = 0
	btConfigMsftOpcode  = 3
	btConfigSize        = 5
)

var (
	ErrMissingSocketPath = errors.New("virtio-bt: socket path is required")
	ErrConnect           = errors.New("virtio-bt: connect to peer")
	ErrTornDown          = errors.New("virtio-bt: device torn down")
	ErrPeerClosed        = errors.New("virtio-bt: peer closed connection")
)

// DialFunc opens the channel to the peer controller.
type DialFunc func(path string, opts ipc.Options) (ipc.Channel, error)

func dialSeqpacket(path string, opts ipc.Options) (ipc.Channel, error) {
	conn, err := ipc.Dial(path, opts)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// BTOptions configures NewBT. Only Device.SocketPath is required.
type BTOptions struct {
	Device config.DeviceConfig
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// Metrics receives the device counters. When nil they go to
	// metrics.DefaultRegistry under a per-device "virtio-bt.<n>." prefix.
	Metrics metrics.Registry
	// IRQ drives the device interrupt line.
	IRQ IRQFunc
	// Dial defaults to a SOCK_SEQPACKET connect.
	Dial DialFunc
	// Tap, if set, sees every frame the device moves successfully.
	Tap FrameTap
}

// FrameTap observes a relayed frame. toPeer is true for frames the driver
// sent. The slice is only valid for the duration of the call.
type FrameTap func(toPeer bool, frame []byte)

// BT is a virtio-bt device that relays HCI frames between the guest's
// queues and a peer controller process. Queue 0 carries frames from the
// driver to the peer, queue 1 frames from the peer to the driver.
type BT struct {
	cfg       config.DeviceConfig
	log       *slog.Logger
	dial      DialFunc
	tap       FrameTap
	registry  metrics.Registry
	metrics   *btMetrics
	transport *Transport
	txq       *VirtQueue
	rxq       *VirtQueue

	// lifeMu serializes Start, Stop, Restart, Teardown and snapshot restore.
	lifeMu   sync.Mutex
	relay    *relayHandle
	tornDown bool

	// chMu is held for reading by the outbound path while it writes and for
	// writing by Teardown while it closes.
	chMu sync.RWMutex
	ch   ipc.Channel

	state atomic.Int32

	errMu    sync.Mutex
	relayErr error
}

// NewBT realizes a virtio-bt device over guest memory mem: it connects to
// the peer and starts the inbound relay.
func NewBT(mem GuestMemory, opts BTOptions) (*BT, error) {
	if opts.Device.SocketPath == "" {
		return nil, ErrMissingSocketPath
	}
	cfg := opts.Device.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("virtio-bt: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dial := opts.Dial
	if dial == nil {
		dial = dialSeqpacket
	}

	bt := &BT{
		cfg:      cfg,
		log:      logger.With("device", "virtio-bt", "socket", cfg.SocketPath),
		dial:     dial,
		tap:      opts.Tap,
		registry: btRegistry(opts.Metrics),
	}
	bt.metrics = newBTMetrics(bt.registry)
	bt.transport = NewTransport(mem, VIRTIO_ID_BT, bt, opts.IRQ)
	bt.txq = bt.transport.Queue(btQueueTx)
	bt.rxq = bt.transport.Queue(btQueueRx)

	if err := bt.Start(); err != nil {
		return nil, err
	}
	return bt, nil
}

// Metrics returns the registry holding the device counters.
func (bt *BT) Metrics() metrics.Registry { return bt.registry }

// Transport returns the transport the bus layer drives.
func (bt *BT) Transport() *Transport { return bt.transport }

// SocketPath returns the peer endpoint.
func (bt *BT) SocketPath() string { return bt.cfg.SocketPath }

// NumQueues implements deviceHandler.
func (bt *BT) NumQueues() int {
	return btQueueCount
}

// QueueMaxSize implements deviceHandler.
func (bt *BT) QueueMaxSize(queue int) uint16 {
	return bt.cfg.QueueSize
}

// DeviceFeatures implements deviceHandler. The vendor HCI feature is always
// offered.
func (bt *BT) DeviceFeatures() uint64 {
	return virtioFeatureVersion1 | VIRTIO_BT_F_VND_HCI
}

// OnReset implements deviceHandler.
func (bt *BT) OnReset(t *Transport) {
	bt.log.Debug("driver reset device")
}

// OnQueueNotify implements deviceHandler. A kick on the receive queue only
// wakes the inbound relay, which the transport already did.
func (bt *BT) OnQueueNotify(t *Transport, queue int) error {
	switch queue {
	case btQueueTx:
		return bt.handleTx()
	case btQueueRx:
		return nil
	}
	return fmt.Errorf("virtio-bt: %w: %d", ErrUnknownQueue, queue)
}

// ReadConfig implements deviceHandler.
func (bt *BT) ReadConfig(t *Transport, offset uint64) (uint32, bool, error) {
	return ReadConfigWindow(offset, bt.configBytes())
}

// WriteConfig implements deviceHandler. The config space is read-only.
func (bt *BT) WriteConfig(t *Transport, offset uint64, value uint32) (bool, error) {
	return WriteConfigNoop(offset)
}

func (bt *BT) configBytes() []byte {
	var buf [btConfigSize]byte
	buf[0] = btConfigTypePrimary
	binary.LittleEndian.PutUint16(buf[1:3], btConfigVendorNone)
	binary.LittleEndian.PutUint16(buf[3:5], btConfigMsftOpcode)
	return buf[:]
}

// ConfigSummary describes the device for snapshot compatibility hashing.
func (bt *BT) ConfigSummary() hv.DeviceConfig {
	return hv.DeviceConfig{
		ID:         bt.DeviceId(),
		Endpoint:   bt.cfg.SocketPath,
		QueueSizes: []uint16{bt.txq.MaxSize(), bt.rxq.MaxSize()},
		FrameSize:  uint32(bt.cfg.FrameSize),
		Features:   bt.DeviceFeatures(),
	}
}

var (
	_ deviceHandler        = (*BT)(nil)
	_ hv.DeviceSnapshotter = (*BT)(nil)
	_ hv.Stoppable         = (*BT)(nil)
)

// DeviceSnapshot support ----------------------------------------------------

type btSnapshot struct {
	SocketPath string
	Transport  TransportSnapshot
}

func (bt *BT) DeviceId() string { return "virtio-bt" }

func (bt *BT) CaptureSnapshot() (hv.DeviceSnapshot, error) {
	return &btSnapshot{
		SocketPath: bt.cfg.SocketPath,
		Transport:  bt.transport.CaptureSnapshot(),
	}, nil
}

// RestoreSnapshot restores the queue state and restarts the inbound relay
// with a fresh cancellation token.
func (bt *BT) RestoreSnapshot(snap hv.DeviceSnapshot) error {
	data, ok := snap.(*btSnapshot)
	if !ok {
		return fmt.Errorf("virtio-bt: invalid snapshot type %T", snap)
	}
	if data.SocketPath != bt.cfg.SocketPath {
		return fmt.Errorf("virtio-bt: snapshot socket %q does not match device socket %q", data.SocketPath, bt.cfg.SocketPath)
	}

	if err := bt.transport.CheckSnapshot(data.Transport); err != nil {
		return fmt.Errorf("virtio-bt: incompatible snapshot: %w", err)
	}

	bt.lifeMu.Lock()
	defer bt.lifeMu.Unlock()
	if bt.tornDown {
		return ErrTornDown
	}

	bt.stopLocked()
	restoreErr := bt.transport.RestoreSnapshot(data.Transport)
	bt.metrics.relayRestarts.Inc(1)
	if err := bt.startLocked(); err != nil {
		return errors.Join(restoreErr, err)
	}
	if restoreErr != nil {
		return fmt.Errorf("virtio-bt: restore transport: %w", restoreErr)
	}
	return nil
}
