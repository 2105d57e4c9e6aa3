package virtio

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

const (
	VIRTIO_MMIO_INT_VRING  = 0x1
	VIRTIO_MMIO_INT_CONFIG = 0x2

	VIRTIO_STATUS_ACKNOWLEDGE = 0x1
	VIRTIO_STATUS_DRIVER      = 0x2
	VIRTIO_STATUS_DRIVER_OK   = 0x4
	VIRTIO_STATUS_FEATURES_OK = 0x8
	VIRTIO_STATUS_FAILED      = 0x80

	virtioFeatureVersion1 = uint64(1) << 32
)

var (
	// ErrUnknownQueue is returned for a queue index the device does not have.
	ErrUnknownQueue = errors.New("virtio: unknown queue")
	// ErrFeatureNotOffered is returned when the driver acks a feature the device
	// never offered.
	ErrFeatureNotOffered = errors.New("virtio: feature not offered")
)

// deviceHandler is the device-specific half of a Transport. The transport
// owns the queues and the interrupt status; the handler owns the semantics.
type deviceHandler interface {
	NumQueues() int
	QueueMaxSize(queue int) uint16
	DeviceFeatures() uint64
	OnReset(t *Transport)
	OnQueueNotify(t *Transport, queue int) error
	ReadConfig(t *Transport, offset uint64) (uint32, bool, error)
	WriteConfig(t *Transport, offset uint64, value uint32) (bool, error)
}

// IRQFunc drives the interrupt line of a transport. It is called with the
// new level only when the level changes.
type IRQFunc func(asserted bool)

// Transport is the bus-independent part of a virtio device: queues, feature
// words, device status and interrupt status. A bus layer (MMIO, PCI, or a
// test driver) calls into it on behalf of the guest.
type Transport struct {
	deviceID uint32
	handler  deviceHandler
	queues   []*VirtQueue
	irq      IRQFunc

	mu               sync.Mutex
	driverFeatures   uint64
	deviceStatus     uint32
	configGeneration uint32

	interruptStatus atomic.Uint32
	irqHigh         atomic.Bool
}

// NewTransport builds the queues for handler over guest memory mem.
func NewTransport(mem GuestMemory, deviceID uint32, handler deviceHandler, irq IRQFunc) *Transport {
	t := &Transport{
		deviceID: deviceID,
		handler:  handler,
		irq:      irq,
	}
	n := handler.NumQueues()
	t.queues = make([]*VirtQueue, n)
	for i := 0; i < n; i++ {
		q := NewVirtQueue(mem, handler.QueueMaxSize(i))
		q.SetInterrupt(func() { t.raiseInterrupt(VIRTIO_MMIO_INT_VRING) })
		t.queues[i] = q
	}
	return t
}

// DeviceID returns the virtio device type.
func (t *Transport) DeviceID() uint32 { return t.deviceID }

// NumQueues returns the number of queues the device exposes.
func (t *Transport) NumQueues() int { return len(t.queues) }

// Queue returns queue index, or nil when out of range.
func (t *Transport) Queue(index int) *VirtQueue {
	if index < 0 || index >= len(t.queues) {
		return nil
	}
	return t.queues[index]
}

// DeviceFeatures returns the feature bits offered to the driver.
func (t *Transport) DeviceFeatures() uint64 {
	return t.handler.DeviceFeatures()
}

// DriverFeatures returns the feature bits acknowledged by the driver.
func (t *Transport) DriverFeatures() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.driverFeatures
}

// SetDriverFeatures records the driver's acknowledged feature bits.
func (t *Transport) SetDriverFeatures(features uint64) error {
	if extra := features &^ t.handler.DeviceFeatures(); extra != 0 {
		return fmt.Errorf("%w: %#x", ErrFeatureNotOffered, extra)
	}
	t.mu.Lock()
	t.driverFeatures = features
	t.mu.Unlock()
	return nil
}

// Status returns the device status register.
func (t *Transport) Status() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.deviceStatus
}

// SetStatus writes the device status register. Writing zero resets the
// device.
func (t *Transport) SetStatus(status uint32) {
	if status == 0 {
		t.Reset()
		return
	}
	t.mu.Lock()
	t.deviceStatus = status
	t.mu.Unlock()
}

// ConfigGeneration returns the config space generation counter.
func (t *Transport) ConfigGeneration() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.configGeneration
}

// ReadConfig reads the 32-bit window at offset into device config space.
func (t *Transport) ReadConfig(offset uint64) (uint32, error) {
	value, handled, err := t.handler.ReadConfig(t, offset)
	if err != nil || !handled {
		return 0, err
	}
	return value, nil
}

// WriteConfig writes value at offset into device config space.
func (t *Transport) WriteConfig(offset uint64, value uint32) error {
	_, err := t.handler.WriteConfig(t, offset, value)
	return err
}

// Notify delivers a driver kick for queue.
func (t *Transport) Notify(queue int) error {
	q := t.Queue(queue)
	if q == nil {
		return fmt.Errorf("%w: %d", ErrUnknownQueue, queue)
	}
	q.Kick()
	return t.handler.OnQueueNotify(t, queue)
}

// InterruptStatus returns the pending interrupt bits.
func (t *Transport) InterruptStatus() uint32 {
	return t.interruptStatus.Load()
}

// AckInterrupt clears the acknowledged interrupt bits and lowers the line
// once nothing is pending.
func (t *Transport) AckInterrupt(bits uint32) {
	for {
		old := t.interruptStatus.Load()
		if t.interruptStatus.CompareAndSwap(old, old&^bits) {
			break
		}
	}
	t.updateInterruptLine()
}

// Reset returns the transport and every queue to the power-on state.
func (t *Transport) Reset() {
	t.mu.Lock()
	t.driverFeatures = 0
	t.deviceStatus = 0
	t.configGeneration = 0
	t.mu.Unlock()

	t.interruptStatus.Store(0)
	t.updateInterruptLine()
	for _, q := range t.queues {
		q.Reset()
	}
	t.handler.OnReset(t)
}

func (t *Transport) raiseInterrupt(bit uint32) {
	t.interruptStatus.Or(bit)
	t.updateInterruptLine()
}

func (t *Transport) updateInterruptLine() {
	level := t.interruptStatus.Load() != 0
	if prev := t.irqHigh.Swap(level); prev == level {
		return
	}
	if t.irq == nil {
		slog.Debug("virtio: interrupt line not wired", "device", t.deviceID, "level", level)
		return
	}
	t.irq(level)
}

// TransportSnapshot captures the transport registers and its queues.
type TransportSnapshot struct {
	DriverFeatures   uint64
	DeviceStatus     uint32
	ConfigGeneration uint32
	InterruptStatus  uint32
	Queues           []QueueSnapshot
}

// CaptureSnapshot captures the transport state.
func (t *Transport) CaptureSnapshot() TransportSnapshot {
	t.mu.Lock()
	snap := TransportSnapshot{
		DriverFeatures:   t.driverFeatures,
		DeviceStatus:     t.deviceStatus,
		ConfigGeneration: t.configGeneration,
	}
	t.mu.Unlock()
	snap.InterruptStatus = t.interruptStatus.Load()
	snap.Queues = make([]QueueSnapshot, len(t.queues))
	for i, q := range t.queues {
		snap.Queues[i] = q.CaptureSnapshot()
	}
	return snap
}

// CheckSnapshot validates snap against the transport without changing
// anything.
func (t *Transport) CheckSnapshot(snap TransportSnapshot) error {
	if len(snap.Queues) != len(t.queues) {
		return fmt.Errorf("queue count mismatch: snapshot has %d, device has %d", len(snap.Queues), len(t.queues))
	}
	for i, q := range t.queues {
		if err := q.CheckSnapshot(snap.Queues[i]); err != nil {
			return fmt.Errorf("queue %d: %w", i, err)
		}
	}
	if extra := snap.DriverFeatures &^ t.handler.DeviceFeatures(); extra != 0 {
		return fmt.Errorf("%w: %#x", ErrFeatureNotOffered, extra)
	}
	return nil
}

// RestoreSnapshot restores the transport state. A snapshot that fails
// CheckSnapshot leaves the transport untouched.
func (t *Transport) RestoreSnapshot(snap TransportSnapshot) error {
	if err := t.CheckSnapshot(snap); err != nil {
		return err
	}
	for i, q := range t.queues {
		if err := q.RestoreSnapshot(snap.Queues[i]); err != nil {
			return fmt.Errorf("restore queue %d: %w", i, err)
		}
	}

	t.mu.Lock()
	t.driverFeatures = snap.DriverFeatures
	t.deviceStatus = snap.DeviceStatus
	t.configGeneration = snap.ConfigGeneration
	t.mu.Unlock()

	t.interruptStatus.Store(snap.InterruptStatus)
	t.updateInterruptLine()
	return nil
}
