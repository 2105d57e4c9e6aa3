package virtio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"sync/atomic"
)

var (
	// ErrQueueNotReady is returned while the driver has not configured the queue.
	ErrQueueNotReady = errors.New("virtio: queue not ready")
	// ErrElementPushed is returned when an element is pushed back twice.
	ErrElementPushed = errors.New("virtio: element already pushed")
)

const (
	virtqDescFNext  = 1
	virtqDescFWrite = 2

	virtqAvailFNoInterrupt = 1
)

// GuestMemory provides access to guest physical memory.
// This interface abstracts the memory access needed for virtio queue operations.
type GuestMemory interface {
	io.ReaderAt
	io.WriterAt
}

// VirtQueueDescriptor represents a single descriptor in a virtio queue.
type VirtQueueDescriptor struct {
	Addr   uint64
	Length uint32
	Flags  uint16
	Next   uint16
}

// VirtQueuePayload represents a single buffer in a descriptor chain.
type VirtQueuePayload struct {
	Addr    uint64
	Length  uint32
	IsWrite bool
}

// VirtQueue is the device side of one split virtqueue.
//
// The mutex guards the queue registers against a concurrent driver reset;
// it does not order pops between relays, which is the caller's job (one
// consumer per queue).
type VirtQueue struct {
	mu sync.Mutex

	descTableAddr uint64
	availRingAddr uint64
	usedRingAddr  uint64
	size          uint16
	maxSize       uint16
	ready         bool

	lastAvailIdx uint16
	usedIdx      uint16

	mem GuestMemory

	// interrupt raises a used-buffer notification towards the driver.
	interrupt func()
	// notifyEvent is signalled when the driver kicks the queue.
	notifyEvent chan struct{}
	inflight    atomic.Int32
}

// NewVirtQueue creates a new VirtQueue instance.
func NewVirtQueue(mem GuestMemory, maxSize uint16) *VirtQueue {
	return &VirtQueue{
		maxSize:     maxSize,
		mem:         mem,
		notifyEvent: make(chan struct{}, 1),
	}
}

// SetInterrupt installs the callback used by Notify.
func (q *VirtQueue) SetInterrupt(fn func()) {
	q.mu.Lock()
	q.interrupt = fn
	q.mu.Unlock()
}

// Reset clears the queue state. Elements still in flight are forgotten.
func (q *VirtQueue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.resetLocked()
}

func (q *VirtQueue) resetLocked() {
	q.size = 0
	q.ready = false
	q.descTableAddr = 0
	q.availRingAddr = 0
	q.usedRingAddr = 0
	q.lastAvailIdx = 0
	q.usedIdx = 0
	q.inflight.Store(0)
}

// SetAddresses configures the queue ring addresses.
func (q *VirtQueue) SetAddresses(descAddr, availAddr, usedAddr uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.descTableAddr = descAddr
	q.availRingAddr = availAddr
	q.usedRingAddr = usedAddr
}

// SetSize sets the queue size (number of descriptors).
func (q *VirtQueue) SetSize(size uint16) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if size > q.maxSize {
		return fmt.Errorf("queue size %d exceeds max size %d", size, q.maxSize)
	}
	if size == 0 {
		return fmt.Errorf("queue size cannot be zero")
	}
	q.size = size
	return nil
}

// SetReady marks the queue as ready for operation.
func (q *VirtQueue) SetReady(ready bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ready = ready
	if !ready {
		q.resetLocked()
	}
}

// Ready reports whether the driver has enabled the queue.
func (q *VirtQueue) Ready() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ready && q.size > 0
}

// Size returns the configured queue size.
func (q *VirtQueue) Size() uint16 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// MaxSize returns the largest size the driver may configure.
func (q *VirtQueue) MaxSize() uint16 {
	return q.maxSize
}

// InFlight returns the number of popped elements not yet pushed back.
func (q *VirtQueue) InFlight() int {
	return int(q.inflight.Load())
}

// Kick records a driver notification. It never blocks.
func (q *VirtQueue) Kick() {
	select {
	case q.notifyEvent <- struct{}{}:
	default:
	}
}

// Available is signalled after the driver kicks the queue, which is when new
// buffers may have been posted.
func (q *VirtQueue) Available() <-chan struct{} {
	return q.notifyEvent
}

// Pop takes the next available descriptor chain off the queue. It returns
// (nil, nil) when the driver has posted nothing new.
func (q *VirtQueue) Pop() (*Element, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	head, ok, err := q.nextAvailLocked()
	if err != nil || !ok {
		return nil, err
	}
	payloads, err := q.readChainLocked(head)
	if err != nil {
		return nil, fmt.Errorf("read chain %d: %w", head, err)
	}

	elem := &Element{Head: head}
	for _, p := range payloads {
		if p.IsWrite {
			elem.In = append(elem.In, p)
		} else {
			elem.Out = append(elem.Out, p)
		}
	}
	q.inflight.Add(1)
	return elem, nil
}

// Push returns a popped element to the driver with used bytes written.
func (q *VirtQueue) Push(elem *Element, used uint32) error {
	if elem.pushed {
		return ErrElementPushed
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.putUsedLocked(elem.Head, used); err != nil {
		return err
	}
	elem.pushed = true
	q.inflight.Add(-1)
	return nil
}

// Notify raises a used-buffer notification unless the driver suppressed
// interrupts. It reports whether the interrupt was raised.
func (q *VirtQueue) Notify() bool {
	q.mu.Lock()
	irq := q.interrupt
	suppressed := false
	if err := q.ensureReady(); err == nil {
		if flags, err := q.readGuestUint16(q.availRingAddr); err == nil {
			suppressed = flags&virtqAvailFNoInterrupt != 0
		}
	}
	q.mu.Unlock()

	if suppressed || irq == nil {
		return false
	}
	irq()
	return true
}

// ReadDescriptor reads a descriptor from the descriptor table.
func (q *VirtQueue) ReadDescriptor(idx uint16) (VirtQueueDescriptor, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.readDescriptorLocked(idx)
}

func (q *VirtQueue) readDescriptorLocked(idx uint16) (VirtQueueDescriptor, error) {
	if err := q.ensureReady(); err != nil {
		return VirtQueueDescriptor{}, err
	}
	if idx >= q.size {
		return VirtQueueDescriptor{}, fmt.Errorf("descriptor index %d out of bounds (size %d)", idx, q.size)
	}

	var buf [16]byte
	offset := q.descTableAddr + uint64(idx)*16
	if err := q.readGuestInto(offset, buf[:]); err != nil {
		return VirtQueueDescriptor{}, err
	}

	return VirtQueueDescriptor{
		Addr:   binary.LittleEndian.Uint64(buf[0:8]),
		Length: binary.LittleEndian.Uint32(buf[8:12]),
		Flags:  binary.LittleEndian.Uint16(buf[12:14]),
		Next:   binary.LittleEndian.Uint16(buf[14:16]),
	}, nil
}

func (q *VirtQueue) nextAvailLocked() (uint16, bool, error) {
	if err := q.ensureReady(); err != nil {
		return 0, false, err
	}

	availIdx, err := q.readGuestUint16(q.availRingAddr + 2)
	if err != nil {
		return 0, false, err
	}
	if q.lastAvailIdx == availIdx {
		return 0, false, nil
	}

	ringIndex := q.lastAvailIdx % q.size
	head, err := q.readGuestUint16(q.availRingAddr + 4 + uint64(ringIndex)*2)
	if err != nil {
		return 0, false, err
	}
	if head >= q.size {
		return 0, false, fmt.Errorf("available ring head %d out of bounds (size %d)", head, q.size)
	}
	q.lastAvailIdx++
	return head, true, nil
}

// ReadDescriptorChain reads a complete descriptor chain starting from head.
// Returns a slice of payloads representing the buffers in the chain.
func (q *VirtQueue) ReadDescriptorChain(head uint16) ([]VirtQueuePayload, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.readChainLocked(head)
}

func (q *VirtQueue) readChainLocked(head uint16) ([]VirtQueuePayload, error) {
	if err := q.ensureReady(); err != nil {
		return nil, err
	}

	var payloads []VirtQueuePayload
	index := head

	// Walk the descriptor chain (limit to queue size to prevent infinite loops)
	for i := uint16(0); i < q.size; i++ {
		desc, err := q.readDescriptorLocked(index)
		if err != nil {
			return payloads, err
		}

		payloads = append(payloads, VirtQueuePayload{
			Addr:    desc.Addr,
			Length:  desc.Length,
			IsWrite: desc.Flags&virtqDescFWrite != 0,
		})

		if desc.Flags&virtqDescFNext == 0 {
			break
		}
		index = desc.Next
	}

	return payloads, nil
}

// PutUsedBuffer writes a used buffer entry to the used ring.
// head is the descriptor head index, and length is the total length written.
func (q *VirtQueue) PutUsedBuffer(head uint16, length uint32) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.putUsedLocked(head, length)
}

func (q *VirtQueue) putUsedLocked(head uint16, length uint32) error {
	if err := q.ensureReady(); err != nil {
		return err
	}

	usedIdx := q.usedIdx % q.size
	base := q.usedRingAddr + 4 + uint64(usedIdx)*8

	if err := q.writeGuestUint32(base, uint32(head)); err != nil {
		return err
	}
	if err := q.writeGuestUint32(base+4, length); err != nil {
		return err
	}

	q.usedIdx++
	return q.writeGuestUint16(q.usedRingAddr+2, q.usedIdx)
}

// ReadGuest reads data from guest memory.
func (q *VirtQueue) ReadGuest(addr uint64, length uint32) ([]byte, error) {
	if length == 0 {
		return nil, nil
	}
	buf := make([]byte, length)
	if err := q.readGuestInto(addr, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteGuest writes data to guest memory.
func (q *VirtQueue) WriteGuest(addr uint64, data []byte) error {
	return q.writeGuestFrom(addr, data)
}

// QueueSnapshot holds the state of a virtio queue for snapshotting.
type QueueSnapshot struct {
	Size         uint16
	MaxSize      uint16
	Ready        bool
	DescAddr     uint64
	AvailAddr    uint64
	UsedAddr     uint64
	LastAvailIdx uint16
	UsedIdx      uint16
}

// CaptureSnapshot captures the queue registers and ring indices.
func (q *VirtQueue) CaptureSnapshot() QueueSnapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueSnapshot{
		Size:         q.size,
		MaxSize:      q.maxSize,
		Ready:        q.ready,
		DescAddr:     q.descTableAddr,
		AvailAddr:    q.availRingAddr,
		UsedAddr:     q.usedRingAddr,
		LastAvailIdx: q.lastAvailIdx,
		UsedIdx:      q.usedIdx,
	}
}

// CheckSnapshot reports whether snap can be restored into q.
func (q *VirtQueue) CheckSnapshot(snap QueueSnapshot) error {
	if snap.MaxSize != q.maxSize {
		return fmt.Errorf("queue max size mismatch: snapshot has %d, queue has %d", snap.MaxSize, q.maxSize)
	}
	if snap.Size > q.maxSize {
		return fmt.Errorf("queue size %d exceeds max size %d", snap.Size, q.maxSize)
	}
	if snap.Ready && snap.Size == 0 {
		return fmt.Errorf("ready queue with zero size")
	}
	return nil
}

// RestoreSnapshot restores the queue from a snapshot.
func (q *VirtQueue) RestoreSnapshot(snap QueueSnapshot) error {
	if err := q.CheckSnapshot(snap); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.size = snap.Size
	q.ready = snap.Ready
	q.descTableAddr = snap.DescAddr
	q.availRingAddr = snap.AvailAddr
	q.usedRingAddr = snap.UsedAddr
	q.lastAvailIdx = snap.LastAvailIdx
	q.usedIdx = snap.UsedIdx
	q.inflight.Store(0)
	return nil
}

// Helper methods for guest memory access

func (q *VirtQueue) ensureReady() error {
	if !q.ready || q.size == 0 {
		return ErrQueueNotReady
	}
	if q.mem == nil {
		return fmt.Errorf("guest memory accessor is nil")
	}
	return nil
}

func (q *VirtQueue) readGuestInto(addr uint64, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	off, err := guestOffset(addr, len(buf))
	if err != nil {
		return err
	}
	n, err := q.mem.ReadAt(buf, off)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return fmt.Errorf("virtio: short guest memory read (want %d, got %d)", len(buf), n)
	}
	return nil
}

func (q *VirtQueue) writeGuestFrom(addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	off, err := guestOffset(addr, len(data))
	if err != nil {
		return err
	}
	n, err := q.mem.WriteAt(data, off)
	if err != nil {
		return err
	}
	if n != len(data) {
		return fmt.Errorf("virtio: short guest memory write (want %d, got %d)", len(data), n)
	}
	return nil
}

func (q *VirtQueue) readGuestUint16(addr uint64) (uint16, error) {
	var buf [2]byte
	if err := q.readGuestInto(addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

func (q *VirtQueue) writeGuestUint16(addr uint64, value uint16) error {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], value)
	return q.writeGuestFrom(addr, buf[:])
}

func (q *VirtQueue) writeGuestUint32(addr uint64, value uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	return q.writeGuestFrom(addr, buf[:])
}

func guestOffset(addr uint64, length int) (int64, error) {
	if length < 0 {
		return 0, fmt.Errorf("virtio: negative length %d", length)
	}
	if addr > math.MaxInt64 {
		return 0, fmt.Errorf("virtio: guest address %#x out of range", addr)
	}
	if uint64(length) > uint64(math.MaxInt64)-addr {
		return 0, fmt.Errorf("virtio: guest access length overflow addr=%#x length=%d", addr, length)
	}
	return int64(addr), nil
}
