// Package virtiotest provides an in-process guest driver for exercising
// virtio devices without a hypervisor. It owns a flat guest memory, lays out
// split rings in it and drives a virtio.Transport the way a guest kernel
// would.
package virtiotest

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/btbridge/internal/devices/virtio"
)

var (
	ErrOutOfRange  = errors.New("virtiotest: guest access out of range")
	ErrOutOfMemory = errors.New("virtiotest: no free guest memory for buffer")
)

// Memory is flat guest memory starting at guest physical address zero.
type Memory struct {
	mu  sync.Mutex
	buf []byte
}

// NewMemory allocates size bytes of guest memory.
func NewMemory(size int) *Memory {
	return &Memory{buf: make([]byte, size)}
}

func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off < 0 || off+int64(len(p)) > int64(len(m.buf)) {
		return 0, fmt.Errorf("%w: read %d bytes at %#x", ErrOutOfRange, len(p), off)
	}
	return copy(p, m.buf[off:]), nil
}

func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off < 0 || off+int64(len(p)) > int64(len(m.buf)) {
		return 0, fmt.Errorf("%w: write %d bytes at %#x", ErrOutOfRange, len(p), off)
	}
	return copy(m.buf[off:], p), nil
}

// Size returns the size of guest memory in bytes.
func (m *Memory) Size() uint64 {
	return uint64(len(m.buf))
}

var _ virtio.GuestMemory = (*Memory)(nil)

// Used is one used-ring entry returned by the device.
type Used struct {
	Head uint16
	Len  uint32
	// Data holds the first Len bytes of the chain's device-writable side.
	Data []byte
}

type chainBuffers struct {
	in []segment
	// spans are the buffer allocations backing the chain.
	spans []span
}

type segment struct {
	addr   uint64
	length uint32
}

// span is an allocated range [addr, end) of the buffer arena.
type span struct {
	addr, end uint64
}

type ring struct {
	size     uint16
	desc     uint64
	avail    uint64
	used     uint64
	nextDesc uint16
	availIdx uint16
	lastUsed uint16
	inflight map[uint16]chainBuffers
}

// Driver is a minimal virtio guest driver.
type Driver struct {
	mem       *Memory
	transport atomic.Pointer[virtio.Transport]
	irqs      atomic.Int64

	mu    sync.Mutex
	rings []*ring
	brk   uint64
	// arena is the start of buffer memory; live holds the buffers of
	// posted chains sorted by address.
	arena uint64
	live  []span
}

// NewDriver returns a driver over mem. Pass IRQ to the device as its
// interrupt line before calling Attach.
func NewDriver(mem *Memory) *Driver {
	return &Driver{mem: mem, brk: 0x1000}
}

// IRQ counts and acknowledges device interrupts.
func (d *Driver) IRQ(asserted bool) {
	if !asserted {
		return
	}
	d.irqs.Add(1)
	if t := d.transport.Load(); t != nil {
		t.AckInterrupt(t.InterruptStatus())
	}
}

// Interrupts returns the number of interrupts seen so far.
func (d *Driver) Interrupts() int64 {
	return d.irqs.Load()
}

// Attach runs the virtio initialization sequence against t and enables
// every queue with queueSize entries.
func (d *Driver) Attach(t *virtio.Transport, queueSize uint16) error {
	d.transport.Store(t)

	t.SetStatus(0)
	status := uint32(virtio.VIRTIO_STATUS_ACKNOWLEDGE)
	t.SetStatus(status)
	status |= virtio.VIRTIO_STATUS_DRIVER
	t.SetStatus(status)

	if err := t.SetDriverFeatures(t.DeviceFeatures()); err != nil {
		return err
	}
	status |= virtio.VIRTIO_STATUS_FEATURES_OK
	t.SetStatus(status)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.rings = make([]*ring, t.NumQueues())
	for i := range d.rings {
		q := t.Queue(i)
		size := queueSize
		if size > q.MaxSize() {
			size = q.MaxSize()
		}
		r := &ring{size: size, inflight: make(map[uint16]chainBuffers)}
		r.desc = d.allocLocked(16*uint64(size), 16)
		r.avail = d.allocLocked(6+2*uint64(size), 2)
		r.used = d.allocLocked(6+8*uint64(size), 4)
		d.rings[i] = r

		if err := q.SetSize(size); err != nil {
			return fmt.Errorf("queue %d: %w", i, err)
		}
		q.SetAddresses(r.desc, r.avail, r.used)
		q.SetReady(true)
	}

	d.arena = d.brk
	d.live = nil
	t.SetStatus(status | virtio.VIRTIO_STATUS_DRIVER_OK)
	return nil
}

// Rebind points the driver at t without reinitializing it, as a guest does
// when its device state is restored underneath it.
func (d *Driver) Rebind(t *virtio.Transport) {
	d.transport.Store(t)
}

// allocLocked carves ring memory during Attach.
func (d *Driver) allocLocked(size, align uint64) uint64 {
	addr := alignUp(d.brk, align)
	d.brk = addr + size
	return addr
}

// allocBufferLocked returns the lowest free range of the buffer arena that
// fits size bytes. Ranges held by posted chains are never reused until the
// device returns the chain and it is reaped.
func (d *Driver) allocBufferLocked(size, align uint64) (uint64, error) {
	addr := alignUp(d.arena, align)
	i := 0
	for ; i < len(d.live); i++ {
		if addr+size <= d.live[i].addr {
			break
		}
		addr = alignUp(max(addr, d.live[i].end), align)
	}
	if addr+size > d.mem.Size() {
		return 0, fmt.Errorf("%w: %d bytes", ErrOutOfMemory, size)
	}
	d.live = append(d.live, span{})
	copy(d.live[i+1:], d.live[i:])
	d.live[i] = span{addr: addr, end: addr + size}
	return addr, nil
}

func (d *Driver) freeLocked(spans []span) {
	for _, sp := range spans {
		for i, l := range d.live {
			if l == sp {
				d.live = append(d.live[:i], d.live[i+1:]...)
				break
			}
		}
	}
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

func (d *Driver) ring(queue int) (*ring, error) {
	if queue < 0 || queue >= len(d.rings) {
		return nil, fmt.Errorf("virtiotest: queue %d not attached", queue)
	}
	return d.rings[queue], nil
}

// Post publishes one descriptor chain: device-readable buffers holding out,
// followed by device-writable buffers of inSizes bytes. It does not kick.
func (d *Driver) Post(queue int, out [][]byte, inSizes []int) (uint16, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, err := d.ring(queue)
	if err != nil {
		return 0, err
	}
	n := len(out) + len(inSizes)
	if n == 0 {
		// A chain needs at least one descriptor; post a zero-length readable one.
		out = [][]byte{nil}
		n = 1
	}

	head := r.nextDesc
	idx := head
	var bufs chainBuffers
	for i := 0; i < n; i++ {
		var (
			length uint32
			flags  uint16
			data   []byte
		)
		if i < len(out) {
			data = out[i]
			length = uint32(len(data))
		} else {
			length = uint32(inSizes[i-len(out)])
			flags |= 2
		}
		addr, err := d.allocBufferLocked(uint64(length)+1, 8)
		if err != nil {
			d.freeLocked(bufs.spans)
			return 0, err
		}
		bufs.spans = append(bufs.spans, span{addr: addr, end: addr + uint64(length) + 1})
		if len(data) > 0 {
			if _, err := d.mem.WriteAt(data, int64(addr)); err != nil {
				d.freeLocked(bufs.spans)
				return 0, err
			}
		}
		if flags&2 != 0 {
			bufs.in = append(bufs.in, segment{addr: addr, length: length})
		}
		next := (idx + 1) % r.size
		if i < n-1 {
			flags |= 1
		}
		var desc [16]byte
		binary.LittleEndian.PutUint64(desc[0:8], addr)
		binary.LittleEndian.PutUint32(desc[8:12], length)
		binary.LittleEndian.PutUint16(desc[12:14], flags)
		binary.LittleEndian.PutUint16(desc[14:16], next)
		if _, err := d.mem.WriteAt(desc[:], int64(r.desc+16*uint64(idx))); err != nil {
			d.freeLocked(bufs.spans)
			return 0, err
		}
		idx = next
	}
	r.nextDesc = idx
	r.inflight[head] = bufs

	slot := r.avail + 4 + 2*uint64(r.availIdx%r.size)
	if err := d.putUint16(slot, head); err != nil {
		return 0, err
	}
	r.availIdx++
	if err := d.putUint16(r.avail+2, r.availIdx); err != nil {
		return 0, err
	}
	return head, nil
}

// Kick notifies the device that queue has new buffers.
func (d *Driver) Kick(queue int) error {
	t := d.transport.Load()
	if t == nil {
		return errors.New("virtiotest: driver not attached")
	}
	return t.Notify(queue)
}

// Send posts data as one device-readable buffer and kicks queue.
func (d *Driver) Send(queue int, data []byte) error {
	if _, err := d.Post(queue, [][]byte{data}, nil); err != nil {
		return err
	}
	return d.Kick(queue)
}

// AddRxBuffer posts one device-writable buffer of size bytes and kicks queue.
func (d *Driver) AddRxBuffer(queue int, size int) error {
	if _, err := d.Post(queue, nil, []int{size}); err != nil {
		return err
	}
	return d.Kick(queue)
}

// SetNoInterrupt sets or clears VIRTQ_AVAIL_F_NO_INTERRUPT on queue.
func (d *Driver) SetNoInterrupt(queue int, on bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, err := d.ring(queue)
	if err != nil {
		return err
	}
	var flags uint16
	if on {
		flags = 1
	}
	return d.putUint16(r.avail, flags)
}

// UsedIdx returns the device's used index for queue.
func (d *Driver) UsedIdx(queue int) (uint16, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, err := d.ring(queue)
	if err != nil {
		return 0, err
	}
	return d.getUint16(r.used + 2)
}

// Outstanding returns the number of posted chains the device has not
// returned yet, as seen by the driver.
func (d *Driver) Outstanding(queue int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, err := d.ring(queue)
	if err != nil {
		return 0
	}
	return len(r.inflight)
}

// Reap collects the used entries the device added since the last call.
func (d *Driver) Reap(queue int) ([]Used, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, err := d.ring(queue)
	if err != nil {
		return nil, err
	}
	usedIdx, err := d.getUint16(r.used + 2)
	if err != nil {
		return nil, err
	}

	var out []Used
	for r.lastUsed != usedIdx {
		var entry [8]byte
		off := r.used + 4 + 8*uint64(r.lastUsed%r.size)
		if _, err := d.mem.ReadAt(entry[:], int64(off)); err != nil {
			return out, err
		}
		u := Used{
			Head: uint16(binary.LittleEndian.Uint32(entry[0:4])),
			Len:  binary.LittleEndian.Uint32(entry[4:8]),
		}
		bufs := r.inflight[u.Head]
		delete(r.inflight, u.Head)
		remaining := u.Len
		for _, s := range bufs.in {
			if remaining == 0 {
				break
			}
			n := s.length
			if n > remaining {
				n = remaining
			}
			chunk := make([]byte, n)
			if _, err := d.mem.ReadAt(chunk, int64(s.addr)); err != nil {
				return out, err
			}
			u.Data = append(u.Data, chunk...)
			remaining -= n
		}
		d.freeLocked(bufs.spans)
		out = append(out, u)
		r.lastUsed++
	}
	return out, nil
}

func (d *Driver) putUint16(addr uint64, v uint16) error {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	_, err := d.mem.WriteAt(b[:], int64(addr))
	return err
}

func (d *Driver) getUint16(addr uint64) (uint16, error) {
	var b [2]byte
	if _, err := d.mem.ReadAt(b[:], int64(addr)); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}
