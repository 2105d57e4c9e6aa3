package virtio

import "fmt"

// Element is one descriptor chain popped from a queue. Out holds the
// device-readable buffers (driver output), In the device-writable ones
// (driver input). Every popped element must be pushed back exactly once.
type Element struct {
	Head uint16
	Out  []VirtQueuePayload
	In   []VirtQueuePayload

	pushed bool
}

// OutSize returns the total length of the device-readable side.
func (e *Element) OutSize() uint64 {
	return payloadSize(e.Out)
}

// InSize returns the total length of the device-writable side.
func (e *Element) InSize() uint64 {
	return payloadSize(e.In)
}

// Pushed reports whether the element has been returned to the driver.
func (e *Element) Pushed() bool {
	return e.pushed
}

func payloadSize(payloads []VirtQueuePayload) uint64 {
	var total uint64
	for _, p := range payloads {
		total += uint64(p.Length)
	}
	return total
}

// ReadOut gathers the device-readable side of elem into one contiguous buffer.
func (q *VirtQueue) ReadOut(elem *Element) ([]byte, error) {
	size := elem.OutSize()
	if size > maxElementBytes {
		return nil, fmt.Errorf("virtio: element %d readable size %d too large", elem.Head, size)
	}
	data := make([]byte, 0, size)
	for _, p := range elem.Out {
		if p.Length == 0 {
			continue
		}
		chunk, err := q.ReadGuest(p.Addr, p.Length)
		if err != nil {
			return data, err
		}
		data = append(data, chunk...)
	}
	return data, nil
}

// WriteIn scatters data across the device-writable side of elem and returns
// the number of bytes copied, which is short when the buffers are too small.
func (q *VirtQueue) WriteIn(elem *Element, data []byte) (int, error) {
	consumed := 0
	for _, p := range elem.In {
		if consumed == len(data) {
			break
		}
		if p.Length == 0 {
			continue
		}
		toCopy := int(p.Length)
		if remaining := len(data) - consumed; toCopy > remaining {
			toCopy = remaining
		}
		if err := q.WriteGuest(p.Addr, data[consumed:consumed+toCopy]); err != nil {
			return consumed, err
		}
		consumed += toCopy
	}
	return consumed, nil
}

// maxElementBytes caps a single gathered element.
const maxElementBytes = 1 << 24
