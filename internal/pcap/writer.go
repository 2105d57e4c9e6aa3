package pcap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"
)

// LinkTypeBluetoothHCIH4WithPHDR is DLT_BLUETOOTH_HCI_H4_WITH_PHDR: an H4
// packet (indicator byte first) preceded by a 4-byte big-endian direction.
const LinkTypeBluetoothHCIH4WithPHDR uint32 = 201

const (
	fileMagic     = 0xa1b2c3d4
	fileHeaderLen = 24
	recordHdrLen  = 16
	phdrLen       = 4
)

// Direction values for the pseudo header, as seen from the host.
const (
	DirSent     uint32 = 0
	DirReceived uint32 = 1
)

var (
	// ErrClosed is returned by writes after Close.
	ErrClosed = errors.New("pcap: capture closed")
	// ErrFrameTooLarge is returned when a frame does not fit in a record.
	ErrFrameTooLarge = errors.New("pcap: frame too large")
)

// HCIWriter records HCI frames in the classic libpcap format. It is safe
// for concurrent use by the inbound and outbound paths.
type HCIWriter struct {
	mu      sync.Mutex
	w       io.Writer
	snapLen uint32
	now     func() time.Time
	closed  bool
	frames  int
}

// NewHCIWriter writes the file header to out and returns a writer that
// truncates frames to snapLen bytes. A snapLen of 0 selects 65535.
func NewHCIWriter(out io.Writer, snapLen uint32) (*HCIWriter, error) {
	if snapLen == 0 {
		snapLen = math.MaxUint16
	}

	var hdr [fileHeaderLen]byte
	binary.LittleEndian.PutUint32(hdr[0:4], fileMagic)
	binary.LittleEndian.PutUint16(hdr[4:6], 2)
	binary.LittleEndian.PutUint16(hdr[6:8], 4)
	binary.LittleEndian.PutUint32(hdr[16:20], snapLen)
	binary.LittleEndian.PutUint32(hdr[20:24], LinkTypeBluetoothHCIH4WithPHDR)
	if _, err := out.Write(hdr[:]); err != nil {
		return nil, fmt.Errorf("pcap: write header: %w", err)
	}

	return &HCIWriter{w: out, snapLen: snapLen, now: time.Now}, nil
}

// WriteFrame appends one record. sent is true for frames travelling from
// the host (driver) to the controller.
func (w *HCIWriter) WriteFrame(sent bool, frame []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}

	orig := phdrLen + len(frame)
	if orig > math.MaxUint32 {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(frame))
	}
	capLen := min(uint32(orig), w.snapLen)

	ts := w.now()
	sec := ts.Unix()
	if sec < 0 || sec > math.MaxUint32 {
		return fmt.Errorf("pcap: timestamp %v out of range", ts)
	}

	rec := make([]byte, recordHdrLen+phdrLen, recordHdrLen+max(int(capLen), phdrLen))
	binary.LittleEndian.PutUint32(rec[0:4], uint32(sec))
	binary.LittleEndian.PutUint32(rec[4:8], uint32(ts.Nanosecond()/1_000))
	binary.LittleEndian.PutUint32(rec[8:12], capLen)
	binary.LittleEndian.PutUint32(rec[12:16], uint32(orig))
	dir := DirReceived
	if sent {
		dir = DirSent
	}
	binary.BigEndian.PutUint32(rec[16:20], dir)
	if capLen > phdrLen {
		rec = append(rec, frame[:capLen-phdrLen]...)
	} else {
		rec = rec[:recordHdrLen+capLen]
	}

	if _, err := w.w.Write(rec); err != nil {
		return fmt.Errorf("pcap: write record: %w", err)
	}
	w.frames++
	return nil
}

// Frames returns the number of records written.
func (w *HCIWriter) Frames() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.frames
}

// Close stops further writes and closes the underlying writer if it is an
// io.Closer.
func (w *HCIWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if c, ok := w.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
