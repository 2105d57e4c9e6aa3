package pcap

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
	"time"
)

func newTestWriter(t *testing.T, snapLen uint32) (*HCIWriter, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	w, err := NewHCIWriter(&buf, snapLen)
	if err != nil {
		t.Fatalf("NewHCIWriter: %v", err)
	}
	w.now = func() time.Time { return time.Unix(1_700_000_000, 250_000_000) }
	return w, &buf
}

func TestHCIWriterStream(t *testing.T) {
	w, buf := newTestWriter(t, 0)

	cmd := []byte{0x01, 0x03, 0x0c, 0x00}
	evt := []byte{0x04, 0x0e, 0x04, 0x01, 0x03, 0x0c, 0x00}
	if err := w.WriteFrame(true, cmd); err != nil {
		t.Fatalf("write command: %v", err)
	}
	if err := w.WriteFrame(false, evt); err != nil {
		t.Fatalf("write event: %v", err)
	}
	if w.Frames() != 2 {
		t.Fatalf("expected 2 frames, got %d", w.Frames())
	}

	data := buf.Bytes()
	if got := binary.LittleEndian.Uint32(data[0:4]); got != fileMagic {
		t.Fatalf("magic %#x", got)
	}
	if got := binary.LittleEndian.Uint32(data[16:20]); got != 65535 {
		t.Fatalf("snaplen %d", got)
	}
	if got := binary.LittleEndian.Uint32(data[20:24]); got != LinkTypeBluetoothHCIH4WithPHDR {
		t.Fatalf("link type %d", got)
	}

	rec := data[fileHeaderLen:]
	if sec := binary.LittleEndian.Uint32(rec[0:4]); sec != 1_700_000_000 {
		t.Fatalf("seconds %d", sec)
	}
	if usec := binary.LittleEndian.Uint32(rec[4:8]); usec != 250_000 {
		t.Fatalf("microseconds %d", usec)
	}
	if n := binary.LittleEndian.Uint32(rec[8:12]); n != uint32(phdrLen+len(cmd)) {
		t.Fatalf("caplen %d", n)
	}
	if dir := binary.BigEndian.Uint32(rec[16:20]); dir != DirSent {
		t.Fatalf("direction %d", dir)
	}
	if !bytes.Equal(rec[20:24], cmd) {
		t.Fatalf("payload %x", rec[20:24])
	}

	rec = rec[recordHdrLen+phdrLen+len(cmd):]
	if dir := binary.BigEndian.Uint32(rec[16:20]); dir != DirReceived {
		t.Fatalf("second direction %d", dir)
	}
	if !bytes.Equal(rec[20:], evt) {
		t.Fatalf("second payload %x", rec[20:])
	}
}

func TestHCIWriterTruncatesToSnapLen(t *testing.T) {
	w, buf := newTestWriter(t, 6)
	if err := w.WriteFrame(true, []byte{1, 2, 3, 4, 5}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	rec := buf.Bytes()[fileHeaderLen:]
	if capLen := binary.LittleEndian.Uint32(rec[8:12]); capLen != 6 {
		t.Fatalf("caplen %d", capLen)
	}
	if orig := binary.LittleEndian.Uint32(rec[12:16]); orig != 9 {
		t.Fatalf("original length %d", orig)
	}
	if len(rec) != recordHdrLen+6 {
		t.Fatalf("record is %d bytes", len(rec))
	}
}

type closeRecorder struct {
	bytes.Buffer
	closed int
}

func (c *closeRecorder) Close() error {
	c.closed++
	return nil
}

func TestHCIWriterClose(t *testing.T) {
	out := &closeRecorder{}
	w, err := NewHCIWriter(out, 0)
	if err != nil {
		t.Fatalf("NewHCIWriter: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if out.closed != 1 {
		t.Fatalf("underlying writer closed %d times", out.closed)
	}
	if err := w.WriteFrame(true, []byte{1}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestHCIWriterHeaderError(t *testing.T) {
	if _, err := NewHCIWriter(failingWriter{}, 0); err == nil {
		t.Fatal("expected header write error")
	}
}

func TestHCIWriterTinySnapLen(t *testing.T) {
	w, buf := newTestWriter(t, 2)
	if err := w.WriteFrame(false, []byte{0x04, 0x0e}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if got := buf.Len(); got != fileHeaderLen+recordHdrLen+2 {
		t.Fatalf("stream is %d bytes", got)
	}
}
