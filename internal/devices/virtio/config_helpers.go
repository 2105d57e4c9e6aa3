package virtio

import "encoding/binary"

// ReadConfigWindow reads a 4-byte window from configBytes at the relative
// offset. Reads past the end return zero and are reported as handled.
func ReadConfigWindow(offset uint64, configBytes []byte) (uint32, bool, error) {
	if offset >= uint64(len(configBytes)) {
		return 0, true, nil
	}
	var buf [4]byte
	copy(buf[:], configBytes[offset:])
	return binary.LittleEndian.Uint32(buf[:]), true, nil
}

// WriteConfigNoop handles a write to read-only config space.
func WriteConfigNoop(offset uint64) (bool, error) {
	return true, nil
}
