package hv

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// ConfigHash identifies the device configuration a snapshot was taken
// against. A snapshot can only be restored onto devices with the same hash.
type ConfigHash [32]byte

// DeviceConfig captures device configuration for hashing.
type DeviceConfig struct {
	ID         string
	Endpoint   string
	QueueSizes []uint16
	FrameSize  uint32
	Features   uint64
}

// ComputeConfigHash computes a deterministic hash of device configurations.
func ComputeConfigHash(deviceConfigs []DeviceConfig) ConfigHash {
	h := sha256.New()

	var buf [8]byte
	// Device configurations (order matters)
	for _, dc := range deviceConfigs {
		h.Write([]byte(dc.ID))
		h.Write([]byte{0})
		h.Write([]byte(dc.Endpoint))
		h.Write([]byte{0})

		binary.LittleEndian.PutUint32(buf[:4], uint32(len(dc.QueueSizes)))
		h.Write(buf[:4])
		for _, size := range dc.QueueSizes {
			binary.LittleEndian.PutUint16(buf[:2], size)
			h.Write(buf[:2])
		}
		binary.LittleEndian.PutUint32(buf[:4], dc.FrameSize)
		h.Write(buf[:4])
		binary.LittleEndian.PutUint64(buf[:], dc.Features)
		h.Write(buf[:])
	}

	var result ConfigHash
	copy(result[:], h.Sum(nil))
	return result
}

// String returns a hex string representation of the hash.
func (h ConfigHash) String() string {
	return hex.EncodeToString(h[:])
}
