package hv

import "errors"

var (
	ErrSnapshotMagic     = errors.New("snapshot: bad magic")
	ErrSnapshotVersion   = errors.New("snapshot: unsupported version")
	ErrSnapshotMismatch  = errors.New("snapshot: configuration hash mismatch")
	ErrSnapshotNoDevice  = errors.New("snapshot: no state recorded for device")
	ErrSnapshotDuplicate = errors.New("snapshot: duplicate device id")
)

// DeviceSnapshot is the opaque, gob-encodable state a device hands out for
// serialization. Concrete types must be registered with encoding/gob.
type DeviceSnapshot interface{}

// DeviceSnapshotter is implemented by devices whose state survives a
// save/restore cycle. RestoreSnapshot is the post-load hook: when it returns
// the device must be ready to serve the driver again.
type DeviceSnapshotter interface {
	DeviceId() string
	CaptureSnapshot() (DeviceSnapshot, error)
	RestoreSnapshot(snap DeviceSnapshot) error
}

// Stoppable is implemented by devices that own background resources.
type Stoppable interface {
	Stop() error
}
