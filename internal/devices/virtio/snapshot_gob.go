package virtio

import "encoding/gob"

func init() {
	// Device snapshots travel as hv.DeviceSnapshot interface values.
	gob.Register(&btSnapshot{})
	gob.Register(&TransportSnapshot{})
	gob.Register(&QueueSnapshot{})
}
