package virtio

import (
	"fmt"
	"sync/atomic"

	"github.com/rcrowley/go-metrics"
)

type btMetrics struct {
	rxFrames       metrics.Counter
	rxBytes        metrics.Counter
	rxSizeMismatch metrics.Counter
	rxTruncated    metrics.Counter
	rxFrameSize    metrics.Histogram

	txFrames      metrics.Counter
	txBytes       metrics.Counter
	txEmpty       metrics.Counter
	txWriteErrors metrics.Counter
	txReclaimed   metrics.Counter

	relayStarts   metrics.Counter
	relayRestarts metrics.Counter
	relayExits    metrics.Counter
	relayFailures metrics.Counter
}

var btInstances atomic.Int64

// btRegistry returns r, or a child of metrics.DefaultRegistry whose names
// carry a per-device "virtio-bt.<n>." prefix so devices never share counters.
func btRegistry(r metrics.Registry) metrics.Registry {
	if r != nil {
		return r
	}
	return metrics.NewPrefixedChildRegistry(metrics.DefaultRegistry,
		fmt.Sprintf("virtio-bt.%d.", btInstances.Add(1)-1))
}

// newBTMetrics registers the device counters in r.
func newBTMetrics(r metrics.Registry) *btMetrics {
	return &btMetrics{
		rxFrames:       metrics.GetOrRegisterCounter("bt.rx.frames", r),
		rxBytes:        metrics.GetOrRegisterCounter("bt.rx.bytes", r),
		rxSizeMismatch: metrics.GetOrRegisterCounter("bt.rx.size_mismatch", r),
		rxTruncated:    metrics.GetOrRegisterCounter("bt.rx.truncated", r),
		rxFrameSize:    metrics.GetOrRegisterHistogram("bt.rx.frame_size", r, metrics.NewExpDecaySample(1028, 0.015)),

		txFrames:      metrics.GetOrRegisterCounter("bt.tx.frames", r),
		txBytes:       metrics.GetOrRegisterCounter("bt.tx.bytes", r),
		txEmpty:       metrics.GetOrRegisterCounter("bt.tx.empty", r),
		txWriteErrors: metrics.GetOrRegisterCounter("bt.tx.write_errors", r),
		txReclaimed:   metrics.GetOrRegisterCounter("bt.tx.reclaimed", r),

		relayStarts:   metrics.GetOrRegisterCounter("bt.relay.starts", r),
		relayRestarts: metrics.GetOrRegisterCounter("bt.relay.restarts", r),
		relayExits:    metrics.GetOrRegisterCounter("bt.relay.exits", r),
		relayFailures: metrics.GetOrRegisterCounter("bt.relay.failures", r),
	}
}
