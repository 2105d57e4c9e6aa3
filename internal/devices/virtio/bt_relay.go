package virtio

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tinyrange/btbridge/internal/config"
	"github.com/tinyrange/btbridge/internal/ipc"
)

// relayInbound moves frames from the peer into receive buffers posted by the
// driver until a stop is requested or the channel fails.
func (bt *BT) relayInbound(ctx context.Context, ch ipc.Channel, done chan struct{}) {
	defer close(done)

	err := bt.runInbound(ctx, ch)
	bt.metrics.relayExits.Inc(1)

	if err != nil {
		bt.setRelayErr(err)
		bt.metrics.relayFailures.Inc(1)
		if errors.Is(err, ErrPeerClosed) {
			bt.log.Warn("peer closed connection")
		} else {
			bt.log.Error("inbound relay stopped", "err", err)
		}
	}
	bt.state.CompareAndSwap(int32(RelayRunning), int32(RelayStopped))
}

func (bt *BT) stopRequested(ctx context.Context) bool {
	return ctx.Err() != nil || bt.State() == RelayStopRequested
}

func (bt *BT) runInbound(ctx context.Context, ch ipc.Channel) error {
	buf := make([]byte, bt.cfg.FrameSize)
	for {
		n, err := ch.Read(buf)
		if err != nil {
			if errors.Is(err, ipc.ErrTimeout) {
				if bt.stopRequested(ctx) {
					return nil
				}
				continue
			}
			if errors.Is(err, ipc.ErrTruncated) {
				bt.metrics.rxTruncated.Inc(1)
				bt.log.Warn("oversized frame from peer dropped", "max", len(buf))
				continue
			}
			return fmt.Errorf("read from peer: %w", err)
		}
		if n == 0 {
			return ErrPeerClosed
		}

		if err := bt.deliver(ctx, buf[:n]); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
	}
}

// deliver copies frame into the next receive buffer. A buffer that cannot
// hold the whole frame is returned empty and the frame is dropped.
func (bt *BT) deliver(ctx context.Context, frame []byte) error {
	elem, err := bt.waitForBuffer(ctx)
	if err != nil {
		return err
	}

	copied, err := bt.rxq.WriteIn(elem, frame)
	if err != nil {
		bt.log.Warn("write rx buffer failed", "head", elem.Head, "err", err)
	}
	if err != nil || copied != len(frame) {
		bt.metrics.rxSizeMismatch.Inc(1)
		bt.log.Warn("rx buffer size mismatch, frame dropped",
			"frame", len(frame), "copied", copied, "buffer", elem.InSize())
		bt.pushRx(elem, 0)
		return nil
	}

	if !bt.pushRx(elem, uint32(copied)) {
		return nil
	}
	bt.rxq.Notify()
	if bt.tap != nil {
		bt.tap(false, frame)
	}
	bt.metrics.rxFrames.Inc(1)
	bt.metrics.rxBytes.Inc(int64(copied))
	bt.metrics.rxFrameSize.Update(int64(copied))
	bt.log.Debug("frame to driver", "len", copied)
	return nil
}

func (bt *BT) pushRx(elem *Element, used uint32) bool {
	if err := bt.rxq.Push(elem, used); err != nil {
		bt.log.Warn("push rx buffer failed", "head", elem.Head, "err", err)
		return false
	}
	return true
}

// waitForBuffer pops a receive buffer, sleeping until the driver kicks the
// receive queue or the poll interval passes.
func (bt *BT) waitForBuffer(ctx context.Context) (*Element, error) {
	var ticker *time.Ticker
	for {
		elem, err := bt.rxq.Pop()
		if err != nil && !errors.Is(err, ErrQueueNotReady) {
			return nil, fmt.Errorf("pop rx buffer: %w", err)
		}
		if elem != nil {
			return elem, nil
		}
		if bt.stopRequested(ctx) {
			return nil, context.Canceled
		}

		if ticker == nil {
			ticker = time.NewTicker(bt.cfg.BufferPollInterval)
			defer ticker.Stop()
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-bt.rxq.Available():
		case <-ticker.C:
		}
	}
}

// handleTx forwards one driver frame to the peer.
func (bt *BT) handleTx() error {
	elem, err := bt.txq.Pop()
	if err != nil {
		if errors.Is(err, ErrQueueNotReady) {
			return nil
		}
		return fmt.Errorf("virtio-bt: pop tx buffer: %w", err)
	}
	if elem == nil {
		return nil
	}

	if elem.OutSize() == 0 {
		bt.metrics.txEmpty.Inc(1)
		bt.log.Warn("empty buffer", "head", elem.Head)
		return nil
	}

	frame, err := bt.txq.ReadOut(elem)
	if err == nil {
		var n int
		n, err = bt.writePeer(frame)
		if err == nil && n != len(frame) {
			err = fmt.Errorf("short write: %d of %d bytes", n, len(frame))
		}
	}
	if err != nil {
		bt.metrics.txWriteErrors.Inc(1)
		bt.log.Error("write to peer failed", "head", elem.Head, "len", elem.OutSize(), "policy", bt.cfg.TxFailurePolicy, "err", err)
		if bt.cfg.TxFailurePolicy == config.TxFailureReclaim {
			if perr := bt.txq.Push(elem, 0); perr != nil {
				return fmt.Errorf("virtio-bt: reclaim tx buffer: %w", perr)
			}
			bt.txq.Notify()
			bt.metrics.txReclaimed.Inc(1)
		}
		return nil
	}

	if err := bt.txq.Push(elem, 0); err != nil {
		return fmt.Errorf("virtio-bt: push tx buffer: %w", err)
	}
	bt.txq.Notify()
	if bt.tap != nil {
		bt.tap(true, frame)
	}
	bt.metrics.txFrames.Inc(1)
	bt.metrics.txBytes.Inc(int64(len(frame)))
	bt.log.Debug("frame to peer", "len", len(frame))
	return nil
}

func (bt *BT) writePeer(frame []byte) (int, error) {
	bt.chMu.RLock()
	defer bt.chMu.RUnlock()
	if bt.ch == nil {
		return 0, ipc.ErrClosed
	}
	return bt.ch.Write(frame)
}
