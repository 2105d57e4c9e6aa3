package virtio

import (
	"context"
	"errors"
	"fmt"

	"github.com/tinyrange/btbridge/internal/ipc"
)

// RelayState is the inbound relay state. It only moves
// running -> stop-requested -> stopped -> running, except that a relay
// which exits on its own goes straight from running to stopped.
type RelayState int32

const (
	RelayStopped RelayState = iota
	RelayRunning
	RelayStopRequested
)

func (s RelayState) String() string {
	switch s {
	case RelayStopped:
		return "stopped"
	case RelayRunning:
		return "running"
	case RelayStopRequested:
		return "stop-requested"
	}
	return fmt.Sprintf("RelayState(%d)", int32(s))
}

type relayHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// State returns the inbound relay state.
func (bt *BT) State() RelayState {
	return RelayState(bt.state.Load())
}

// RelayAlive reports whether the inbound relay is running.
func (bt *BT) RelayAlive() bool {
	return bt.State() == RelayRunning
}

// RelayErr returns the error that ended the last relay, or nil if it is
// still running or was stopped on request.
func (bt *BT) RelayErr() error {
	bt.errMu.Lock()
	defer bt.errMu.Unlock()
	return bt.relayErr
}

func (bt *BT) setRelayErr(err error) {
	bt.errMu.Lock()
	bt.relayErr = err
	bt.errMu.Unlock()
}

// Start connects to the peer if needed and spawns the inbound relay. It is a
// no-op while a relay is running; a relay that exited on its own is reaped
// and replaced.
func (bt *BT) Start() error {
	bt.lifeMu.Lock()
	defer bt.lifeMu.Unlock()
	return bt.startLocked()
}

func (bt *BT) startLocked() error {
	if bt.tornDown {
		return ErrTornDown
	}
	if h := bt.relay; h != nil {
		select {
		case <-h.done:
			h.cancel()
			bt.relay = nil
		default:
			return nil
		}
	}

	ch, err := bt.connectLocked()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &relayHandle{cancel: cancel, done: make(chan struct{})}
	bt.relay = h
	bt.setRelayErr(nil)
	bt.state.Store(int32(RelayRunning))
	bt.metrics.relayStarts.Inc(1)

	go bt.relayInbound(ctx, ch, h.done)
	return nil
}

func (bt *BT) connectLocked() (ipc.Channel, error) {
	bt.chMu.RLock()
	ch := bt.ch
	bt.chMu.RUnlock()
	if ch != nil {
		return ch, nil
	}

	ch, err := bt.dial(bt.cfg.SocketPath, ipc.Options{
		RecvTimeout: bt.cfg.RecvTimeout,
		SendTimeout: bt.cfg.SendTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("%w %s: %w", ErrConnect, bt.cfg.SocketPath, err)
	}

	bt.chMu.Lock()
	bt.ch = ch
	bt.chMu.Unlock()
	bt.log.Info("connected to peer")
	return ch, nil
}

// Stop asks the inbound relay to exit and waits for it. The relay notices
// within one receive timeout. The peer channel stays open.
func (bt *BT) Stop() error {
	bt.lifeMu.Lock()
	defer bt.lifeMu.Unlock()
	bt.stopLocked()
	return nil
}

func (bt *BT) stopLocked() {
	h := bt.relay
	if h == nil {
		return
	}
	bt.state.CompareAndSwap(int32(RelayRunning), int32(RelayStopRequested))
	h.cancel()
	<-h.done
	bt.relay = nil
	bt.state.Store(int32(RelayStopped))
}

// Restart stops the inbound relay and spawns a new one on the same channel.
func (bt *BT) Restart() error {
	bt.lifeMu.Lock()
	defer bt.lifeMu.Unlock()
	if bt.tornDown {
		return ErrTornDown
	}
	bt.stopLocked()
	bt.metrics.relayRestarts.Inc(1)
	return bt.startLocked()
}

// Teardown stops the relay, resets both queues and closes the peer channel.
// Calling it again is a no-op.
func (bt *BT) Teardown() error {
	bt.lifeMu.Lock()
	defer bt.lifeMu.Unlock()
	if bt.tornDown {
		return nil
	}
	bt.stopLocked()

	bt.txq.Reset()
	bt.rxq.Reset()

	bt.chMu.Lock()
	ch := bt.ch
	bt.ch = nil
	bt.chMu.Unlock()
	bt.tornDown = true

	if ch == nil {
		return nil
	}
	if err := ch.Close(); err != nil && !errors.Is(err, ipc.ErrClosed) {
		return fmt.Errorf("virtio-bt: close peer channel: %w", err)
	}
	bt.log.Info("device torn down")
	return nil
}
