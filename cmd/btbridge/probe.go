package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tinyrange/btbridge/internal/devices/virtio"
	"github.com/tinyrange/btbridge/internal/devices/virtio/virtiotest"
)

const (
	txQueue = 0
	rxQueue = 1
)

// probe plays the guest side of a virtio-bt device: it keeps receive
// buffers posted, prints what the peer sends and submits frames typed by
// the user.
type probe struct {
	dev     *virtio.BT
	drv     *virtiotest.Driver
	log     *slog.Logger
	buffers int
	bufSize int

	mu  sync.Mutex
	out io.Writer
}

func (p *probe) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, format, args...)
}

// fill posts receive buffers until buffers are outstanding.
func (p *probe) fill() error {
	for p.drv.Outstanding(rxQueue) < p.buffers {
		if err := p.drv.AddRxBuffer(rxQueue, p.bufSize); err != nil {
			return err
		}
	}
	return nil
}

// pump reaps used buffers until ctx is cancelled.
func (p *probe) pump(ctx context.Context) error {
	if err := p.fill(); err != nil {
		return err
	}
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		used, err := p.drv.Reap(rxQueue)
		if err != nil {
			return fmt.Errorf("reap rx: %w", err)
		}
		for _, u := range used {
			if u.Len == 0 {
				p.log.Warn("receive buffer returned empty", "head", u.Head)
				continue
			}
			p.printf("< %s\n", formatFrame(u.Data))
		}
		if _, err := p.drv.Reap(txQueue); err != nil {
			return fmt.Errorf("reap tx: %w", err)
		}
		if len(used) > 0 {
			if err := p.fill(); err != nil {
				return err
			}
		}
	}
}

// send submits one frame on the transmit queue.
func (p *probe) send(frame []byte) error {
	return p.drv.Send(txQueue, frame)
}

// parseFrame decodes a line of hex bytes. Spaces, colons and an optional 0x
// prefix are accepted.
func parseFrame(line string) ([]byte, error) {
	line = strings.TrimSpace(line)
	line = strings.TrimPrefix(strings.ToLower(line), "0x")
	line = strings.NewReplacer(" ", "", ":", "", "\t", "").Replace(line)
	if line == "" {
		return nil, nil
	}
	frame, err := hex.DecodeString(line)
	if err != nil {
		return nil, fmt.Errorf("invalid hex frame: %w", err)
	}
	return frame, nil
}

func formatFrame(frame []byte) string {
	var b strings.Builder
	for i, c := range frame {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%02x", c)
	}
	return b.String()
}
