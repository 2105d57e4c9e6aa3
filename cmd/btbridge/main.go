package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rcrowley/go-metrics"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/tinyrange/btbridge/internal/config"
	"github.com/tinyrange/btbridge/internal/devices/virtio"
	"github.com/tinyrange/btbridge/internal/devices/virtio/virtiotest"
	"github.com/tinyrange/btbridge/internal/hv"
	"github.com/tinyrange/btbridge/internal/pcap"
)

const guestMemorySize = 16 << 20

func run() error {
	configPath := flag.String("config", "", "path to a YAML config file")
	socket := flag.String("socket", "", "peer controller socket (overrides device.socket_path)")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error")
	logFormat := flag.String("log-format", "", "log format: text or json")
	statsListen := flag.String("stats-listen", "", "serve Prometheus metrics on this address")
	policy := flag.String("tx-failure-policy", "", "drop or reclaim driver buffers on write failure")
	buffers := flag.Int("buffers", 16, "receive buffers kept posted")
	snapshotDir := flag.String("snapshot-dir", "", "directory for :checkpoint snapshots")
	capture := flag.String("capture", "", "record relayed frames to this pcap file")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `btbridge - drive a virtio-bt device from an in-process guest driver

USAGE:
  btbridge [flags]

With -capture, frames are recorded as Bluetooth H4 with a direction
header and open directly in Wireshark.

Each stdin line is either a frame in hex (sent driver to peer) or a command:
  :restart       restart the inbound relay
  :checkpoint    save device state to -snapshot-dir and restore it
  :state         print the relay state
  :quit          exit

Frames from the peer are printed as "< xx xx ...".

FLAGS:
`)
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := config.Read(*configPath)
	if err != nil {
		return err
	}
	if *socket != "" {
		cfg.Device.SocketPath = *socket
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Logging.Format = *logFormat
	}
	if *statsListen != "" {
		cfg.Stats.Listen = *statsListen
	}
	if *policy != "" {
		p, err := config.ParseTxFailurePolicy(*policy)
		if err != nil {
			return err
		}
		cfg.Device.TxFailurePolicy = p
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if *buffers <= 0 || *buffers >= int(cfg.Device.QueueSize) {
		return fmt.Errorf("-buffers must be between 1 and %d", cfg.Device.QueueSize-1)
	}

	log := config.NewLogger(cfg.Logging, os.Stderr)
	registry := metrics.NewRegistry()

	var tap virtio.FrameTap
	if *capture != "" {
		pw, err := openCapture(*capture, cfg.Device.FrameSize)
		if err != nil {
			return err
		}
		defer func() {
			log.Info("capture closed", "path", *capture, "frames", pw.Frames())
			pw.Close()
		}()
		tap = func(toPeer bool, frame []byte) {
			if err := pw.WriteFrame(toPeer, frame); err != nil {
				log.Warn("capture write failed", "err", err)
			}
		}
	}

	mem := virtiotest.NewMemory(guestMemorySize)
	drv := virtiotest.NewDriver(mem)
	dev, err := virtio.NewBT(mem, virtio.BTOptions{
		Device:  cfg.Device,
		Logger:  log,
		Metrics: registry,
		IRQ:     drv.IRQ,
		Tap:     tap,
	})
	if err != nil {
		return err
	}
	defer dev.Teardown()

	if err := drv.Attach(dev.Transport(), cfg.Device.QueueSize); err != nil {
		return fmt.Errorf("attach driver: %w", err)
	}

	p := &probe{
		dev:     dev,
		drv:     drv,
		log:     log,
		buffers: *buffers,
		bufSize: cfg.Device.FrameSize,
		out:     os.Stdout,
	}

	var store *hv.SnapshotStore
	if *snapshotDir != "" {
		store = hv.NewSnapshotStore(*snapshotDir)
	}
	hash := hv.ComputeConfigHash([]hv.DeviceConfig{dev.ConfigSummary()})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.pump(ctx) })
	g.Go(func() error { return serveStats(ctx, log, cfg.Stats, registry) })

	// Stdin cannot be interrupted, so it is read outside the group.
	go func() {
		defer stop()
		interactive := term.IsTerminal(int(os.Stdin.Fd()))
		scanner := bufio.NewScanner(os.Stdin)
		for {
			if interactive {
				p.printf("> ")
			}
			if !scanner.Scan() {
				return
			}
			quit, err := handleLine(p, store, hash, scanner.Text())
			if err != nil {
				log.Error("command failed", "err", err)
			}
			if quit {
				return
			}
		}
	}()

	return g.Wait()
}

func handleLine(p *probe, store *hv.SnapshotStore, hash hv.ConfigHash, line string) (bool, error) {
	line = strings.TrimSpace(line)
	switch line {
	case "":
		return false, nil
	case ":quit":
		return true, nil
	case ":state":
		p.printf("relay %s\n", p.dev.State())
		if err := p.dev.RelayErr(); err != nil {
			p.printf("last error: %v\n", err)
		}
		return false, nil
	case ":restart":
		return false, p.dev.Restart()
	case ":checkpoint":
		if store == nil {
			return false, errors.New("no -snapshot-dir configured")
		}
		if err := store.Save(hash, p.dev); err != nil {
			return false, fmt.Errorf("save snapshot: %w", err)
		}
		if err := store.Load(hash, p.dev); err != nil {
			return false, fmt.Errorf("load snapshot: %w", err)
		}
		p.printf("checkpoint %s\n", store.Path(hash))
		return false, nil
	}

	if strings.HasPrefix(line, ":") {
		return false, fmt.Errorf("unknown command %q", line)
	}
	frame, err := parseFrame(line)
	if err != nil || frame == nil {
		return false, err
	}
	return false, p.send(frame)
}

func openCapture(path string, frameSize int) (*pcap.HCIWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create capture: %w", err)
	}
	pw, err := pcap.NewHCIWriter(f, uint32(frameSize)+4)
	if err != nil {
		f.Close()
		return nil, err
	}
	return pw, nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "btbridge: %v\n", err)
		os.Exit(1)
	}
}
