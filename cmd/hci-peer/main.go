package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/btbridge/internal/config"
	"github.com/tinyrange/btbridge/internal/ipc"
)

func run() error {
	socket := flag.String("socket", "/tmp/hci-peer.sock", "seqpacket socket to listen on")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	logFormat := flag.String("log-format", "text", "log format: text or json")
	frameSize := flag.Int("frame-size", config.DefaultFrameSize, "largest frame accepted from the device")
	bdaddr := flag.String("bdaddr", "00:1a:7d:da:71:13", "controller address reported by Read BD_ADDR")
	flag.Parse()

	log := config.NewLogger(config.LoggingConfig{Level: *logLevel, Format: *logFormat}, os.Stderr)

	ctrl, err := newController(log, *bdaddr)
	if err != nil {
		return err
	}

	srv, err := ipc.NewServer(*socket, *frameSize, func(conn *ipc.Conn, frame []byte) error {
		reply, err := ctrl.respond(frame)
		if err != nil {
			log.Warn("bad frame", "err", err)
			return nil
		}
		if reply == nil {
			return nil
		}
		if _, err := conn.Write(reply); err != nil {
			if errors.Is(err, ipc.ErrClosed) {
				return io.EOF
			}
			return fmt.Errorf("write reply: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("listen %s: %w", *socket, err)
	}
	log.Info("hci peer listening", "socket", srv.SocketPath())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(srv.Serve)
	g.Go(func() error {
		<-ctx.Done()
		return srv.Close()
	})
	return g.Wait()
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "hci-peer: %v\n", err)
		os.Exit(1)
	}
}
