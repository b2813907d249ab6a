package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"

	"golang.org/x/sync/errgroup"

	"octavo/comm"
	"octavo/emu"
	"octavo/emu/log"
)

// serveMain assembles a device from the saved configuration and runs it
// until interrupted.
func serveMain(args Serve) {
	cfg := emu.LoadConfigOrDefault()
	if args.Serial != "" {
		cfg.Serial.Port = args.Serial
	}

	dev, err := emu.New(cfg)
	checkf(err, "failed to assemble device")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return dev.Run(ctx) })

	if cfg.Serial.Port != "" {
		// A serial device has one permanent client: whatever sits at the
		// other end of the cable.
		s, err := comm.OpenSerial(cfg.Serial.Port, cfg.Serial.Baud, cfg.Serial.FastBaud)
		checkf(err, "failed to open %s", cfg.Serial.Port)
		dev.Attach(s)
		g.Go(func() error {
			<-ctx.Done()
			return s.Close()
		})
	} else {
		ln, err := net.Listen("tcp", args.Addr)
		checkf(err, "failed to listen on %s", args.Addr)
		fmt.Println("device listening on", ln.Addr())

		g.Go(func() error { return acceptLoop(ctx, ln, dev) })
		g.Go(func() error {
			<-ctx.Done()
			return ln.Close()
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		fatalf("%v", err)
	}
}

// acceptLoop hands incoming connections to the device, one at a time. The
// protocol is half-duplex with a single master, so a second client waits in
// the listen backlog until the first goes away.
func acceptLoop(ctx context.Context, ln net.Listener, dev *emu.Device) error {
	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		log.ModEmu.InfoZ("client connected").String("from", c.RemoteAddr().String()).End()

		dev.Attach(comm.NewConn(c))
		select {
		case <-dev.Detached():
			c.Close()
		case <-ctx.Done():
			c.Close()
			return nil
		}
	}
}
