// tapweave is a P2P virtual network tunnel agent.
//
// The agent bridges local TAP interfaces to remote peers over WebRTC
// DataChannels. Tunnels and peer links are created, inspected, and torn
// down through a JSON control protocol served over a local websocket;
// signaling descriptions travel through the same channel.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/tapweave/tapweave/internal/config"
	"github.com/tapweave/tapweave/internal/control"
	"github.com/tapweave/tapweave/internal/device"
	"github.com/tapweave/tapweave/internal/frame"
	"github.com/tapweave/tapweave/internal/util"
	"github.com/tapweave/tapweave/internal/webrtc"
)

func main() {
	cfgPath := flag.String("config", "", "path to config file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	if err := run(*cfgPath, *debug); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfgPath string, debug bool) error {
	// Root context, cancelled on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if debug || cfg.Debug {
		util.EnableDebug()
	}

	pool := frame.NewPool(cfg.Device.MTU + frame.HeaderSize)
	tr := webrtc.NewTransport(cfg.WebRTC.STUNServers)

	opener := func(devCfg device.Config) (device.Device, error) {
		if devCfg.Name == "" {
			devCfg.Name = cfg.Device.Name
		}
		if devCfg.MTU == 0 {
			devCfg.MTU = cfg.Device.MTU
		}
		return device.Open(devCfg)
	}

	disp := control.NewDispatch(ctx, tr, pool, opener)
	listener := control.NewListener(cfg.Control.Listen, disp)

	util.StartStatsReporter(ctx, cfg.Stats.Interval)

	serveErr := listener.Serve(ctx)

	if err := disp.Shutdown(); err != nil {
		util.LogWarning("shutdown: %v", err)
	}
	return serveErr
}
