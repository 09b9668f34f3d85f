// Command corr2-controller runs the correlator control-plane server:
// it parses a config on the `create` verb, drives the F/X/B-engine
// boards over the network, and serves the control protocol on a TCP
// port until told to stop.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/shaoguangleo/corr2/internal/config"
	"github.com/shaoguangleo/corr2/internal/control"
	"github.com/shaoguangleo/corr2/internal/logging"
	"github.com/shaoguangleo/corr2/internal/stream"
	"github.com/shaoguangleo/corr2/internal/transport/katcp"
)

func main() {
	var configFlag = pflag.StringP("config", "c", "", "Instrument config file. Overrides "+config.EnvVar+".")
	var port = pflag.IntP("port", "p", 7147, "TCP port for the control protocol.")
	var boardPort = pflag.Int("board-port", 7147, "TCP port the F/X/B-engine boards listen on.")
	var announce = pflag.BoolP("announce", "a", false, "Announce this controller over DNS-SD.")
	var announceName = pflag.StringP("announce-name", "n", "", "DNS-SD instance name. Defaults to the hostname.")
	var debug = pflag.CountP("debug", "d", "Increase log verbosity. Repeat for caller info (-dd).")
	var grace = pflag.DurationP("grace", "g", 5*time.Second, "Grace period to let an in-flight verb finish before shutdown.")
	var help = pflag.BoolP("help", "h", false, "Display help text.")

	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "%s - control-plane server for an FX correlator.\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Usage: corr2-controller [options]\n\n")
		pflag.PrintDefaults()
	}

	pflag.Parse()

	if *help {
		pflag.Usage()
		os.Exit(0)
	}

	var logger = logging.New(os.Stderr, *debug)

	if *announceName == "" {
		if hostname, err := os.Hostname(); err == nil {
			*announceName = hostname
		}
	}

	// The config path is only resolved up front to fail fast on a missing
	// --config/CORR2_CONFIG; the resolved path is not used afterwards, and
	// the `create` verb loads the path given as its own argument.
	if _, err := config.ResolvePath(*configFlag); err != nil {
		logger.Error("no config available", "err", err)
		os.Exit(1)
	}

	var server = control.NewServer(control.Config{
		Dialer:       &katcp.Dialer{Port: *boardPort},
		Emitter:      &stream.UDPEmitter{},
		Logger:       logger,
		Port:         *port,
		Announce:     *announce,
		AnnounceName: *announceName,
	})

	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	var serveErr = make(chan error, 1)
	go func() {
		serveErr <- server.Serve(ctx)
	}()

	var sigCh = make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
		server.Stop(*grace)
		os.Exit(130)
	case err := <-serveErr:
		cancel()
		if err != nil {
			logger.Error("control server exited", "err", err)
			os.Exit(1)
		}
		os.Exit(0)
	}
}
