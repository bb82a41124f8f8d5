package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kelvan/mpd-coap/internal/config"
	"github.com/kelvan/mpd-coap/internal/player"
	"github.com/kelvan/mpd-coap/internal/resource"
	"github.com/kelvan/mpd-coap/internal/server"
	"github.com/kelvan/mpd-coap/internal/settings"
)

var (
	version = "dev"

	shutdown     = make(chan struct{})
	shutdownOnce sync.Once
)

/* ---- logging ---- */

// setupLogging configures the standard logrus logger. The returned closer
// releases the log file, if any.
func setupLogging(opts config.Options) (func(), error) {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if opts.Verbose {
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		logrus.SetLevel(logrus.InfoLevel)
	}
	if opts.LogPath == "" {
		logrus.SetOutput(os.Stderr)
		return func() {}, nil
	}
	f, err := os.OpenFile(opts.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %v", opts.LogPath, err)
	}
	logrus.SetOutput(f)
	return func() { f.Close() }, nil
} // func setupLogging

/* ---- shutdown ---- */

// requestShutdown closes the shutdown channel exactly once
func requestShutdown() {
	shutdownOnce.Do(func() {
		close(shutdown)
	})
}

// initShutdownHandler installs a signal handler to trigger shutdown
func initShutdownHandler() {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigs
		logrus.Infof("Received %v", s)
		requestShutdown()
	}()
}

/* ---- daemon ---- */

// daemon holds everything started by run so it can be torn down in order.
type daemon struct {
	coap    *server.CoAP
	gateway *server.Gateway
	mdns    *server.Advertiser
}

// start wires settings, player and resources and brings the listeners up.
func start(opts config.Options) (*daemon, error) {
	store, err := settings.Open(opts.Settings)
	if err != nil {
		return nil, err
	}
	logrus.Infof("Settings file %s (mpd at %s)", store.Path(), store.Address())

	p := player.New(store, player.WithTimeout(opts.Timeout))
	probe(p, store.Address())

	site := resource.Build(store, p)
	d := &daemon{coap: server.NewCoAP(site, opts.Listen, nil)}
	if err := d.coap.Listen(); err != nil {
		return nil, err
	}
	go func() {
		if err := d.coap.Serve(); err != nil {
			logrus.Errorf("CoAP server stopped: %v", err)
			requestShutdown()
		}
	}()

	if opts.WSPort > 0 {
		d.gateway = server.NewGateway(site, fmt.Sprintf(":%d", opts.WSPort), nil)
		if err := d.gateway.Start(); err != nil {
			d.stop()
			return nil, err
		}
	}

	if opts.MDNS {
		port := 0
		if a, ok := d.coap.Addr().(*net.UDPAddr); ok {
			port = a.Port
		}
		adv, err := server.Advertise(opts.Instance, port, site, nil)
		if err != nil {
			// announcement is optional; the server stays up
			logrus.Warnf("mDNS announce failed: %v", err)
		} else {
			d.mdns = adv
		}
	}
	return d, nil
} // func start

// probe logs whether MPD answers at startup. Failure is not fatal: settings
// may be corrected later through /mpd/config.
func probe(p *player.Client, addr string) {
	ctx, cancel := context.WithTimeout(context.Background(), player.DefaultTimeout)
	defer cancel()
	if _, err := p.Invoke(ctx, "ping"); err != nil {
		logrus.Warnf("MPD not reachable at startup (%s): %v", addr, err)
		return
	}
	logrus.Infof("MPD reachable at %s", addr)
}

func (d *daemon) stop() {
	if d.mdns != nil {
		d.mdns.Shutdown()
	}
	if d.gateway != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := d.gateway.Stop(ctx); err != nil {
			logrus.Warnf("WS shutdown: %v", err)
		}
		cancel()
	}
	d.coap.Stop()
}

// main parses options, starts the daemon and waits for a signal
func main() {
	opts, err := config.Load(os.Args[1:], os.Getenv)
	if errors.Is(err, config.ErrHelp) {
		fmt.Printf("\nmpd-coap version %s\n\n", version)
		fmt.Println("Usage: mpd-coap [flags]")
		fmt.Print(opts.Usage)
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if opts.ShowVersion {
		fmt.Printf("\nmpd-coap version %s\n\n", version)
		return
	}

	closeLog, err := setupLogging(opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer closeLog()

	d, err := start(opts)
	if err != nil {
		logrus.Fatalf("Startup failed: %v", err)
	}
	initShutdownHandler()

	<-shutdown
	logrus.Info("Shutdown requested")
	d.stop()
	logrus.Info("Cleanup steps completed, exiting")
} // func main()
