// Package cmd is responsible for the program's command-line interface.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/log"
	"github.com/ameshkov/vhostproxy/internal/control"
	"github.com/ameshkov/vhostproxy/internal/dnsproxy"
	"github.com/ameshkov/vhostproxy/internal/frontend"
	"github.com/ameshkov/vhostproxy/internal/routing"
	"github.com/ameshkov/vhostproxy/internal/tlslistener"
	"github.com/ameshkov/vhostproxy/internal/version"
	goFlags "github.com/jessevdk/go-flags"
)

// Main is the entry point of the program.
func Main() {
	for _, arg := range os.Args {
		if arg == "--version" {
			fmt.Printf("vhostproxy version: %s\n", version.VersionString)
			os.Exit(0)
		}
	}

	options := &Options{}
	parser := goFlags.NewParser(options, goFlags.Default)
	_, err := parser.Parse()
	if err != nil {
		if flagsErr, ok := err.(*goFlags.Error); ok && flagsErr.Type == goFlags.ErrHelp {
			os.Exit(0)
		} else {
			os.Exit(1)
		}
	}

	if options.Verbose {
		log.SetLevel(log.DEBUG)
	}
	if options.LogOutput != "" {
		var file *os.File
		file, err = os.OpenFile(options.LogOutput, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
		if err != nil {
			log.Fatalf("cannot create a log file: %s", err)
		}
		defer log.OnCloserError(file, log.INFO)
		log.SetOutput(file)
	}

	run(options)
}

// run starts the proxy with the configuration options and applies control
// updates until the program is signaled to stop.
func run(options *Options) {
	log.Info("cmd: run vhostproxy with the following configuration:\n%s", options)

	tbl := routing.NewTable()

	transport, err := frontend.NewTransport(toTransportConfig(options))
	check(err)

	tlsCfg, err := toTLSListenerConfig(options, tbl, frontend.NewDispatcher(tbl, transport))
	check(err)

	// The HTTPS listener is started by the first server-wide credential
	// update.
	tlsListener := tlslistener.New(tlsCfg)

	plainCfg, err := toServerConfig(options)
	check(err)

	plain := frontend.NewServer(plainCfg, frontend.NewRedirector(tbl))
	check(plain.Start())

	closers := []io.Closer{plain, tlsListener}

	if dnsProxy := newDNSProxy(options, tbl); dnsProxy != nil {
		check(dnsProxy.Start())
		closers = append(closers, dnsProxy)
	}

	proc := control.NewProcessor(tbl, tlsListener)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	controlErr := make(chan error, 1)
	closers = append(closers, startControl(ctx, options, proc, controlErr)...)

	// Subscribe to the OS events.
	signalChannel := make(chan os.Signal, 1)
	signal.Notify(signalChannel, syscall.SIGINT, syscall.SIGTERM)

	waitForShutdown(signalChannel, controlErr)

	log.Info("cmd: stopping vhostproxy")
	cancel()
	for _, c := range closers {
		log.OnCloserError(c, log.INFO)
	}
}

// newDNSProxy creates a new instance of [*dnsproxy.DNSProxy] or panics if any
// error happens.  d is nil if the DNS server is disabled.
func newDNSProxy(options *Options, tbl *routing.Table) (d *dnsproxy.DNSProxy) {
	cfg, err := toDNSProxyConfig(options, tbl)
	check(err)

	if cfg == nil {
		return nil
	}

	d, err = dnsproxy.New(cfg)
	check(err)

	return d
}

// startControl starts consuming the control channel in a separate goroutine.
// The result of the consumer is sent to errCh.  closers are the resources
// that should be closed on shutdown.
func startControl(
	ctx context.Context,
	options *Options,
	proc *control.Processor,
	errCh chan<- error,
) (closers []io.Closer) {
	format := control.Format(options.ControlFormat)

	addr, err := toControlAddr(options)
	check(err)

	if addr == nil {
		var dec control.Decoder
		dec, err = control.NewDecoder(format, os.Stdin)
		check(err)

		log.Info("cmd: reading %s control messages from stdin", format)
		go func() { errCh <- proc.Run(ctx, dec) }()

		return nil
	}

	srv := control.NewServer(proc, format, addr)
	check(srv.Start())

	go func() { errCh <- srv.Serve(ctx) }()

	return []io.Closer{srv}
}

// waitForShutdown blocks until a signal arrives.  The control channel being
// over doesn't stop the proxy, an HTTPS listener failure does.
func waitForShutdown(signals <-chan os.Signal, controlErr <-chan error) {
	for {
		select {
		case <-signals:
			return
		case err := <-controlErr:
			switch {
			case err == nil:
				log.Info("cmd: control channel is closed, serving the current routing table")
			case errors.Is(err, control.ErrListener):
				log.Fatalf("cmd: https listener failure: %s", err)
			default:
				log.Error("cmd: control channel failed, serving the current routing table: %s", err)
			}
		}
	}
}

// check panics if err is not nil.
func check(err error) {
	if err != nil {
		panic(err)
	}
}
