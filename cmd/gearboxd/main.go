// gearboxd drives the MAHO MH400E gearbox. It reads the shaft switches
// through the I/O board, selects the gear for the requested spindle speed,
// runs the shift and serves status and commands over HTTP/websocket.
//
// Usage:
//
//	gearboxd -config /etc/gearbox.cfg [options]
//
// Options:
//
//	-config string   Gearbox configuration file
//	-simulate        Run against the built-in gearbox simulator
//	-api string      API server address (overrides [api] address)
//	-logfile string  Log file path (default: stderr), reopened on SIGHUP
//	-trace           Enable debug logging and bridge message tracing
//	-list-ports      Print the serial ports found and exit
//
// Examples:
//
//	# Real machine
//	gearboxd -config /etc/gearbox.cfg
//
//	# Simulator with defaults, API on :7125
//	gearboxd -simulate -api :7125
//
//	# Talk to mock-gearbox over a socket
//	mock-gearbox -socket /tmp/gearbox &
//	gearboxd -config sim.cfg    # [iobridge] device: unix:/tmp/gearbox
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"mh400e-gearbox/pkg/config"
	gberrors "mh400e-gearbox/pkg/errors"
	"mh400e-gearbox/pkg/host"
	"mh400e-gearbox/pkg/iobridge"
	"mh400e-gearbox/pkg/journal"
	"mh400e-gearbox/pkg/log"
	"mh400e-gearbox/pkg/serial"
	"mh400e-gearbox/pkg/sim"
)

type options struct {
	configFile string
	simulate   bool
	apiAddr    string
	logFile    string
	trace      bool
	listPorts  bool
}

func main() {
	var opts options
	flag.StringVar(&opts.configFile, "config", "", "Gearbox configuration file")
	flag.BoolVar(&opts.simulate, "simulate", false, "Run against the built-in gearbox simulator")
	flag.StringVar(&opts.apiAddr, "api", "", "API server address (overrides [api] address)")
	flag.StringVar(&opts.logFile, "logfile", "", "Log file path (default: stderr)")
	flag.BoolVar(&opts.trace, "trace", false, "Enable debug logging and bridge message tracing")
	flag.BoolVar(&opts.listPorts, "list-ports", false, "Print the serial ports found and exit")
	flag.Parse()

	if opts.listPorts {
		ports, err := serial.ListPorts()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return
	}

	if opts.configFile == "" && !opts.simulate {
		fmt.Fprintf(os.Stderr, "Error: -config is required unless -simulate is set\n")
		flag.Usage()
		os.Exit(1)
	}

	if err := run(opts); err != nil {
		log.Error("%v", err)
		os.Exit(1)
	}
}

func run(opts options) (err error) {
	defer func() {
		if perr := gberrors.RecoverPanic(recover()); perr != nil {
			err = perr
		}
	}()

	logger := log.Default()
	if opts.trace {
		logger.SetLevel(log.DEBUG)
	}
	if opts.logFile != "" {
		w, err := log.AttachFile(logger, log.RotationConfig{
			Filename:   opts.logFile,
			MaxSize:    10,
			MaxBackups: 5,
			Compress:   true,
		}, false)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer w.Close()

		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		go func() {
			for range hup {
				if err := w.Reopen(); err != nil {
					fmt.Fprintf(os.Stderr, "reopen log file: %v\n", err)
				}
			}
		}()
	}

	cfg := config.DefaultGearboxConfig()
	if opts.configFile != "" {
		if cfg, err = config.ParseGearboxConfig(opts.configFile); err != nil {
			return err
		}
	}
	if opts.apiAddr != "" {
		cfg.APIAddress = opts.apiAddr
	}

	logger.Info("gearboxd starting")
	logger.WithFields(log.Fields{
		"config":      opts.configFile,
		"simulate":    opts.simulate,
		"device":      cfg.Bridge.Device,
		"tick_period": cfg.TickPeriod.String(),
		"center_rule": cfg.Gearbox.CenterRule.String(),
		"max_retries": cfg.Gearbox.MaxOvershootRetries,
	}).Info("configuration loaded")

	dev, err := openDevice(cfg, opts)
	if err != nil {
		return err
	}

	var hostOpts []host.Option
	if cfg.JournalPath != "" {
		j, err := journal.Open(cfg.JournalPath)
		if err != nil {
			dev.Close()
			return err
		}
		hostOpts = append(hostOpts, host.WithJournal(j))
		logger.Info("journal: %s", cfg.JournalPath)
	}

	h := host.New(cfg, dev, hostOpts...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := h.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("gearboxd stopped")
	return nil
}

func openDevice(cfg *config.GearboxConfig, opts options) (iobridge.Device, error) {
	if opts.simulate {
		m := sim.New(sim.DefaultConfig())
		// The operator has the spindle switched on.
		m.SetSpindle(true)
		m.SetSpindleAtSpeed()
		log.Info("using the built-in simulator")
		return iobridge.NewSimDevice(m, cfg.TickPeriod), nil
	}

	if cfg.Bridge.Device == "" {
		return nil, gberrors.ConfigValidationError("iobridge", "device", "required unless -simulate is set")
	}
	device, err := serial.ResolveDevice(cfg.Bridge.Device)
	if err != nil {
		return nil, err
	}
	scfg := serial.DefaultConfig()
	scfg.Device = device
	scfg.BaudRate = cfg.Bridge.Baud
	scfg.ReadTimeout = cfg.Bridge.ReadTimeout

	b, err := iobridge.Dial(scfg, iobridge.Config{
		Codec:   iobridge.Codec{Inputs: cfg.Bridge.Inputs, Outputs: cfg.Bridge.Outputs},
		Timeout: cfg.Bridge.ReadTimeout,
		Trace:   opts.trace,
	})
	if err != nil {
		return nil, err
	}
	log.Info("I/O bridge on %s", device)
	return b, nil
}
