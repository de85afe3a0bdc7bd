// mock-gearbox serves the gearbox simulator over a unix socket, speaking
// the I/O board protocol. Point gearboxd at it with
// "[iobridge] device: unix:/tmp/gearbox".
//
// Usage:
//
//	mock-gearbox -socket /tmp/gearbox [-gear 500] [-trace]
package main

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mh400e-gearbox/pkg/gears"
	"mh400e-gearbox/pkg/iobridge"
	"mh400e-gearbox/pkg/log"
	"mh400e-gearbox/pkg/sim"
)

func main() {
	socketPath := flag.String("socket", "/tmp/gearbox", "Unix socket path")
	gear := flag.Uint("gear", 0, "Initial gear in rpm (0 = neutral)")
	step := flag.Duration("step", sim.DefaultConfig().Step, "Shaft travel time between detents")
	rate := flag.Duration("rate", 2*time.Millisecond, "Simulation update interval")
	trace := flag.Bool("trace", false, "Enable trace output")
	flag.Parse()

	logger := log.GetLogger("mock-gearbox")
	if *trace {
		log.Default().SetLevel(log.DEBUG)
	}

	cfg := sim.DefaultConfig()
	cfg.Step = *step
	cfg.SlowStep = *step * 5 / 2
	m := sim.New(cfg)
	if *gear != 0 {
		mask, ok := gears.NewDefaultQuantizer().MaskForRPM(*gear)
		if !ok {
			fmt.Fprintf(os.Stderr, "Error: no gear for %d rpm\n", *gear)
			os.Exit(1)
		}
		m.SetGear(mask)
	}
	m.SetSpindle(true)
	m.SetSpindleAtSpeed()

	os.Remove(*socketPath)
	listener, err := net.Listen("unix", *socketPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating socket: %v\n", err)
		os.Exit(1)
	}
	defer os.Remove(*socketPath)
	defer listener.Close()

	logger.Info("mock gearbox listening on %s (%s)", *socketPath, m)

	stop := make(chan struct{})
	go simulate(m, *rate, stop)

	board := iobridge.NewBoard(m, iobridge.DefaultCodec())
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				if !errors.Is(err, net.ErrClosed) {
					logger.WithError(err).Error("accept failed")
				}
				return
			}
			logger.Info("client connected")
			go func() {
				defer conn.Close()
				if err := board.Serve(conn); err != nil {
					logger.WithError(err).Warn("connection ended")
				}
				// A host that goes away must not leave a motor running.
				m.DisableMotors()
				logger.Info("client disconnected")
			}()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	close(stop)
	logger.Info("shutting down, final state %s", m)
}

// simulate advances the machine in real time.
func simulate(m *sim.Machine, rate time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(rate)
	defer ticker.Stop()
	last := time.Now()
	for {
		select {
		case now := <-ticker.C:
			m.Advance(now.Sub(last))
			last = now
		case <-stop:
			return
		}
	}
}
