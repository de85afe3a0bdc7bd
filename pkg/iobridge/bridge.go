// Package iobridge connects the gearbox controller to the I/O board that
// reads the shaft switches and drives the shift motors.
package iobridge

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	gberrors "mh400e-gearbox/pkg/errors"
	"mh400e-gearbox/pkg/gearbox"
	"mh400e-gearbox/pkg/log"
	"mh400e-gearbox/pkg/pool"
	"mh400e-gearbox/pkg/protocol"
	"mh400e-gearbox/pkg/serial"
)

// Device is the gearbox hardware as seen by the tick loop.
type Device interface {
	// Exchange drives out and returns the inputs sampled afterwards.
	Exchange(out gearbox.Outputs) (gearbox.Inputs, error)
	DisableMotors() error
	Close() error
}

var (
	ErrTimeout = errors.New("iobridge: no reply from board")
	ErrClosed  = errors.New("iobridge: link closed")
)

// Config configures a Bridge.
type Config struct {
	Codec   Codec
	Timeout time.Duration
	// Trace logs every message at debug level.
	Trace bool
}

// Bridge speaks the message block protocol to the I/O board.
type Bridge struct {
	port    io.ReadWriteCloser
	dict    *protocol.Dictionary
	codec   Codec
	timeout time.Duration
	trace   bool
	logger  *log.Logger

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[int]chan []protocol.Message
	nextSeq   int

	lastMu sync.Mutex
	last   gearbox.Outputs

	connected     atomic.Bool
	boardShutdown atomic.Bool
	done          chan struct{}
	wg            sync.WaitGroup
	closeOnce     sync.Once
}

// New starts a bridge over an open port.
func New(port io.ReadWriteCloser, cfg Config) *Bridge {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 50 * time.Millisecond
	}
	if cfg.Codec.Inputs == nil && cfg.Codec.Outputs == nil {
		cfg.Codec = DefaultCodec()
	}
	b := &Bridge{
		port:    port,
		dict:    protocol.BridgeDictionary(),
		codec:   cfg.Codec,
		timeout: cfg.Timeout,
		trace:   cfg.Trace,
		logger:  log.GetLogger("iobridge"),
		pending: make(map[int]chan []protocol.Message),
		done:    make(chan struct{}),
	}
	b.connected.Store(true)
	b.wg.Add(1)
	go b.readLoop()
	return b
}

// Dial opens a serial device or unix socket and starts a bridge on it.
func Dial(scfg serial.Config, cfg Config) (*Bridge, error) {
	port, err := serial.Dial(scfg)
	if err != nil {
		return nil, gberrors.BridgeLinkError(err, "open "+scfg.Device)
	}
	return New(port, cfg), nil
}

func (b *Bridge) readLoop() {
	defer b.wg.Done()
	defer close(b.done)
	defer b.connected.Store(false)

	var scanner protocol.FrameScanner
	buf := make([]byte, 256)
	for {
		n, err := b.port.Read(buf)
		if err != nil {
			if errors.Is(err, serial.ErrTimeout) {
				continue
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, serial.ErrClosed) && !errors.Is(err, io.ErrClosedPipe) {
				b.logger.WithError(err).Warn("read failed")
			}
			return
		}
		scanner.Feed(buf[:n])
		for {
			f, ok := scanner.Next()
			if !ok {
				break
			}
			b.processFrame(f)
		}
	}
}

func (b *Bridge) processFrame(f protocol.Frame) {
	msgs, err := b.dict.Decode(f.Payload)
	if err != nil {
		b.logger.WithError(err).Warn("bad payload from board")
		return
	}
	for _, m := range msgs {
		if b.trace {
			b.logger.Debug("recv seq=%d %s", f.Seq, b.dict.Format(m))
		}
		if m.Name == "board_shutdown" {
			if !b.boardShutdown.Swap(true) {
				b.logger.WithField("reason", string(m.Args[0].Bytes)).Error("board shut down")
			}
		}
	}

	b.pendingMu.Lock()
	ch, ok := b.pending[f.Seq]
	delete(b.pending, f.Seq)
	b.pendingMu.Unlock()
	if ok {
		ch <- msgs
	}
}

func (b *Bridge) allocSeq(wait bool) (int, chan []protocol.Message) {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()
	seq := b.nextSeq
	b.nextSeq = (b.nextSeq + 1) & protocol.MESSAGE_SEQ_MASK
	if !wait {
		delete(b.pending, seq)
		return seq, nil
	}
	ch := make(chan []protocol.Message, 1)
	b.pending[seq] = ch
	return seq, ch
}

func (b *Bridge) write(seq int, payload []byte) error {
	frame := pool.GetFrame()
	defer pool.PutFrame(frame)
	var err error
	if frame.B, err = protocol.AppendMsgblock(frame.B, seq, payload); err != nil {
		return err
	}
	if b.trace {
		if msgs, derr := b.dict.Decode(payload); derr == nil {
			for _, m := range msgs {
				b.logger.Debug("send seq=%d %s", seq, b.dict.Format(m))
			}
		}
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	_, err = b.port.Write(frame.B)
	return err
}

// send writes payload without waiting for a reply.
func (b *Bridge) send(payload []byte) error {
	if !b.connected.Load() {
		return ErrClosed
	}
	seq, _ := b.allocSeq(false)
	return b.write(seq, payload)
}

// request writes payload and waits for the board's reply block.
func (b *Bridge) request(payload []byte) ([]protocol.Message, error) {
	if !b.connected.Load() {
		return nil, ErrClosed
	}
	seq, ch := b.allocSeq(true)
	cancel := func() {
		b.pendingMu.Lock()
		delete(b.pending, seq)
		b.pendingMu.Unlock()
	}
	if err := b.write(seq, payload); err != nil {
		cancel()
		return nil, err
	}

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()
	select {
	case msgs := <-ch:
		return msgs, nil
	case <-timer.C:
		cancel()
		return nil, ErrTimeout
	case <-b.done:
		cancel()
		return nil, ErrClosed
	}
}

// Identify asks the board for its protocol version and clears a board
// side shutdown latch. It returns the board name.
func (b *Bridge) Identify() (string, error) {
	payload, err := b.dict.Encode(nil, "identify")
	if err != nil {
		return "", err
	}
	msgs, err := b.request(payload)
	if err != nil {
		return "", gberrors.BridgeLinkError(err, "identify")
	}
	for _, m := range msgs {
		if m.Name != "identify_response" {
			continue
		}
		version, _ := b.dict.Int(m, "version")
		if version != protocol.ProtocolVersion {
			return "", gberrors.BridgeFrameError("unsupported board protocol version").
				SetContext("version", version)
		}
		b.boardShutdown.Store(false)
		return string(m.Args[1].Bytes), nil
	}
	return "", gberrors.BridgeFrameError("no identify_response in reply")
}

// Exchange implements Device. While the board reports a shutdown the
// returned inputs carry EStop.
func (b *Bridge) Exchange(out gearbox.Outputs) (gearbox.Inputs, error) {
	buf := pool.GetPayload()
	defer pool.PutPayload(buf)
	payload, err := b.dict.Encode(*buf, "set_outputs", protocol.IntArg(int32(b.codec.PackOutputs(out))))
	if err == nil {
		payload, err = b.dict.Encode(payload, "query_inputs")
	}
	*buf = payload
	if err != nil {
		return gearbox.Inputs{}, err
	}

	b.lastMu.Lock()
	b.last = out
	b.lastMu.Unlock()

	msgs, err := b.request(payload)
	if err != nil {
		return gearbox.Inputs{}, gberrors.BridgeLinkError(err, "exchange")
	}
	for _, m := range msgs {
		if m.Name != "inputs_state" {
			continue
		}
		bits, _ := b.dict.Int(m, "bits")
		in := b.codec.UnpackInputs(uint32(bits))
		if b.boardShutdown.Load() {
			in.EStop = true
		}
		return in, nil
	}
	return gearbox.Inputs{}, gberrors.BridgeFrameError("no inputs_state in reply")
}

// DisableMotors drops the actuator outputs and keeps the rest of the
// last output word.
func (b *Bridge) DisableMotors() error {
	b.lastMu.Lock()
	out := SafeOutputs(b.last)
	b.last = out
	b.lastMu.Unlock()

	payload, err := b.dict.Encode(nil, "set_outputs", protocol.IntArg(int32(b.codec.PackOutputs(out))))
	if err != nil {
		return err
	}
	return b.send(payload)
}

// SendEmergencyStop makes the board drop every actuator and latch until
// the next Identify.
func (b *Bridge) SendEmergencyStop() error {
	payload, err := b.dict.Encode(nil, "emergency_off")
	if err != nil {
		return err
	}
	return b.send(payload)
}

// IsConnected reports whether the read side of the link is alive.
func (b *Bridge) IsConnected() bool {
	return b.connected.Load()
}

// BoardShutdown reports whether the board latched an emergency stop.
func (b *Bridge) BoardShutdown() bool {
	return b.boardShutdown.Load()
}

// Close closes the port and waits for the reader.
func (b *Bridge) Close() error {
	var err error
	b.closeOnce.Do(func() {
		err = b.port.Close()
		b.wg.Wait()
	})
	return err
}
