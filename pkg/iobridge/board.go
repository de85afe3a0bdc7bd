package iobridge

import (
	"errors"
	"io"
	"sync"

	"mh400e-gearbox/pkg/gearbox"
	"mh400e-gearbox/pkg/log"
	"mh400e-gearbox/pkg/pool"
	"mh400e-gearbox/pkg/protocol"
)

// Machine is the hardware behind a Board.
type Machine interface {
	Inputs() gearbox.Inputs
	Apply(out gearbox.Outputs)
	DisableMotors() error
}

// Board is the device side of the bridge protocol. It serves a Machine,
// normally the simulator, to a Bridge.
type Board struct {
	Name    string
	machine Machine
	codec   Codec
	dict    *protocol.Dictionary
	logger  *log.Logger

	mu       sync.Mutex
	shutdown bool
}

// NewBoard returns a board serving m.
func NewBoard(m Machine, codec Codec) *Board {
	return &Board{
		Name:    "mh400e-sim",
		machine: m,
		codec:   codec,
		dict:    protocol.BridgeDictionary(),
		logger:  log.GetLogger("board"),
	}
}

// Shutdown reports whether emergency_off latched the board.
func (b *Board) Shutdown() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.shutdown
}

// Serve answers requests on conn until it fails or closes.
func (b *Board) Serve(conn io.ReadWriter) error {
	var scanner protocol.FrameScanner
	buf := make([]byte, 256)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return err
		}
		scanner.Feed(buf[:n])
		for {
			f, ok := scanner.Next()
			if !ok {
				break
			}
			reply, err := b.Handle(f.Payload)
			if err != nil {
				b.logger.WithError(err).Warn("bad request")
				continue
			}
			if len(reply) == 0 {
				continue
			}
			frame := pool.GetFrame()
			frame.B, err = protocol.AppendMsgblock(frame.B, f.Seq, reply)
			if err == nil {
				_, err = conn.Write(frame.B)
			}
			pool.PutFrame(frame)
			if err != nil {
				return err
			}
		}
	}
}

// Handle executes one request payload and returns the reply payload.
func (b *Board) Handle(payload []byte) ([]byte, error) {
	msgs, err := b.dict.Decode(payload)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	var reply []byte
	for _, m := range msgs {
		switch m.Name {
		case "identify":
			b.shutdown = false
			reply, err = b.dict.Encode(reply, "identify_response",
				protocol.IntArg(protocol.ProtocolVersion), protocol.StringArg(b.Name))
		case "set_outputs":
			bits, _ := b.dict.Int(m, "bits")
			out := b.codec.UnpackOutputs(uint32(bits))
			if b.shutdown {
				out = SafeOutputs(out)
			}
			b.machine.Apply(out)
		case "query_inputs":
			in := b.machine.Inputs()
			if b.shutdown {
				in.EStop = true
			}
			reply, err = b.dict.Encode(reply, "inputs_state", protocol.IntArg(int32(b.codec.PackInputs(in))))
		case "emergency_off":
			if !b.shutdown {
				b.logger.Warn("emergency_off received")
			}
			b.shutdown = true
			_ = b.machine.DisableMotors()
			reply, err = b.dict.Encode(reply, "board_shutdown", protocol.StringArg("emergency_off"))
		default:
			b.logger.Debug("ignoring %s", m.Name)
		}
		if err != nil {
			return nil, err
		}
	}
	return reply, nil
}
