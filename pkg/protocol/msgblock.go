package protocol

import (
	"bytes"
	"errors"
	"fmt"
)

// Message block layout: len, seq, payload..., crc hi, crc lo, sync.
const (
	MESSAGE_MIN          = 5
	MESSAGE_MAX          = 64
	MESSAGE_HEADER_SIZE  = 2
	MESSAGE_TRAILER_SIZE = 3
	MESSAGE_POS_LEN      = 0
	MESSAGE_POS_SEQ      = 1
	MESSAGE_TRAILER_CRC  = 3
	MESSAGE_TRAILER_SYNC = 1
	MESSAGE_PAYLOAD_MAX  = MESSAGE_MAX - MESSAGE_MIN
	MESSAGE_DEST         = 0x10
	MESSAGE_SYNC         = 0x7e
	MESSAGE_SEQ_MASK     = 0x0f
)

var (
	ErrFrameLength = errors.New("protocol: bad frame length")
	ErrFrameSync   = errors.New("protocol: missing sync byte")
	ErrFrameCRC    = errors.New("protocol: crc mismatch")
	ErrPayloadSize = errors.New("protocol: payload too large")
)

// EncodeMsgblock wraps a payload into a message block.
func EncodeMsgblock(seq int, payload []byte) ([]byte, error) {
	return AppendMsgblock(make([]byte, 0, MESSAGE_MIN+len(payload)), seq, payload)
}

// AppendMsgblock appends the message block for payload to dst.
func AppendMsgblock(dst []byte, seq int, payload []byte) ([]byte, error) {
	if len(payload) > MESSAGE_PAYLOAD_MAX {
		return dst, fmt.Errorf("%w: %d bytes", ErrPayloadSize, len(payload))
	}
	msglen := MESSAGE_MIN + len(payload)
	start := len(dst)
	dst = append(dst, byte(msglen), byte(seq&MESSAGE_SEQ_MASK|MESSAGE_DEST))
	dst = append(dst, payload...)
	crcHi, crcLo := CRC16CCITT(dst[start:])
	return append(dst, crcHi, crcLo, MESSAGE_SYNC), nil
}

// DecodeMsgblock validates one complete block and returns its sequence
// number and payload. The payload aliases frame.
func DecodeMsgblock(frame []byte) (int, []byte, error) {
	if len(frame) < MESSAGE_MIN || len(frame) > MESSAGE_MAX || int(frame[MESSAGE_POS_LEN]) != len(frame) {
		return 0, nil, ErrFrameLength
	}
	n := len(frame)
	if frame[n-MESSAGE_TRAILER_SYNC] != MESSAGE_SYNC {
		return 0, nil, ErrFrameSync
	}
	hi, lo := CRC16CCITT(frame[:n-MESSAGE_TRAILER_CRC])
	if frame[n-MESSAGE_TRAILER_CRC] != hi || frame[n-MESSAGE_TRAILER_CRC+1] != lo {
		return 0, nil, ErrFrameCRC
	}
	seq := int(frame[MESSAGE_POS_SEQ]) & MESSAGE_SEQ_MASK
	return seq, frame[MESSAGE_HEADER_SIZE : n-MESSAGE_TRAILER_SIZE], nil
}

// Frame is one validated block taken from a byte stream.
type Frame struct {
	Seq     int
	Payload []byte
}

// FrameScanner splits a byte stream into message blocks. Garbage and
// corrupt blocks are skipped up to the next sync byte.
type FrameScanner struct {
	buf     []byte
	dropped int
}

// Feed appends received bytes.
func (s *FrameScanner) Feed(data []byte) {
	s.buf = append(s.buf, data...)
}

// Dropped returns the number of bytes discarded while resynchronizing.
func (s *FrameScanner) Dropped() int {
	return s.dropped
}

// Buffered returns the number of bytes waiting for a complete block.
func (s *FrameScanner) Buffered() int {
	return len(s.buf)
}

// Next returns the next complete block, or false when more data is needed.
func (s *FrameScanner) Next() (Frame, bool) {
	for len(s.buf) >= MESSAGE_MIN {
		msglen := int(s.buf[MESSAGE_POS_LEN])
		if msglen < MESSAGE_MIN || msglen > MESSAGE_MAX {
			s.resync()
			continue
		}
		if len(s.buf) < msglen {
			return Frame{}, false
		}
		seq, payload, err := DecodeMsgblock(s.buf[:msglen])
		if err != nil {
			s.resync()
			continue
		}
		f := Frame{Seq: seq, Payload: append([]byte(nil), payload...)}
		s.buf = s.buf[:copy(s.buf, s.buf[msglen:])]
		return f, true
	}
	return Frame{}, false
}

func (s *FrameScanner) resync() {
	idx := bytes.IndexByte(s.buf, MESSAGE_SYNC)
	if idx < 0 {
		s.dropped += len(s.buf)
		s.buf = s.buf[:0]
		return
	}
	s.dropped += idx + 1
	s.buf = s.buf[:copy(s.buf, s.buf[idx+1:])]
}
