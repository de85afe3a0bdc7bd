package protocol

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Bridge command formats and their message ids. Host to board:
// identify, set_outputs, query_inputs, emergency_off. Board to host:
// identify_response, inputs_state, board_shutdown.
var BridgeCommands = map[string]int{
	"identify_response version=%u name=%*s": 0,
	"identify":                              1,
	"set_outputs bits=%u":                   2,
	"query_inputs":                          3,
	"emergency_off":                         4,
	"inputs_state bits=%u":                  5,
	"board_shutdown reason=%*s":             6,
}

// ProtocolVersion is reported in identify_response.
const ProtocolVersion = 1

var (
	ErrUnknownCommand = errors.New("protocol: unknown command")
	ErrUnknownMsgID   = errors.New("protocol: unknown message id")
	ErrArgCount       = errors.New("protocol: wrong argument count")
)

// MessageFormat is one parsed command format.
type MessageFormat struct {
	Name       string
	Format     string
	ID         int
	ParamNames []string
	ParamTypes []paramType
}

type paramType interface {
	encode(out *[]byte, v Arg) error
	decode(buf []byte, pos int) (Arg, int, error)
}

// Arg is one decoded parameter: an integer or, for %*s, a byte string.
type Arg struct {
	Int   int32
	Bytes []byte
}

type ptInt struct{}
type ptBuffer struct{}

func (ptInt) encode(out *[]byte, v Arg) error {
	EncodeUint32(out, v.Int)
	return nil
}

func (ptInt) decode(buf []byte, pos int) (Arg, int, error) {
	v, pos, err := DecodeUint32(buf, pos)
	return Arg{Int: v}, pos, err
}

// Buffers carry a one byte length prefix.
func (ptBuffer) encode(out *[]byte, v Arg) error {
	if len(v.Bytes) > 0xff {
		return ErrPayloadSize
	}
	*out = append(*out, byte(len(v.Bytes)))
	*out = append(*out, v.Bytes...)
	return nil
}

func (ptBuffer) decode(buf []byte, pos int) (Arg, int, error) {
	if pos >= len(buf) {
		return Arg{}, pos, ErrTruncated
	}
	l := int(buf[pos])
	pos++
	if pos+l > len(buf) {
		return Arg{}, pos, ErrTruncated
	}
	return Arg{Bytes: append([]byte(nil), buf[pos:pos+l]...)}, pos + l, nil
}

func parseFormat(msgformat string) (names []string, types []paramType) {
	parts := strings.Fields(msgformat)
	for _, arg := range parts[1:] {
		pair := strings.SplitN(arg, "=", 2)
		if len(pair) != 2 {
			continue
		}
		name, spec := pair[0], pair[1]
		var pt paramType = ptInt{}
		switch spec {
		case "%s", "%.*s", "%*s":
			pt = ptBuffer{}
		}
		names = append(names, name)
		types = append(types, pt)
	}
	return
}

// Dictionary holds message formats by name and by id.
type Dictionary struct {
	byName map[string]*MessageFormat
	byID   map[int]*MessageFormat
}

// NewDictionary parses a format to id map.
func NewDictionary(formats map[string]int) (*Dictionary, error) {
	d := &Dictionary{
		byName: make(map[string]*MessageFormat, len(formats)),
		byID:   make(map[int]*MessageFormat, len(formats)),
	}
	for f, id := range formats {
		fields := strings.Fields(f)
		if len(fields) == 0 {
			return nil, fmt.Errorf("protocol: empty format for id %d", id)
		}
		if _, dup := d.byID[id]; dup {
			return nil, fmt.Errorf("protocol: duplicate message id %d", id)
		}
		names, types := parseFormat(f)
		m := &MessageFormat{Name: fields[0], Format: f, ID: id, ParamNames: names, ParamTypes: types}
		d.byName[m.Name] = m
		d.byID[id] = m
	}
	return d, nil
}

// BridgeDictionary returns the dictionary for the gearbox I/O board.
func BridgeDictionary() *Dictionary {
	d, err := NewDictionary(BridgeCommands)
	if err != nil {
		panic(err)
	}
	return d
}

// Lookup returns the format for a command name.
func (d *Dictionary) Lookup(name string) (*MessageFormat, bool) {
	m, ok := d.byName[name]
	return m, ok
}

// Names returns the command names in id order.
func (d *Dictionary) Names() []string {
	ids := make([]int, 0, len(d.byID))
	for id := range d.byID {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = d.byID[id].Name
	}
	return names
}

// Message is one decoded command.
type Message struct {
	Name string
	Args []Arg
}

// Int returns the named integer parameter.
func (d *Dictionary) Int(m Message, param string) (int32, bool) {
	f, ok := d.byName[m.Name]
	if !ok {
		return 0, false
	}
	for i, n := range f.ParamNames {
		if n == param && i < len(m.Args) {
			return m.Args[i].Int, true
		}
	}
	return 0, false
}

// Encode appends one command to out.
func (d *Dictionary) Encode(out []byte, name string, args ...Arg) ([]byte, error) {
	m, ok := d.byName[name]
	if !ok {
		return out, fmt.Errorf("%w %q", ErrUnknownCommand, name)
	}
	if len(args) != len(m.ParamTypes) {
		return out, fmt.Errorf("%w: %s takes %d, got %d", ErrArgCount, name, len(m.ParamTypes), len(args))
	}
	EncodeUint32(&out, int32(m.ID))
	for i, pt := range m.ParamTypes {
		if err := pt.encode(&out, args[i]); err != nil {
			return out, fmt.Errorf("%s %s: %w", name, m.ParamNames[i], err)
		}
	}
	return out, nil
}

// Decode splits a block payload into commands.
func (d *Dictionary) Decode(payload []byte) ([]Message, error) {
	var msgs []Message
	pos := 0
	for pos < len(payload) {
		id, np, err := DecodeUint32(payload, pos)
		if err != nil {
			return msgs, err
		}
		pos = np
		m, ok := d.byID[int(id)]
		if !ok {
			return msgs, fmt.Errorf("%w %d", ErrUnknownMsgID, id)
		}
		msg := Message{Name: m.Name, Args: make([]Arg, len(m.ParamTypes))}
		for i, pt := range m.ParamTypes {
			a, np, err := pt.decode(payload, pos)
			if err != nil {
				return msgs, fmt.Errorf("%s %s: %w", m.Name, m.ParamNames[i], err)
			}
			msg.Args[i] = a
			pos = np
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// Format renders a message as "name key=value ...", the form used in
// trace logs.
func (d *Dictionary) Format(msg Message) string {
	m, ok := d.byName[msg.Name]
	if !ok {
		return msg.Name
	}
	parts := []string{m.Name}
	for i, a := range msg.Args {
		if i >= len(m.ParamNames) {
			break
		}
		var v string
		if _, isBuf := m.ParamTypes[i].(ptBuffer); isBuf {
			v = strconv.Quote(string(a.Bytes))
		} else {
			v = strconv.FormatUint(uint64(uint32(a.Int)), 10)
		}
		parts = append(parts, m.ParamNames[i]+"="+v)
	}
	return strings.Join(parts, " ")
}

// IntArg and BytesArg build arguments for Encode.
func IntArg(v int32) Arg { return Arg{Int: v} }
func BytesArg(b []byte) Arg { return Arg{Bytes: b} }
func StringArg(s string) Arg { return Arg{Bytes: []byte(s)} }
