package config

import (
	"sort"
	"strconv"
	"strings"

	gberrors "mh400e-gearbox/pkg/errors"
)

// Signal maps a logical gearbox signal onto one bit of the I/O board.
type Signal struct {
	Bit    int  // bit index in the board's input or output word
	Invert bool // active low (! prefix)
}

// MaxSignalBit is the highest bit index a board word carries.
const MaxSignalBit = 31

// ParseSignal parses a signal specification of the form [!]bit,
// e.g. "12" or "!3".
func ParseSignal(desc string) (Signal, error) {
	d := strings.TrimSpace(desc)
	var sig Signal
	if strings.HasPrefix(d, "!") {
		sig.Invert = true
		d = strings.TrimSpace(d[1:])
	}
	bit, err := strconv.Atoi(d)
	if err != nil {
		return Signal{}, gberrors.ConfigTypeError("", "", desc, "signal", err)
	}
	if bit < 0 || bit > MaxSignalBit {
		return Signal{}, gberrors.ConfigValidationError("", "", "signal bit out of range: "+desc)
	}
	sig.Bit = bit
	return sig, nil
}

// String formats the signal the way ParseSignal reads it.
func (s Signal) String() string {
	if s.Invert {
		return "!" + strconv.Itoa(s.Bit)
	}
	return strconv.Itoa(s.Bit)
}

// GetSignal returns a Signal option value from the section.
func (s *Section) GetSignal(option string, fallback ...Signal) (Signal, error) {
	v, ok := s.lookup(option)
	if !ok {
		if len(fallback) > 0 {
			return fallback[0], nil
		}
		return Signal{}, s.missing(option)
	}
	sig, err := ParseSignal(v)
	if err != nil {
		return Signal{}, gberrors.ConfigValidationError(s.name, option, err.Error())
	}
	return sig, nil
}

// SignalMap names the board bit of every signal in one direction.
type SignalMap map[string]Signal

// checkUnique reports two signals sharing a bit.
func (m SignalMap) checkUnique(section string) error {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	seen := make(map[int]string, len(m))
	for _, name := range names {
		bit := m[name].Bit
		if other, ok := seen[bit]; ok {
			return gberrors.ConfigValidationError(section, name,
				"bit "+strconv.Itoa(bit)+" already used by "+other)
		}
		seen[bit] = name
	}
	return nil
}
