package protocol

import (
	"errors"
	"testing"
)

func TestBridgeDictionary(t *testing.T) {
	d := BridgeDictionary()
	want := []string{"identify_response", "identify", "set_outputs", "query_inputs",
		"emergency_off", "inputs_state", "board_shutdown"}
	got := d.Names()
	if len(got) != len(want) {
		t.Fatalf("names=%v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("names=%v want %v", got, want)
		}
	}
	m, ok := d.Lookup("set_outputs")
	if !ok || m.ID != 2 || len(m.ParamNames) != 1 || m.ParamNames[0] != "bits" {
		t.Fatalf("set_outputs = %+v", m)
	}
}

func TestEncodeDecodeRoundtrip(t *testing.T) {
	d := BridgeDictionary()

	var payload []byte
	var err error
	payload, err = d.Encode(payload, "set_outputs", IntArg(0x5a5))
	if err != nil {
		t.Fatal(err)
	}
	payload, err = d.Encode(payload, "query_inputs")
	if err != nil {
		t.Fatal(err)
	}
	payload, err = d.Encode(payload, "identify_response", IntArg(ProtocolVersion), StringArg("mh400e"))
	if err != nil {
		t.Fatal(err)
	}

	msgs, err := d.Decode(payload)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages", len(msgs))
	}
	if bits, ok := d.Int(msgs[0], "bits"); !ok || bits != 0x5a5 {
		t.Errorf("bits=%x ok=%v", bits, ok)
	}
	if msgs[1].Name != "query_inputs" || len(msgs[1].Args) != 0 {
		t.Errorf("msg 1 = %+v", msgs[1])
	}
	if got := d.Format(msgs[2]); got != `identify_response version=1 name="mh400e"` {
		t.Errorf("Format = %s", got)
	}
	if _, ok := d.Int(msgs[1], "bits"); ok {
		t.Error("query_inputs has no bits parameter")
	}
}

func TestEncodeErrors(t *testing.T) {
	d := BridgeDictionary()
	if _, err := d.Encode(nil, "home_all"); !errors.Is(err, ErrUnknownCommand) {
		t.Errorf("unknown: %v", err)
	}
	if _, err := d.Encode(nil, "set_outputs"); !errors.Is(err, ErrArgCount) {
		t.Errorf("arg count: %v", err)
	}
}

func TestDecodeErrors(t *testing.T) {
	d := BridgeDictionary()
	if _, err := d.Decode([]byte{0x40}); !errors.Is(err, ErrUnknownMsgID) {
		t.Errorf("unknown id: %v", err)
	}
	// set_outputs with the bits value missing.
	if _, err := d.Decode([]byte{0x02}); !errors.Is(err, ErrTruncated) {
		t.Errorf("truncated: %v", err)
	}
	// board_shutdown with a length prefix past the end.
	if _, err := d.Decode([]byte{0x06, 0x05, 'a'}); !errors.Is(err, ErrTruncated) {
		t.Errorf("truncated buffer: %v", err)
	}
}

func TestNewDictionaryDuplicateID(t *testing.T) {
	if _, err := NewDictionary(map[string]int{"a": 1, "b x=%u": 1}); err == nil {
		t.Fatal("expected duplicate id error")
	}
}
