package protocol

import "testing"

func TestCRC16CCITT_KnownVector(t *testing.T) {
	hi, lo := CRC16CCITT([]byte("123456789"))
	got := uint16(hi)<<8 | uint16(lo)
	const want uint16 = 0x6f91
	if got != want {
		t.Fatalf("CRC16CCITT('123456789')=%04x want %04x", got, want)
	}
	if CRC16([]byte("123456789")) != want {
		t.Fatal("CRC16 disagrees with CRC16CCITT")
	}
}

func TestCRC16CCITT_Empty(t *testing.T) {
	if got := CRC16(nil); got != 0xffff {
		t.Fatalf("CRC16(empty)=%04x want ffff", got)
	}
}
