package protocol

// CRC16CCITT computes the frame checksum used on the bridge link and
// returns it high byte first.
func CRC16CCITT(buf []byte) (byte, byte) {
	crc := CRC16(buf)
	return byte(crc >> 8), byte(crc & 0xff)
}

// CRC16 is the bitwise CRC16-CCITT variant with initial value 0xffff.
func CRC16(buf []byte) uint16 {
	var crc uint16 = 0xffff
	for _, b := range buf {
		data := uint16(b)
		data ^= crc & 0xff
		data ^= (data & 0x0f) << 4
		crc = (crc >> 8) ^ (data << 8) ^ (data << 3) ^ (data >> 4)
	}
	return crc
}
