package fit

// crcTable is the byte-wise table of the FIT CRC-16 (reflected polynomial
// 0xA001, initial value zero).
var crcTable = func() [256]uint16 {
	var t [256]uint16
	for i := range t {
		crc := uint16(i)
		for range 8 {
			if crc&1 != 0 {
				crc = crc>>1 ^ 0xA001
			} else {
				crc >>= 1
			}
		}
		t[i] = crc
	}
	return t
}()

// UpdateCRC16 continues a FIT CRC over data.
func UpdateCRC16(crc uint16, data []byte) uint16 {
	for _, b := range data {
		crc = crc>>8 ^ crcTable[byte(crc)^b]
	}
	return crc
}

// CRC16 returns the FIT CRC of data, starting from zero.
func CRC16(data []byte) uint16 {
	return UpdateCRC16(0, data)
}
