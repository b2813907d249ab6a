package load

import "github.com/sigurn/crc16"

// crcTable parameterizes CRC-16/CCITT-FALSE (polynomial 0x1021, initial
// value 0xFFFF), the checksum stored in index entries and identity records.
// Images programmed by older host tools used the same parameters.
var crcTable = crc16.MakeTable(crc16.CRC16_CCITT_FALSE)

// CRC16 checksums a whole buffer.
func CRC16(p []byte) uint16 {
	return crc16.Checksum(p, crcTable)
}

// CRC is the streaming form, fed page by page during the flash copy.
type CRC struct {
	crc uint16
}

func NewCRC() *CRC {
	return &CRC{crc: crc16.Init(crcTable)}
}

func (c *CRC) Update(p []byte) {
	c.crc = crc16.Update(c.crc, p, crcTable)
}

func (c *CRC) Sum() uint16 {
	return crc16.Complete(c.crc, crcTable)
}
