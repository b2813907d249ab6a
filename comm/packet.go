// Package comm implements the packet protocol spoken between the device and
// the external programming tool: a 3-byte header (signature, opcode, payload
// length) followed by up to MaxPayload bytes, dispatched through a pluggable
// opcode table.
package comm

// Signature is the frame start byte of the current protocol generation.
// Gen-2 hosts used SignatureGen2; the engine can be configured for either.
const (
	Signature     = 0x73
	SignatureGen2 = 0xC3
)

// The length byte carries the raw payload length, so a whole frame never
// exceeds 256 bytes.
const (
	HeaderSize = 3
	MaxPayload = 253
)

// Opcode is the packet type byte.
type Opcode uint8

//go:generate go tool stringer -type=Opcode -trimprefix=Op
const (
	OpVersion Opcode = iota
	OpSPI
	OpLock
	OpSleep
	OpBattInfo
	OpBattCalib
	OpBattLoad
	OpLED
	OpInput
	OpIO
	OpTime
	OpFastMode
	OpReset
)

// SPI packet option bits (first payload byte).
const (
	// SPIPeriphMask selects the peripheral: 0 flash, 1 eeprom, 2 display.
	SPIPeriphMask = 0x03
	// SPIRelease deasserts the chip select after the transfer. It is the only
	// protocol mechanism that releases the line.
	SPIRelease = 0x80
)

// Lock/sleep/calibration payload values.
const (
	PayloadOn  = 0xFF
	PayloadOff = 0x00
)
