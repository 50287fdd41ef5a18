// internal/codec/frame.go
package codec

import (
	"errors"
	"fmt"
)

// Function codes understood by the controller family.
type Function uint8

const (
	FuncReadHolding Function = 0x03
	FuncReadInput   Function = 0x04
	FuncWriteSingle Function = 0x06
)

// Frame layout:
//
//	[slave][function][addr_hi][addr_lo][data...][crc_lo][crc_hi]
//
// The checksum covers every byte before it.
const (
	// minResponseLen is slave + function + one data byte + crc.
	minResponseLen = 5

	// WriteResponseLen is the fixed length of a write-single echo:
	// slave + function + addr(2) + value(2) + crc(2).
	WriteResponseLen = 8

	exceptionBit = 0x80
)

// Protocol-level failures. All are returned, never panicked; the
// scheduler translates them into failed results at its boundary.
var (
	ErrShortFrame         = errors.New("codec: frame too short")
	ErrChecksum           = errors.New("codec: checksum mismatch")
	ErrUnexpectedSlave    = errors.New("codec: response from unexpected slave")
	ErrUnexpectedFunction = errors.New("codec: unexpected function code")
)

// DeviceException is an explicit error frame from the device
// (function code echoed with the high bit set).
type DeviceException struct {
	Function Function
	Code     uint8
}

func (e *DeviceException) Error() string {
	return fmt.Sprintf("codec: device exception: fc=0x%02X code=%d", uint8(e.Function), e.Code)
}

// CRC16 computes the 16-bit checksum used by this protocol family
// (reflected polynomial 0xA001, initial value 0xFFFF).
func CRC16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&0x0001 != 0 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

func appendCRC(frame []byte) []byte {
	crc := CRC16(frame)
	return append(frame, byte(crc), byte(crc>>8))
}

// BuildReadRequest builds a read frame for `count` consecutive registers.
func BuildReadRequest(slave uint8, fn Function, addr uint16, count uint16) []byte {
	frame := make([]byte, 0, 8)
	frame = append(frame,
		slave,
		byte(fn),
		byte(addr>>8), byte(addr),
		byte(count>>8), byte(count),
	)
	return appendCRC(frame)
}

// BuildWriteRequest builds a write-single-register frame.
func BuildWriteRequest(slave uint8, addr uint16, value uint16) []byte {
	frame := make([]byte, 0, 8)
	frame = append(frame,
		slave,
		byte(FuncWriteSingle),
		byte(addr>>8), byte(addr),
		byte(value>>8), byte(value),
	)
	return appendCRC(frame)
}

// ReadResponseLen returns the expected length of a read response
// carrying `count` registers: slave + fc + bytecount + 2*count + crc.
func ReadResponseLen(count uint16) int {
	return 3 + 2*int(count) + 2
}

// verify checks length, checksum and the echoed slave/function of a raw
// response, returning the frame body without the trailing checksum.
func verify(raw []byte, slave uint8, fn Function) ([]byte, error) {
	if len(raw) < minResponseLen {
		return nil, fmt.Errorf("%w: got %d bytes", ErrShortFrame, len(raw))
	}

	body := raw[:len(raw)-2]
	want := CRC16(body)
	got := uint16(raw[len(raw)-2]) | uint16(raw[len(raw)-1])<<8
	if got != want {
		return nil, fmt.Errorf("%w: got 0x%04X want 0x%04X", ErrChecksum, got, want)
	}

	if raw[0] != slave {
		return nil, fmt.Errorf("%w: got %d want %d", ErrUnexpectedSlave, raw[0], slave)
	}

	if raw[1] == uint8(fn)|exceptionBit {
		return nil, &DeviceException{Function: fn, Code: raw[2]}
	}
	if raw[1] != uint8(fn) {
		return nil, fmt.Errorf("%w: got 0x%02X want 0x%02X", ErrUnexpectedFunction, raw[1], uint8(fn))
	}

	return body, nil
}

// ParseReadResponse validates a read response and extracts the register
// values in order.
func ParseReadResponse(raw []byte, slave uint8, fn Function) ([]uint16, error) {
	body, err := verify(raw, slave, fn)
	if err != nil {
		return nil, err
	}

	byteCount := int(body[2])
	data := body[3:]
	if byteCount%2 != 0 {
		return nil, fmt.Errorf("%w: odd byte count %d", ErrShortFrame, byteCount)
	}
	if len(data) < byteCount {
		return nil, fmt.Errorf("%w: byte count %d exceeds payload %d", ErrShortFrame, byteCount, len(data))
	}

	regs := make([]uint16, byteCount/2)
	for i := range regs {
		regs[i] = uint16(data[2*i])<<8 | uint16(data[2*i+1])
	}
	return regs, nil
}

// ParseWriteResponse validates a write-single echo and returns the
// echoed address and value.
func ParseWriteResponse(raw []byte, slave uint8) (addr, value uint16, err error) {
	body, err := verify(raw, slave, FuncWriteSingle)
	if err != nil {
		return 0, 0, err
	}
	if len(body) < 6 {
		return 0, 0, fmt.Errorf("%w: write echo body %d bytes", ErrShortFrame, len(body))
	}
	addr = uint16(body[2])<<8 | uint16(body[3])
	value = uint16(body[4])<<8 | uint16(body[5])
	return addr, value, nil
}
