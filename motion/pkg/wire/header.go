package wire

import (
	"encoding/binary"
	"fmt"
)

// Header is the fixed 12-byte wire header, little-endian throughout.
type Header struct {
	Version       uint8
	Type          MessageType
	PayloadLen    uint16
	RequestID     uint32
	TimestampLo   uint32
}

// Encode writes the header to a 12-byte array.
func (h Header) Encode() [HeaderSize]byte {
	var buf [HeaderSize]byte
	buf[0] = h.Version
	buf[1] = uint8(h.Type)
	binary.LittleEndian.PutUint16(buf[2:4], h.PayloadLen)
	binary.LittleEndian.PutUint32(buf[4:8], h.RequestID)
	binary.LittleEndian.PutUint32(buf[8:12], h.TimestampLo)
	return buf
}

// DecodeHeader parses a 12-byte header and validates version and declared
// payload length, per spec §8 testable property 5: any header with
// version != 1 or payload_len > 65535 (unrepresentable, since the field is
// a u16, but checked defensively) produces a WIRE_PROTOCOL_ERROR.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("wire: %s: short header (%d bytes)", CodeWireProtocolError, len(buf))
	}
	h := Header{
		Version:     buf[0],
		Type:        MessageType(buf[1]),
		PayloadLen:  binary.LittleEndian.Uint16(buf[2:4]),
		RequestID:   binary.LittleEndian.Uint32(buf[4:8]),
		TimestampLo: binary.LittleEndian.Uint32(buf[8:12]),
	}
	if h.Version != ProtocolVersion {
		return Header{}, fmt.Errorf("wire: %s: unsupported version %d", CodeWireProtocolError, h.Version)
	}
	if int(h.PayloadLen) > MaxPayloadLen {
		return Header{}, fmt.Errorf("wire: %s: payload_len %d exceeds max %d", CodeWireProtocolError, h.PayloadLen, MaxPayloadLen)
	}
	return h, nil
}

// IsFireAndForget reports whether a request with this RequestID expects no
// correlated response.
func (h Header) IsFireAndForget() bool {
	return h.RequestID == 0
}
