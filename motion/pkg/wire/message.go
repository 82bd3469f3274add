package wire

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
)

// Message is a fully decoded wire frame: header plus raw payload bytes.
// Binary payload types (MotionData, DeviceStatusList) are decoded on demand
// via the package-level Decode* helpers; JSON command envelopes are decoded
// with DecodeJSON.
type Message struct {
	Header  Header
	Payload []byte
}

// NewMessage builds a Message from a type, request id, timestamp, and a
// pre-encoded payload.
func NewMessage(typ MessageType, requestID uint32, timestampMs uint64, payload []byte) (Message, error) {
	if len(payload) > MaxPayloadLen {
		return Message{}, fmt.Errorf("wire: %s: payload length %d exceeds max %d", CodeWireProtocolError, len(payload), MaxPayloadLen)
	}
	return Message{
		Header: Header{
			Version:     ProtocolVersion,
			Type:        typ,
			PayloadLen:  uint16(len(payload)),
			RequestID:   requestID,
			TimestampLo: uint32(timestampMs & 0xFFFFFFFF),
		},
		Payload: payload,
	}, nil
}

// NewJSONMessage builds a Message whose payload is the JSON encoding of v.
func NewJSONMessage(typ MessageType, requestID uint32, timestampMs uint64, v any) (Message, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return Message{}, fmt.Errorf("wire: encode json payload: %w", err)
	}
	return NewMessage(typ, requestID, timestampMs, body)
}

// DecodeJSON unmarshals the message payload as JSON into v.
func (m Message) DecodeJSON(v any) error {
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("wire: %s: decode json payload: %w", CodeWireProtocolError, err)
	}
	return nil
}

// Encode serializes the full frame (header + payload) to bytes.
func (m Message) Encode() []byte {
	hdr := m.Header.Encode()
	out := make([]byte, 0, HeaderSize+len(m.Payload))
	out = append(out, hdr[:]...)
	out = append(out, m.Payload...)
	return out
}

// WriteTo writes the full encoded frame to w.
func (m Message) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(m.Encode())
	return int64(n), err
}

// ReadMessage reads one complete frame (header + payload) from r.
func ReadMessage(r *bufio.Reader) (Message, error) {
	var hdrBuf [HeaderSize]byte
	if _, err := io.ReadFull(r, hdrBuf[:]); err != nil {
		return Message{}, err
	}
	hdr, err := DecodeHeader(hdrBuf[:])
	if err != nil {
		return Message{}, err
	}
	payload := make([]byte, hdr.PayloadLen)
	if hdr.PayloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Message{}, fmt.Errorf("wire: %s: short payload read: %w", CodeWireProtocolError, err)
		}
	}
	return Message{Header: hdr, Payload: payload}, nil
}
