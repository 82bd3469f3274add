package wire

import (
	"encoding/binary"
	"fmt"
	"math"
)

// MotionData is the TypeMotionData payload: a device name plus the
// left/right joint angle sextet (current, max, min) per spec §6 and §9's
// resolved open question (angle sextet, not raw quaternion+hash).
type MotionData struct {
	DeviceName  string
	LeftCurrent float32
	LeftMax     float32
	LeftMin     float32
	RightCurrent float32
	RightMax    float32
	RightMin    float32
}

// EncodeMotionData serializes a MotionData payload:
// device_name_len(u16 LE) | device_name(UTF-8) | 6x f32 LE.
func EncodeMotionData(m MotionData) ([]byte, error) {
	nameBytes := []byte(m.DeviceName)
	if len(nameBytes) > MaxPayloadLen {
		return nil, fmt.Errorf("wire: device name too long (%d bytes)", len(nameBytes))
	}
	buf := make([]byte, 2+len(nameBytes)+6*4)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(nameBytes)))
	copy(buf[2:], nameBytes)
	off := 2 + len(nameBytes)
	putF32 := func(v float32) {
		binary.LittleEndian.PutUint32(buf[off:off+4], math.Float32bits(v))
		off += 4
	}
	putF32(m.LeftCurrent)
	putF32(m.LeftMax)
	putF32(m.LeftMin)
	putF32(m.RightCurrent)
	putF32(m.RightMax)
	putF32(m.RightMin)
	return buf, nil
}

// DecodeMotionData reverses EncodeMotionData.
func DecodeMotionData(buf []byte) (MotionData, error) {
	if len(buf) < 2 {
		return MotionData{}, fmt.Errorf("wire: %s: motion data payload too short", CodeWireProtocolError)
	}
	nameLen := int(binary.LittleEndian.Uint16(buf[0:2]))
	want := 2 + nameLen + 6*4
	if len(buf) < want {
		return MotionData{}, fmt.Errorf("wire: %s: motion data payload truncated: have %d want %d", CodeWireProtocolError, len(buf), want)
	}
	name := string(buf[2 : 2+nameLen])
	off := 2 + nameLen
	getF32 := func() float32 {
		v := math.Float32frombits(binary.LittleEndian.Uint32(buf[off : off+4]))
		off += 4
		return v
	}
	return MotionData{
		DeviceName:   name,
		LeftCurrent:  getF32(),
		LeftMax:      getF32(),
		LeftMin:      getF32(),
		RightCurrent: getF32(),
		RightMax:     getF32(),
		RightMin:     getF32(),
	}, nil
}

// DeviceStatusEntry is one device's status within a DEVICE_STATUS payload.
type DeviceStatusEntry struct {
	Hash      uint32
	Connected bool
	Battery   float32
}

// DeviceStatusList is the TypeDeviceStatus payload:
// timestamp(u32 LE) | (hash(u32 LE), connected(u8), battery(f32 LE))*.
type DeviceStatusList struct {
	TimestampS uint32
	Entries    []DeviceStatusEntry
}

// EncodeDeviceStatusList serializes a DeviceStatusList payload.
func EncodeDeviceStatusList(list DeviceStatusList) ([]byte, error) {
	size := 4 + len(list.Entries)*(4+1+4)
	if size > MaxPayloadLen {
		return nil, fmt.Errorf("wire: device status payload too large (%d bytes)", size)
	}
	buf := make([]byte, size)
	binary.LittleEndian.PutUint32(buf[0:4], list.TimestampS)
	off := 4
	for _, e := range list.Entries {
		binary.LittleEndian.PutUint32(buf[off:off+4], e.Hash)
		off += 4
		if e.Connected {
			buf[off] = 1
		}
		off++
		binary.LittleEndian.PutUint32(buf[off:off+4], math.Float32bits(e.Battery))
		off += 4
	}
	return buf, nil
}

// DecodeDeviceStatusList reverses EncodeDeviceStatusList.
func DecodeDeviceStatusList(buf []byte) (DeviceStatusList, error) {
	if len(buf) < 4 {
		return DeviceStatusList{}, fmt.Errorf("wire: %s: device status payload too short", CodeWireProtocolError)
	}
	list := DeviceStatusList{TimestampS: binary.LittleEndian.Uint32(buf[0:4])}
	off := 4
	const entrySize = 4 + 1 + 4
	for off+entrySize <= len(buf) {
		hash := binary.LittleEndian.Uint32(buf[off : off+4])
		off += 4
		connected := buf[off] != 0
		off++
		battery := math.Float32frombits(binary.LittleEndian.Uint32(buf[off : off+4]))
		off += 4
		list.Entries = append(list.Entries, DeviceStatusEntry{Hash: hash, Connected: connected, Battery: battery})
	}
	if off != len(buf) {
		return DeviceStatusList{}, fmt.Errorf("wire: %s: device status payload trailing bytes", CodeWireProtocolError)
	}
	return list, nil
}

// ErrorEnvelope is the JSON body of a TypeError command response, carrying a
// machine-readable code and human-readable message per spec §4.3.
type ErrorEnvelope struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// CommandResult is the generic JSON result envelope for command responses,
// per spec §6's command surface: {success, message, code?, data?}.
type CommandResult struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Code    ErrorCode       `json:"code,omitempty"`
	Data    map[string]any  `json:"data,omitempty"`
}
