package timesync

import "encoding/binary"

// Device protocol opcodes, carried as single-byte commands (optionally
// followed by a fixed-size payload) over transport.CharTimeSync, per
// spec §6 "Time-sync device protocol".
//
// GET_TIMESTAMP has no command byte: the device counter is exposed as its
// own read-only characteristic (transport.CharTimeSyncCounter) rather than
// a write-then-read-response pair, so there is no opGetTimestamp opcode.
const (
	opSetSystemStatus byte = 0x01 // + u8 status
	opSetDateTime     byte = 0x0B // + u32 LE unix seconds
	opSetClockOffset  byte = 0x31 // + u32 LE absolute ms
	opEnterTimeSync   byte = 0x32 // no payload
	opExitTimeSync    byte = 0x33 // no payload
)

// SystemStatusIdle is the device's IDLE system_status value, required
// before entering time-sync mode (spec §4.5 step 1).
const SystemStatusIdle byte = 0x02

func encodeSetSystemStatus(status byte) []byte {
	return []byte{opSetSystemStatus, status}
}

func encodeSetDateTime(unixSeconds uint32) []byte {
	buf := make([]byte, 5)
	buf[0] = opSetDateTime
	binary.LittleEndian.PutUint32(buf[1:], unixSeconds)
	return buf
}

func encodeEnterTimeSync() []byte {
	return []byte{opEnterTimeSync}
}

func encodeExitTimeSync() []byte {
	return []byte{opExitTimeSync}
}

func encodeSetClockOffset(absMs uint32) []byte {
	buf := make([]byte, 5)
	buf[0] = opSetClockOffset
	binary.LittleEndian.PutUint32(buf[1:], absMs)
	return buf
}

// decodeTimestamp parses the u64 LE device counter (in ms) returned by a
// GET_TIMESTAMP read.
func decodeTimestamp(buf []byte) (uint64, bool) {
	if len(buf) < 8 {
		return 0, false
	}
	return binary.LittleEndian.Uint64(buf[:8]), true
}
