package wire

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMotionDataRoundTripS4(t *testing.T) {
	// Scenario S4 from spec §8.
	md := MotionData{
		DeviceName:   "tropx_ln_top",
		LeftCurrent:  10.1,
		LeftMax:      45.3,
		LeftMin:      -3.2,
		RightCurrent: 11.0,
		RightMax:     50.1,
		RightMin:     -4.0,
	}
	payload, err := EncodeMotionData(md)
	require.NoError(t, err)
	require.Len(t, payload, 2+12+24)

	msg, err := NewMessage(TypeMotionData, 0, 1234, payload)
	require.NoError(t, err)
	frame := msg.Encode()
	require.Len(t, frame, 12+2+12+24)
	require.Equal(t, 50, len(frame))

	var buf bytes.Buffer
	buf.Write(frame)
	got, err := ReadMessage(bufio.NewReader(&buf))
	require.NoError(t, err)

	decoded, err := DecodeMotionData(got.Payload)
	require.NoError(t, err)
	require.Equal(t, md, decoded)
}

func TestHeaderRejectsBadVersion(t *testing.T) {
	hdr := Header{Version: 2, Type: TypeHeartbeat}
	buf := hdr.Encode()
	_, err := DecodeHeader(buf[:])
	require.Error(t, err)
}

func TestHeaderAcceptsMaxU16PayloadLen(t *testing.T) {
	buf := []byte{1, 0, 0xFF, 0xFF, 0, 0, 0, 0, 0, 0, 0, 0}
	_, err := DecodeHeader(buf)
	// u16 max is 65535 == MaxPayloadLen, so this must NOT be rejected.
	require.NoError(t, err)
}

func TestDeviceStatusListRoundTrip(t *testing.T) {
	list := DeviceStatusList{
		TimestampS: 1234567,
		Entries: []DeviceStatusEntry{
			{Hash: 1, Connected: true, Battery: 87.5},
			{Hash: 2, Connected: false, Battery: 12.0},
		},
	}
	payload, err := EncodeDeviceStatusList(list)
	require.NoError(t, err)
	got, err := DecodeDeviceStatusList(payload)
	require.NoError(t, err)
	require.Equal(t, list, got)
}

func TestCommandEnvelopeJSONRoundTrip(t *testing.T) {
	result := CommandResult{Success: true, Message: "ok", Data: map[string]any{"n": float64(3)}}
	msg, err := NewJSONMessage(TypeRecordStartResponse, 42, 99, result)
	require.NoError(t, err)
	require.Equal(t, uint32(42), msg.Header.RequestID)

	var got CommandResult
	require.NoError(t, msg.DecodeJSON(&got))
	require.Equal(t, result, got)
}

func TestFireAndForgetRequestID(t *testing.T) {
	msg, err := NewMessage(TypeHeartbeat, 0, 0, nil)
	require.NoError(t, err)
	require.True(t, msg.Header.IsFireAndForget())
}

func TestReadMessageShortHeaderErrors(t *testing.T) {
	buf := bytes.NewBuffer([]byte{1, 2, 3})
	_, err := ReadMessage(bufio.NewReader(buf))
	require.Error(t, err)
}
