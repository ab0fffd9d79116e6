package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeFrame(t *testing.T) {
	f, err := DecodeFrame([]byte(`{"event":"room:join","payload":{"roomId":"a:b"}}`))
	require.NoError(t, err)
	assert.Equal(t, "room:join", f.Event)

	var p RoomJoinPayload
	require.NoError(t, f.Bind(&p))
	assert.Equal(t, "a:b", p.RoomID)
}

func TestDecodeFrame_MissingEvent(t *testing.T) {
	_, err := DecodeFrame([]byte(`{"payload":{}}`))
	require.Error(t, err)

	pe, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, CategoryValidation, pe.Category)
	assert.Equal(t, CodeInvalidPayload, pe.Code)
}

func TestDecodeFrame_Malformed(t *testing.T) {
	_, err := DecodeFrame([]byte(`not json`))
	require.Error(t, err)

	pe, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, CategoryValidation, pe.Category)
}

func TestBind_EmptyPayloadIsZeroValue(t *testing.T) {
	f := Frame{Event: "user:heartbeat"}

	var p HeartbeatPayload
	require.NoError(t, f.Bind(&p))
	assert.Nil(t, p.LastActivity)
}

func TestBind_TypeMismatch(t *testing.T) {
	f := Frame{Event: "room:join", Payload: json.RawMessage(`{"roomId":42}`)}

	var p RoomJoinPayload
	err := f.Bind(&p)
	require.Error(t, err)

	pe, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, CodeInvalidPayload, pe.Code)
}

func TestEncodeFrame_RoundTrip(t *testing.T) {
	data, err := EncodeFrame(EventRoomJoined, RoomJoinedPayload{
		RoomID:       "surgery-management:abc",
		CurrentUsers: 2,
		MaxUsers:     20,
	})
	require.NoError(t, err)

	f, err := DecodeFrame(data)
	require.NoError(t, err)
	assert.Equal(t, EventRoomJoined, f.Event)

	var p RoomJoinedPayload
	require.NoError(t, f.Bind(&p))
	assert.Equal(t, 2, p.CurrentUsers)
}

func TestToSocketError_Operational(t *testing.T) {
	err := ConflictError(CodeRoomFull, "room is full").WithDetails(map[string]any{"maxUsers": 3})

	dto := ToSocketError(err, "sock-1", "user-1", "room:join")
	assert.Equal(t, CategoryConflict, dto.Category)
	assert.Equal(t, CodeRoomFull, dto.ErrorCode)
	assert.Equal(t, "room is full", dto.Message)
	assert.Equal(t, "sock-1", dto.SocketID)
	assert.Equal(t, "user-1", dto.UserID)
	assert.Equal(t, "room:join", dto.EventName)
	assert.NotNil(t, dto.Details)
	assert.WithinDuration(t, time.Now(), dto.Timestamp, time.Second)
}

func TestToSocketError_UnexpectedCollapsesToInternal(t *testing.T) {
	dto := ToSocketError(assert.AnError, "sock-1", "", "lock:extend")
	assert.Equal(t, CategoryInternal, dto.Category)
	assert.Equal(t, CodeInternal, dto.ErrorCode)
	// Internal details never reach the wire.
	assert.Nil(t, dto.Details)
	assert.NotContains(t, dto.Message, assert.AnError.Error())
}

func TestErrorWrapping(t *testing.T) {
	cause := assert.AnError
	err := InternalError("lock table mutation failed").WithCause(cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "INTERNAL")
}
