package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	env := NewEnvelope(TypeSendMessage)
	env.ConversationID = "conv-1"
	env.Content = "hello"
	env.Attachments = []Attachment{{FileName: "report.pdf", FileURL: "/files/report.pdf"}}

	data, err := json.Marshal(env)
	require.NoError(t, err)

	decoded, err := DecodeEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, TypeSendMessage, decoded.Type)
	assert.Equal(t, "conv-1", decoded.ConversationID)
	assert.Equal(t, "hello", decoded.Content)
	require.Len(t, decoded.Attachments, 1)
	assert.Equal(t, "report.pdf", decoded.Attachments[0].FileName)
	assert.False(t, decoded.Timestamp.IsZero())
}

func TestEnvelopeWireValues(t *testing.T) {
	// The type strings are the wire contract; a rename must not slip through.
	wire := map[MessageType]string{
		TypeAuthenticate:       "AUTHENTICATE",
		TypeAuthenticated:      "AUTHENTICATED",
		TypeAuthError:          "AUTH_ERROR",
		TypeJoinConversation:   "JOIN_CONVERSATION",
		TypeJoinedConversation: "JOINED_CONVERSATION",
		TypeLeaveConversation:  "LEAVE_CONVERSATION",
		TypeLeftConversation:   "LEFT_CONVERSATION",
		TypeSendMessage:        "SEND_MESSAGE",
		TypeNewMessage:         "NEW_MESSAGE",
		TypeMessageSent:        "MESSAGE_SENT",
		TypeMessageError:       "MESSAGE_ERROR",
		TypeTypingStart:        "TYPING_START",
		TypeTypingStop:         "TYPING_STOP",
		TypeUserTyping:         "USER_TYPING",
		TypeUserStoppedTyping:  "USER_STOPPED_TYPING",
		TypePing:               "PING",
		TypePong:               "PONG",
		TypeError:              "ERROR",
	}
	for typ, want := range wire {
		assert.Equal(t, want, string(typ))
		assert.True(t, typ.Valid(), want)
	}
	assert.Len(t, knownTypes, len(wire))
}

func TestDecodeEnvelopeRejectsUnknownType(t *testing.T) {
	_, err := DecodeEnvelope([]byte(`{"type":"SHRUG","timestamp":"2026-01-02T15:04:05Z"}`))
	assert.ErrorIs(t, err, ErrUnknownMessageType)
}

func TestDecodeEnvelopeRejectsMalformedJSON(t *testing.T) {
	_, err := DecodeEnvelope([]byte(`{"type":`))
	assert.ErrorIs(t, err, ErrMalformedEnvelope)
}

func TestChangeEventRecordDecodesByEntity(t *testing.T) {
	ev := ChangeEvent{
		Entity:    EntityTimesheets,
		EventType: EventUpdate,
		EntityID:  "ts-9",
		Payload:   json.RawMessage(`{"id":"ts-9","userId":"u-1","projectId":"p-2","date":"2026-08-28","hours":7.5,"status":"submitted"}`),
	}
	rec, err := ev.Record()
	require.NoError(t, err)

	ts, ok := rec.(*TimesheetRecord)
	require.True(t, ok)
	assert.Equal(t, "u-1", ts.UserID)
	assert.InDelta(t, 7.5, ts.Hours, 0.001)
	assert.Equal(t, EntityTimesheets, rec.Table())
}

func TestChangeEventRecordTaskAndProject(t *testing.T) {
	task := ChangeEvent{
		Entity:    EntityTasks,
		EventType: EventInsert,
		EntityID:  "t-1",
		Payload:   json.RawMessage(`{"id":"t-1","projectId":"p-1","title":"Prepare invoice","status":"open"}`),
	}
	rec, err := task.Record()
	require.NoError(t, err)
	assert.Equal(t, "Prepare invoice", rec.(*TaskRecord).Title)

	project := ChangeEvent{
		Entity:    EntityProjects,
		EventType: EventDelete,
		EntityID:  "p-1",
		Payload:   json.RawMessage(`{"id":"p-1","name":"Website relaunch","status":"archived"}`),
	}
	rec, err = project.Record()
	require.NoError(t, err)
	assert.Equal(t, "Website relaunch", rec.(*ProjectRecord).Name)
}

func TestChangeEventRecordRejectsUnknownEntity(t *testing.T) {
	ev := ChangeEvent{Entity: "invoices", EventType: EventInsert, EntityID: "i-1"}
	_, err := ev.Record()
	assert.ErrorIs(t, err, ErrUnknownEntity)
}

func TestChangeEventRecordRejectsMalformedPayload(t *testing.T) {
	ev := ChangeEvent{
		Entity:    EntityTasks,
		EventType: EventUpdate,
		EntityID:  "t-1",
		Payload:   json.RawMessage(`{"id":42}`),
	}
	_, err := ev.Record()
	assert.ErrorIs(t, err, ErrMalformedEnvelope)
}

func TestChangeEventRecordRejectsBadEventType(t *testing.T) {
	ev := ChangeEvent{Entity: EntityTasks, EventType: "UPSERT", EntityID: "t-1"}
	_, err := ev.Record()
	assert.ErrorIs(t, err, ErrMalformedEnvelope)
}

func TestChangeEventKey(t *testing.T) {
	ev := ChangeEvent{Entity: EntityTasks, EventType: EventUpdate, EntityID: "t-7"}
	assert.Equal(t, "tasks/UPDATE/t-7", ev.Key())
}

func TestEnvelopeTimestampISO8601(t *testing.T) {
	env := Envelope{Type: TypePing, Timestamp: time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)}
	data, err := json.Marshal(env)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"timestamp":"2026-08-29T10:00:00Z"`)
}
