package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType discriminates chat protocol envelopes. The values are the wire
// contract shared with existing consumers and must not be changed.
type MessageType string

const (
	TypeAuthenticate      MessageType = "AUTHENTICATE"
	TypeAuthenticated     MessageType = "AUTHENTICATED"
	TypeAuthError         MessageType = "AUTH_ERROR"
	TypeJoinConversation  MessageType = "JOIN_CONVERSATION"
	TypeJoinedConversation MessageType = "JOINED_CONVERSATION"
	TypeLeaveConversation MessageType = "LEAVE_CONVERSATION"
	TypeLeftConversation  MessageType = "LEFT_CONVERSATION"
	TypeSendMessage       MessageType = "SEND_MESSAGE"
	TypeNewMessage        MessageType = "NEW_MESSAGE"
	TypeMessageSent       MessageType = "MESSAGE_SENT"
	TypeMessageError      MessageType = "MESSAGE_ERROR"
	TypeTypingStart       MessageType = "TYPING_START"
	TypeTypingStop        MessageType = "TYPING_STOP"
	TypeUserTyping        MessageType = "USER_TYPING"
	TypeUserStoppedTyping MessageType = "USER_STOPPED_TYPING"
	TypePing              MessageType = "PING"
	TypePong              MessageType = "PONG"
	TypeError             MessageType = "ERROR"
)

var knownTypes = map[MessageType]bool{
	TypeAuthenticate: true, TypeAuthenticated: true, TypeAuthError: true,
	TypeJoinConversation: true, TypeJoinedConversation: true,
	TypeLeaveConversation: true, TypeLeftConversation: true,
	TypeSendMessage: true, TypeNewMessage: true,
	TypeMessageSent: true, TypeMessageError: true,
	TypeTypingStart: true, TypeTypingStop: true,
	TypeUserTyping: true, TypeUserStoppedTyping: true,
	TypePing: true, TypePong: true, TypeError: true,
}

// Valid reports whether t is part of the closed message type set.
func (t MessageType) Valid() bool { return knownTypes[t] }

// Attachment is a file reference carried with a chat message.
type Attachment struct {
	ID       string `json:"id,omitempty"`
	FileName string `json:"fileName"`
	FileURL  string `json:"fileUrl"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// ChatMessage is a full message record as delivered in NEW_MESSAGE envelopes.
type ChatMessage struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversationId"`
	SenderID       string       `json:"senderId"`
	SenderName     string       `json:"senderName,omitempty"`
	Content        string       `json:"content"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	SentAt         time.Time    `json:"sentAt"`
}

// Envelope is the discriminated-union frame exchanged over the chat socket.
// Every envelope carries type and timestamp; the remaining fields are
// populated per type and omitted otherwise. Client->server and
// server->client envelopes share this shape.
type Envelope struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`

	// AUTHENTICATE
	Token string `json:"token,omitempty"`

	// AUTHENTICATED, USER_TYPING, USER_STOPPED_TYPING
	UserID   string `json:"userId,omitempty"`
	UserName string `json:"userName,omitempty"`

	// Room-scoped envelopes.
	ConversationID string `json:"conversationId,omitempty"`

	// SEND_MESSAGE
	Content     string       `json:"content,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`

	// NEW_MESSAGE
	Message *ChatMessage `json:"message,omitempty"`

	// MESSAGE_SENT, MESSAGE_ERROR
	MessageID string `json:"messageId,omitempty"`

	// AUTH_ERROR, MESSAGE_ERROR, ERROR
	Reason string `json:"reason,omitempty"`
}

// NewEnvelope returns an envelope of the given type stamped with the current time.
func NewEnvelope(t MessageType) Envelope {
	return Envelope{Type: t, Timestamp: time.Now().UTC()}
}

// DecodeEnvelope parses a raw frame and rejects envelopes whose type is not
// part of the closed set. Callers drop the offending frame and keep the
// connection open.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if !env.Type.Valid() {
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownMessageType, env.Type)
	}
	return env, nil
}
