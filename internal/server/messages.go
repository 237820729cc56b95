package server

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/npezzotti/go-collab/internal/database"
)

// Inbound message types.
const (
	TypeJoin          = "join"
	TypeLeave         = "leave"
	TypeUpdate        = "update"
	TypeJoinChat      = "joinChat"
	TypeLeaveChat     = "leaveChat"
	TypeCreateMessage = "createMessage"
	TypeDeleteMessage = "deleteMessage"
)

// Outbound message types. update and deleteMessage are reused.
const (
	TypeSync       = "sync"
	TypeUserJoined = "userJoined"
	TypeMessages   = "messages"
	TypeNewMessage = "newMessage"
	TypeError      = "error"
)

var ErrMalformedFrame = errors.New("malformed frame")

// Bytes is opaque binary data encoded in JSON as an array of integers, the
// way browsers serialize Array.from(Uint8Array). A base64 string is also
// accepted on input.
type Bytes []byte

func (b Bytes) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(len(b)*4 + 2)
	buf.WriteByte('[')
	for i, v := range b {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(strconv.Itoa(int(v)))
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

func (b *Bytes) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*b = nil
		return nil
	}

	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		decoded, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return fmt.Errorf("decode base64 bytes: %w", err)
		}
		*b = decoded
		return nil
	}

	var ints []int
	if err := json.Unmarshal(data, &ints); err != nil {
		return err
	}
	out := make([]byte, len(ints))
	for i, v := range ints {
		if v < 0 || v > 255 {
			return fmt.Errorf("byte value %d out of range", v)
		}
		out[i] = byte(v)
	}
	*b = out
	return nil
}

type JoinRequest struct {
	UserId     string `json:"userId"`
	DocumentId string `json:"documentId"`
}

type UpdateRequest struct {
	Updates Bytes `json:"updates"`
}

type CreateMessageRequest struct {
	Content string `json:"content"`
}

type DeleteMessageRequest struct {
	Id string `json:"id"`
}

// ClientMessage is a validated inbound frame. Exactly one payload field is
// set for kinds that carry one; join and joinChat share JoinRequest.
type ClientMessage struct {
	Type          string
	Join          *JoinRequest
	Update        *UpdateRequest
	CreateMessage *CreateMessageRequest
	DeleteMessage *DeleteMessageRequest
}

type unknownTypeError struct {
	kind string
}

func (e *unknownTypeError) Error() string {
	return fmt.Sprintf("unknown message type %q", e.kind)
}

func (e *unknownTypeError) Unwrap() error {
	return ErrMalformedFrame
}

// ParseClientMessage decodes raw into the variant named by its "type" field
// and checks required fields. All failures wrap ErrMalformedFrame.
func ParseClientMessage(raw []byte) (*ClientMessage, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	msg := &ClientMessage{Type: envelope.Type}
	switch envelope.Type {
	case TypeJoin, TypeJoinChat:
		var req JoinRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		if req.UserId == "" || req.DocumentId == "" {
			return nil, fmt.Errorf("%w: userId and documentId are required", ErrMalformedFrame)
		}
		msg.Join = &req
	case TypeUpdate:
		var req UpdateRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		if len(req.Updates) == 0 {
			return nil, fmt.Errorf("%w: updates are required", ErrMalformedFrame)
		}
		msg.Update = &req
	case TypeCreateMessage:
		var req CreateMessageRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		if req.Content == "" {
			return nil, fmt.Errorf("%w: content is required", ErrMalformedFrame)
		}
		msg.CreateMessage = &req
	case TypeDeleteMessage:
		var req DeleteMessageRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		if req.Id == "" {
			return nil, fmt.Errorf("%w: id is required", ErrMalformedFrame)
		}
		msg.DeleteMessage = &req
	case TypeLeave, TypeLeaveChat:
	default:
		return nil, &unknownTypeError{kind: envelope.Type}
	}

	return msg, nil
}

type SyncFrame struct {
	Type   string `json:"type"`
	Update Bytes  `json:"update"`
}

type UpdateFrame struct {
	Type   string `json:"type"`
	Update Bytes  `json:"update"`
	Sender string `json:"sender,omitempty"`
}

type UserJoinedFrame struct {
	Type       string `json:"type"`
	UserId     string `json:"userId"`
	DocumentId string `json:"documentId"`
}

type ChatSender struct {
	Id string `json:"id"`
}

// ChatMessage is the broadcast projection of a stored message. Only the
// sender id is exposed.
type ChatMessage struct {
	Id        string     `json:"id"`
	Content   string     `json:"content"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	Sender    ChatSender `json:"sender"`
}

type NewMessageFrame struct {
	Type    string      `json:"type"`
	Message ChatMessage `json:"message"`
}

type MessagesFrame struct {
	Type     string        `json:"type"`
	Messages []ChatMessage `json:"messages"`
}

type DeleteMessageFrame struct {
	Type string `json:"type"`
	Id   string `json:"id"`
}

type ErrorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func projectMessage(m database.Message) ChatMessage {
	return ChatMessage{
		Id:        m.Id,
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
		Sender:    ChatSender{Id: m.SenderId},
	}
}

func NewSyncFrame(state []byte) *SyncFrame {
	return &SyncFrame{Type: TypeSync, Update: state}
}

func NewUpdateFrame(update []byte, sender string) *UpdateFrame {
	return &UpdateFrame{Type: TypeUpdate, Update: update, Sender: sender}
}

func NewUserJoinedFrame(userId, documentId string) *UserJoinedFrame {
	return &UserJoinedFrame{Type: TypeUserJoined, UserId: userId, DocumentId: documentId}
}

func NewNewMessageFrame(m database.Message) *NewMessageFrame {
	return &NewMessageFrame{Type: TypeNewMessage, Message: projectMessage(m)}
}

func NewMessagesFrame(msgs []database.Message) *MessagesFrame {
	out := make([]ChatMessage, len(msgs))
	for i, m := range msgs {
		out[i] = projectMessage(m)
	}
	return &MessagesFrame{Type: TypeMessages, Messages: out}
}

func NewDeleteMessageFrame(id string) *DeleteMessageFrame {
	return &DeleteMessageFrame{Type: TypeDeleteMessage, Id: id}
}

func NewErrorFrame(message string) *ErrorFrame {
	return &ErrorFrame{Type: TypeError, Message: message}
}

func ErrInvalidMessage() *ErrorFrame {
	return NewErrorFrame("invalid message format")
}

func ErrUnknownMessageType() *ErrorFrame {
	return NewErrorFrame("unknown message type")
}

func ErrRoomNotFoundFrame() *ErrorFrame {
	return NewErrorFrame("room not found")
}

func ErrChatGroupNotFoundFrame() *ErrorFrame {
	return NewErrorFrame("not joined to a chat")
}

func ErrCannotDeleteFrame() *ErrorFrame {
	return NewErrorFrame("cannot delete message")
}

func ErrUserMismatchFrame() *ErrorFrame {
	return NewErrorFrame("user does not match authenticated session")
}

func ErrInternalErrorFrame() *ErrorFrame {
	return NewErrorFrame("internal server error")
}

func serializeMessage(msg any) ([]byte, error) {
	return json.Marshal(msg)
}
