package chat

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Inbound event type discriminators.
const (
	EventChatMessage       = "chat_message"
	EventTyping            = "typing"
	EventReadMessages      = "read_messages"
	EventAddMember         = "add_member"
	EventRemoveMember      = "remove_member"
	EventReadGroupMessages = "read_group_messages"
)

// MaxContentLength is the longest message content accepted, in characters.
const MaxContentLength = 512

var validate = validator.New(validator.WithRequiredStructEnabled())

// Event is a decoded client frame. The concrete types below are the only
// implementations.
type Event interface {
	Type() string
}

type ChatMessage struct {
	Message string `json:"message" validate:"required,max=512"`
}

type Typing struct {
	Typing *bool `json:"typing" validate:"required"`
}

type ReadMessages struct{}

type AddMember struct {
	Name string `json:"name" validate:"required,max=150"`
}

type RemoveMember struct {
	Name string `json:"name" validate:"required,max=150"`
}

type ReadGroupMessages struct{}

func (*ChatMessage) Type() string { return EventChatMessage }
func (*Typing) Type() string { return EventTyping }
func (*ReadMessages) Type() string { return EventReadMessages }
func (*AddMember) Type() string { return EventAddMember }
func (*RemoveMember) Type() string { return EventRemoveMember }
func (*ReadGroupMessages) Type() string { return EventReadGroupMessages }

// DecodeEvent parses and validates a client frame. Frames that are not JSON
// objects or fail validation yield ErrInvalidEvent; frames with an
// unrecognised type yield ErrUnknownEvent.
func DecodeEvent(raw []byte) (Event, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	var ev Event
	switch envelope.Type {
	case EventChatMessage:
		ev = &ChatMessage{}
	case EventTyping:
		ev = &Typing{}
	case EventReadMessages:
		ev = &ReadMessages{}
	case EventAddMember:
		ev = &AddMember{}
	case EventRemoveMember:
		ev = &RemoveMember{}
	case EventReadGroupMessages:
		ev = &ReadGroupMessages{}
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrInvalidEvent)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, envelope.Type)
	}

	if err := json.Unmarshal(raw, ev); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidEvent, envelope.Type, err)
	}
	if err := validate.Struct(ev); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidEvent, envelope.Type, err)
	}
	return ev, nil
}
