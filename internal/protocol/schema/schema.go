package schema

import (
	"fmt"

	"github.com/danmuck/mailslot/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// Message type IDs.
const (
	MsgRecord uint32 = 1
	MsgResult uint32 = 2
	MsgCancel uint32 = 3
)

// Field IDs.
const (
	FieldMailboxSlot uint16 = 1
	FieldKind        uint16 = 2
	FieldPayload     uint16 = 3
	FieldStatus      uint16 = 4
	FieldError       uint16 = 5
	FieldTimestampMS uint16 = 6
)

// Result status values.
const (
	StatusOK       = "ok"
	StatusError    = "error"
	StatusCanceled = "canceled"
)

func MessageName(messageType uint32) string {
	switch messageType {
	case MsgRecord:
		return "record"
	case MsgResult:
		return "result"
	case MsgCancel:
		return "cancel"
	default:
		return fmt.Sprintf("unknown(%d)", messageType)
	}
}

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	MessageType uint32
	FieldID     uint16
	Reason      string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: message_type=%d: %s", e.MessageType, e.Reason)
	}
	return fmt.Sprintf("schema: message_type=%d field=%d: %s", e.MessageType, e.FieldID, e.Reason)
}

// Required fields only. The slot on a record is optional: records published
// without a response expectation carry none.
var requirements = map[uint32][]Requirement{
	MsgRecord: {
		{FieldKind, tlv.TypeString},
	},
	MsgResult: {
		{FieldMailboxSlot, tlv.TypeString},
		{FieldKind, tlv.TypeString},
		{FieldStatus, tlv.TypeString},
	},
	MsgCancel: {
		{FieldMailboxSlot, tlv.TypeString},
	},
}

// Optional fields still have to carry the right type when present.
var optional = map[uint32][]Requirement{
	MsgRecord: {
		{FieldMailboxSlot, tlv.TypeString},
		{FieldPayload, tlv.TypeBytes},
		{FieldTimestampMS, tlv.TypeU64},
	},
	MsgResult: {
		{FieldPayload, tlv.TypeBytes},
		{FieldError, tlv.TypeString},
		{FieldTimestampMS, tlv.TypeU64},
	},
}

// Validate enforces required fields and field types for a message type.
// Unknown fields are ignored.
func Validate(messageType uint32, fields []tlv.Field) error {
	log.Trace().Uint32("message_type", messageType).Int("fields", len(fields)).Msg("schema.Validate")
	reqs, ok := requirements[messageType]
	if !ok {
		log.Debug().Uint32("message_type", messageType).Msg("schema.Validate unknown message_type")
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			log.Debug().
				Uint32("message_type", messageType).
				Uint16("field_id", req.ID).
				Msg("schema.Validate missing field")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			log.Debug().
				Uint32("message_type", messageType).
				Uint16("field_id", req.ID).
				Uint8("got", f.Type).
				Uint8("want", req.Type).
				Msg("schema.Validate type mismatch")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	for _, opt := range optional[messageType] {
		f, found := tlv.GetField(fields, opt.ID)
		if found && f.Type != opt.Type {
			return ValidationError{MessageType: messageType, FieldID: opt.ID, Reason: "type mismatch"}
		}
	}
	return nil
}
