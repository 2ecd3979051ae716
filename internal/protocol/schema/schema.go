package schema

import (
	"fmt"

	"github.com/danmuck/meshctl/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// Message type IDs.
const (
	MsgRequest  uint32 = 1
	MsgResponse uint32 = 2
)

// Field IDs.
const (
	FieldCorrelationID uint16 = 1
	FieldMethod        uint16 = 2
	FieldPath          uint16 = 3
	FieldQuery         uint16 = 4
	FieldHeader        uint16 = 5
	FieldBody          uint16 = 6
	FieldContentType   uint16 = 7
	FieldStatus        uint16 = 8

	// Nested inside FieldHeader.
	FieldHeaderKey   uint16 = 1
	FieldHeaderValue uint16 = 2
)

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

var requirements = map[uint32][]Requirement{
	MsgRequest: {
		{FieldCorrelationID, tlv.TypeString},
		{FieldMethod, tlv.TypeString},
		{FieldPath, tlv.TypeString},
	},
	MsgResponse: {
		{FieldCorrelationID, tlv.TypeString},
		{FieldStatus, tlv.TypeU32},
	},
}

// optional fields are checked for type only when present.
var optional = map[uint16]uint8{
	FieldQuery:       tlv.TypeString,
	FieldHeader:      tlv.TypeBytes,
	FieldBody:        tlv.TypeBytes,
	FieldContentType: tlv.TypeString,
}

// Validate enforces required fields and field types for a message type.
// Unknown fields are ignored.
func Validate(messageType uint32, fields []tlv.Field) error {
	reqs, ok := requirements[messageType]
	if !ok {
		log.Error().Uint32("message_type", messageType).Msg("schema.Validate unknown message_type")
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			log.Error().Uint32("message_type", messageType).Uint16("field_id", req.ID).Msg("schema.Validate missing field")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			log.Error().
				Uint32("message_type", messageType).
				Uint16("field_id", req.ID).
				Uint8("got", f.Type).
				Uint8("want", req.Type).
				Msg("schema.Validate type mismatch")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	for _, f := range fields {
		want, ok := optional[f.ID]
		if ok && f.Type != want {
			return ValidationError{MessageType: messageType, FieldID: f.ID, Reason: "type mismatch"}
		}
	}
	log.Trace().Uint32("message_type", messageType).Int("fields", len(fields)).Msg("schema.Validate ok")
	return nil
}
