package wire

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/mailslot/internal/protocol/frame"
	"github.com/danmuck/mailslot/internal/protocol/schema"
	"github.com/danmuck/mailslot/internal/protocol/tlv"
)

var (
	ErrMissingKind   = errors.New("wire: missing kind")
	ErrMissingSlot   = errors.New("wire: missing mailbox slot")
	ErrMissingStatus = errors.New("wire: missing status")
	ErrMessageType   = errors.New("wire: unexpected message type")
)

// Record is a request sent link -> worker. A Record without a slot expects
// no Result.
type Record struct {
	Slot        string
	Kind        string
	Payload     []byte
	TimestampMS uint64
}

func (r *Record) MailboxSlot() string {
	if r == nil {
		return ""
	}
	return r.Slot
}

func (r *Record) SetMailboxSlot(slot string) {
	if r != nil {
		r.Slot = slot
	}
}

func (r *Record) Validate() error {
	if strings.TrimSpace(r.Kind) == "" {
		return ErrMissingKind
	}
	return nil
}

// Result is a response sent worker -> link, echoing the record's slot.
type Result struct {
	Slot        string
	Kind        string
	Status      string
	Payload     []byte
	Error       string
	TimestampMS uint64
}

func (r *Result) MailboxSlot() string {
	if r == nil {
		return ""
	}
	return r.Slot
}

func (r *Result) OK() bool { return r != nil && r.Status == schema.StatusOK }

// Err reports a non-ok status as an error.
func (r *Result) Err() error {
	if r == nil || r.Status == schema.StatusOK {
		return nil
	}
	if r.Error != "" {
		return fmt.Errorf("wire: %s %s: %s", r.Kind, r.Status, r.Error)
	}
	return fmt.Errorf("wire: %s %s", r.Kind, r.Status)
}

func (r *Result) Validate() error {
	if strings.TrimSpace(r.Slot) == "" {
		return ErrMissingSlot
	}
	if strings.TrimSpace(r.Kind) == "" {
		return ErrMissingKind
	}
	if strings.TrimSpace(r.Status) == "" {
		return ErrMissingStatus
	}
	return nil
}

// Cancel asks the worker to stop work on a slot.
type Cancel struct {
	Slot string
}

func (c Cancel) Validate() error {
	if strings.TrimSpace(c.Slot) == "" {
		return ErrMissingSlot
	}
	return nil
}

func NowMS() uint64 {
	return uint64(time.Now().UnixMilli())
}

// RecordFrame builds the frame for rec without serializing it, so callers
// can attach auth bytes.
func RecordFrame(messageID uint64, rec *Record) (frame.Frame, error) {
	if rec == nil {
		return frame.Frame{}, ErrMissingKind
	}
	if err := rec.Validate(); err != nil {
		return frame.Frame{}, err
	}
	fields := []tlv.Field{tlv.String(schema.FieldKind, rec.Kind)}
	if rec.Slot != "" {
		fields = append(fields, tlv.String(schema.FieldMailboxSlot, rec.Slot))
	}
	if len(rec.Payload) > 0 {
		fields = append(fields, tlv.Bytes(schema.FieldPayload, rec.Payload))
	}
	if rec.TimestampMS != 0 {
		fields = append(fields, tlv.U64(schema.FieldTimestampMS, rec.TimestampMS))
	}
	return build(messageID, schema.MsgRecord, 0, fields)
}

func EncodeRecordFrame(messageID uint64, rec *Record) ([]byte, error) {
	return marshal(RecordFrame(messageID, rec))
}

func DecodeRecordFrame(f frame.Frame) (*Record, error) {
	fields, err := decode(f, schema.MsgRecord)
	if err != nil {
		return nil, err
	}
	rec := &Record{}
	rec.Kind, _ = tlv.StringField(fields, schema.FieldKind)
	rec.Slot, _ = tlv.StringField(fields, schema.FieldMailboxSlot)
	rec.Payload, _ = tlv.BytesField(fields, schema.FieldPayload)
	rec.TimestampMS, _ = tlv.U64Field(fields, schema.FieldTimestampMS)
	return rec, nil
}

func ResultFrame(messageID uint64, res *Result) (frame.Frame, error) {
	if res == nil {
		return frame.Frame{}, ErrMissingSlot
	}
	if err := res.Validate(); err != nil {
		return frame.Frame{}, err
	}
	fields := []tlv.Field{
		tlv.String(schema.FieldMailboxSlot, res.Slot),
		tlv.String(schema.FieldKind, res.Kind),
		tlv.String(schema.FieldStatus, res.Status),
	}
	if len(res.Payload) > 0 {
		fields = append(fields, tlv.Bytes(schema.FieldPayload, res.Payload))
	}
	if res.Error != "" {
		fields = append(fields, tlv.String(schema.FieldError, res.Error))
	}
	if res.TimestampMS != 0 {
		fields = append(fields, tlv.U64(schema.FieldTimestampMS, res.TimestampMS))
	}
	flags := frame.FlagIsResponse
	if res.Status != schema.StatusOK {
		flags |= frame.FlagIsError
	}
	return build(messageID, schema.MsgResult, flags, fields)
}

func EncodeResultFrame(messageID uint64, res *Result) ([]byte, error) {
	return marshal(ResultFrame(messageID, res))
}

func DecodeResultFrame(f frame.Frame) (*Result, error) {
	fields, err := decode(f, schema.MsgResult)
	if err != nil {
		return nil, err
	}
	res := &Result{}
	res.Slot, _ = tlv.StringField(fields, schema.FieldMailboxSlot)
	res.Kind, _ = tlv.StringField(fields, schema.FieldKind)
	res.Status, _ = tlv.StringField(fields, schema.FieldStatus)
	res.Payload, _ = tlv.BytesField(fields, schema.FieldPayload)
	res.Error, _ = tlv.StringField(fields, schema.FieldError)
	res.TimestampMS, _ = tlv.U64Field(fields, schema.FieldTimestampMS)
	return res, nil
}

func CancelFrame(messageID uint64, c Cancel) (frame.Frame, error) {
	if err := c.Validate(); err != nil {
		return frame.Frame{}, err
	}
	return build(messageID, schema.MsgCancel, 0, []tlv.Field{
		tlv.String(schema.FieldMailboxSlot, c.Slot),
	})
}

func EncodeCancelFrame(messageID uint64, c Cancel) ([]byte, error) {
	return marshal(CancelFrame(messageID, c))
}

func DecodeCancelFrame(f frame.Frame) (Cancel, error) {
	fields, err := decode(f, schema.MsgCancel)
	if err != nil {
		return Cancel{}, err
	}
	slot, _ := tlv.StringField(fields, schema.FieldMailboxSlot)
	return Cancel{Slot: slot}, nil
}

func build(messageID uint64, messageType uint32, flags uint32, fields []tlv.Field) (frame.Frame, error) {
	if err := schema.Validate(messageType, fields); err != nil {
		return frame.Frame{}, err
	}
	return frame.Frame{
		Header: frame.Header{
			MessageID:   messageID,
			MessageType: messageType,
			Flags:       flags,
		},
		Payload: tlv.EncodeFields(fields),
	}, nil
}

func marshal(f frame.Frame, err error) ([]byte, error) {
	if err != nil {
		return nil, err
	}
	return frame.Marshal(f, frame.DefaultLimits())
}

func decode(f frame.Frame, messageType uint32) ([]tlv.Field, error) {
	if f.Header.MessageType != messageType {
		return nil, fmt.Errorf(
			"%w: got %s want %s",
			ErrMessageType,
			schema.MessageName(f.Header.MessageType),
			schema.MessageName(messageType),
		)
	}
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(messageType, fields); err != nil {
		return nil, err
	}
	return fields, nil
}
