// Package protocol defines the envelope exchanged over the persistent connection.
package protocol

import (
	"errors"
	"fmt"
	"strconv"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// ErrUnknownKind is returned when an envelope carries a type this package does not know.
var ErrUnknownKind = errors.New("unknown envelope type")

// Kind classifies an envelope.
type Kind int

const (
	KindUnknown Kind = iota
	KindChatChannel
	KindChatDM
	KindCallOffer
	KindCallAnswer
	KindCallICE
	KindCallEnd
)

// Wire type names.
const (
	TypeMessage      = "message"
	TypeDM           = "dm"
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice-candidate"
	TypeHangup       = "hangup"
)

// String returns the string representation of Kind
func (k Kind) String() string {
	switch k {
	case KindChatChannel:
		return "chat-channel"
	case KindChatDM:
		return "chat-dm"
	case KindCallOffer:
		return "call-offer"
	case KindCallAnswer:
		return "call-answer"
	case KindCallICE:
		return "call-ice"
	case KindCallEnd:
		return "call-end"
	default:
		return "unknown"
	}
}

// WireType returns the value carried in the "type" field on the wire.
func (k Kind) WireType() string {
	switch k {
	case KindChatChannel:
		return TypeMessage
	case KindChatDM:
		return TypeDM
	case KindCallOffer:
		return TypeOffer
	case KindCallAnswer:
		return TypeAnswer
	case KindCallICE:
		return TypeICECandidate
	case KindCallEnd:
		return TypeHangup
	default:
		return ""
	}
}

// ParseKind maps a wire type to its Kind. Unrecognised types map to KindUnknown.
func ParseKind(wireType string) Kind {
	switch wireType {
	case TypeMessage:
		return KindChatChannel
	case TypeDM:
		return KindChatDM
	case TypeOffer:
		return KindCallOffer
	case TypeAnswer:
		return KindCallAnswer
	case TypeICECandidate:
		return KindCallICE
	case TypeHangup:
		return KindCallEnd
	default:
		return KindUnknown
	}
}

// IsChat reports whether envelopes of this kind carry a conversation message.
func (k Kind) IsChat() bool {
	return k == KindChatChannel || k == KindChatDM
}

// IsCall reports whether envelopes of this kind are call signaling and need a target.
func (k Kind) IsCall() bool {
	return k >= KindCallOffer && k <= KindCallEnd
}

// Envelope is the unit of exchange on a connection. Data is opaque except for
// the addressing fields of chat messages (channel_id / dm_id).
type Envelope struct {
	Kind         Kind
	Data         map[string]any
	TargetUserID string
	Video        bool
	// SenderUserID is stamped by the relay from the originating connection.
	SenderUserID string
}

// WithSender returns a copy of the envelope stamped with the given sender.
func (e Envelope) WithSender(userID string) Envelope {
	e.SenderUserID = userID
	return e
}

// ConversationID returns the conversation a chat envelope is scoped to, or ""
// for every other kind.
func (e Envelope) ConversationID() string {
	var key string
	switch e.Kind {
	case KindChatChannel:
		key = "channel_id"
	case KindChatDM:
		key = "dm_id"
	default:
		return ""
	}
	id, _ := e.Data[key].(string)
	return id
}

// Encode encodes the envelope into its JSON wire form.
func (e *Envelope) Encode() ([]byte, error) {
	pbEnv, err := e.toProto()
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	data, err := protojson.Marshal(pbEnv)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return data, nil
}

// Decode decodes a JSON wire frame into the envelope.
func (e *Envelope) Decode(data []byte) error {
	pbEnv := &structpb.Struct{}
	if err := protojson.Unmarshal(data, pbEnv); err != nil {
		return fmt.Errorf("failed to decode envelope: %w", err)
	}
	return e.fromProto(pbEnv)
}

// toProto converts the Envelope to a protobuf Struct.
// Only the Struct form reaches the codec, so Data must hold JSON-compatible values.
func (e *Envelope) toProto() (*structpb.Struct, error) {
	if e.Kind == KindUnknown {
		return nil, ErrUnknownKind
	}
	data := e.Data
	if data == nil {
		data = map[string]any{}
	}
	pbData, err := structpb.NewStruct(data)
	if err != nil {
		return nil, fmt.Errorf("data: %w", err)
	}

	fields := map[string]*structpb.Value{
		"type": structpb.NewStringValue(e.Kind.WireType()),
		"data": structpb.NewStructValue(pbData),
	}
	if e.TargetUserID != "" {
		fields["target_user_id"] = structpb.NewStringValue(e.TargetUserID)
	}
	if e.Video {
		fields["video"] = structpb.NewBoolValue(true)
	}
	if e.SenderUserID != "" {
		fields["sender_user_id"] = structpb.NewStringValue(e.SenderUserID)
	}
	return &structpb.Struct{Fields: fields}, nil
}

// fromProto populates the Envelope from a protobuf Struct.
func (e *Envelope) fromProto(pbEnv *structpb.Struct) error {
	fields := pbEnv.GetFields()

	wireType := fields["type"].GetStringValue()
	kind := ParseKind(wireType)
	if kind == KindUnknown {
		return fmt.Errorf("%w: %q", ErrUnknownKind, wireType)
	}

	var data map[string]any
	switch v := fields["data"]; {
	case v == nil:
		data = map[string]any{}
	case v.GetStructValue() != nil:
		data = v.GetStructValue().AsMap()
	case isNull(v):
		data = map[string]any{}
	default:
		return fmt.Errorf("failed to decode envelope: data must be an object")
	}

	*e = Envelope{
		Kind:         kind,
		Data:         data,
		TargetUserID: userIDValue(fields["target_user_id"]),
		Video:        fields["video"].GetBoolValue(),
		SenderUserID: userIDValue(fields["sender_user_id"]),
	}
	return nil
}

func isNull(v *structpb.Value) bool {
	_, ok := v.GetKind().(*structpb.Value_NullValue)
	return ok
}

// userIDValue accepts both string and numeric user ids; clients built on
// integer ids send numbers.
func userIDValue(v *structpb.Value) string {
	if v == nil {
		return ""
	}
	switch k := v.GetKind().(type) {
	case *structpb.Value_StringValue:
		return k.StringValue
	case *structpb.Value_NumberValue:
		return strconv.FormatFloat(k.NumberValue, 'f', -1, 64)
	default:
		return ""
	}
}
