package chatpb

import (
	"encoding/json"

	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"
)

// Message is the unit of chat content exchanged with the worker. JSON tags
// match the snake_case objects printed by the worker's client scripts.
type Message struct {
	ID                 string   `json:"id"`
	ConversationID     string   `json:"conversation_id"`
	Sender             string   `json:"sender"`
	Text               string   `json:"text"`
	CreatedAt          int64    `json:"created_at"`
	Confidence         float32  `json:"confidence"`
	NeedsClarification bool     `json:"needs_clarification"`
	Attachments        []string `json:"attachments"`
	MetadataJSON       string   `json:"metadata_json"`
}

// Frame is one StreamResponse. At most one of PartialText and Message is set.
// HasPartial records that the partial_text case was chosen, which an empty
// PartialText alone cannot tell apart from a frame without payload.
type Frame struct {
	PartialText string
	Message     *Message
	Done        bool
	HasPartial  bool
}

// PartialFrame returns a frame carrying one piece of streamed text.
func PartialFrame(text string) Frame { return Frame{PartialText: text, HasPartial: true} }

func (f Frame) partial() bool { return f.Message == nil && (f.HasPartial || f.PartialText != "") }

// frameJSON is the JSON form of a frame: {"partial_text"|"message", "done"}.
type frameJSON struct {
	PartialText *string  `json:"partial_text,omitempty"`
	Message     *Message `json:"message,omitempty"`
	Done        bool     `json:"done"`
}

func (f Frame) MarshalJSON() ([]byte, error) {
	out := frameJSON{Message: f.Message, Done: f.Done}
	if f.partial() {
		text := f.PartialText
		out.PartialText = &text
	}
	return json.Marshal(out)
}

func (f *Frame) UnmarshalJSON(b []byte) error {
	var in frameJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	*f = Frame{Message: in.Message, Done: in.Done}
	if in.PartialText != nil {
		f.PartialText = *in.PartialText
		f.HasPartial = true
	}
	return nil
}

// SendMessageRequest is the request of StreamResponses and SendMessage.
type SendMessageRequest struct {
	ConversationID  string
	Message         Message
	StreamResponses bool
}

// HistoryRequest pages through a conversation's stored messages.
type HistoryRequest struct {
	ConversationID string
	Limit          int32
	Offset         int32
}

// NewFrameMessage returns an empty StreamResponse ready for RecvMsg.
func NewFrameMessage() *dynamicpb.Message { return dynamicpb.NewMessage(frameDesc) }

// NewHistoryResponseMessage returns an empty GetHistoryResponse.
func NewHistoryResponseMessage() *dynamicpb.Message { return dynamicpb.NewMessage(historyRespDesc) }

// NewHistoryRequestMessage returns an empty GetHistoryRequest.
func NewHistoryRequestMessage() *dynamicpb.Message { return dynamicpb.NewMessage(historyReqDesc) }

// NewSendRequestMessage returns an empty SendMessageRequest.
func NewSendRequestMessage() *dynamicpb.Message { return dynamicpb.NewMessage(sendRequestDesc) }

// NewSendResponseMessage returns an empty SendMessageResponse.
func NewSendResponseMessage() *dynamicpb.Message { return dynamicpb.NewMessage(sendResponseDesc) }

// MessageToProto encodes m as a videoanalyzer.chat.Message.
func MessageToProto(m Message) *dynamicpb.Message {
	pm := dynamicpb.NewMessage(messageDesc)
	fields := messageDesc.Fields()
	setString(pm, fields.ByName("id"), m.ID)
	setString(pm, fields.ByName("conversation_id"), m.ConversationID)
	setString(pm, fields.ByName("sender"), m.Sender)
	setString(pm, fields.ByName("text"), m.Text)
	if m.CreatedAt != 0 {
		pm.Set(fields.ByName("created_at"), protoreflect.ValueOfInt64(m.CreatedAt))
	}
	if m.Confidence != 0 {
		pm.Set(fields.ByName("confidence"), protoreflect.ValueOfFloat32(m.Confidence))
	}
	if m.NeedsClarification {
		pm.Set(fields.ByName("needs_clarification"), protoreflect.ValueOfBool(true))
	}
	if len(m.Attachments) > 0 {
		list := pm.Mutable(fields.ByName("attachments")).List()
		for _, a := range m.Attachments {
			list.Append(protoreflect.ValueOfString(a))
		}
	}
	setString(pm, fields.ByName("metadata_json"), m.MetadataJSON)
	return pm
}

// MessageFromProto decodes a videoanalyzer.chat.Message.
func MessageFromProto(pm protoreflect.Message) Message {
	fields := pm.Descriptor().Fields()
	m := Message{
		ID:                 pm.Get(fields.ByName("id")).String(),
		ConversationID:     pm.Get(fields.ByName("conversation_id")).String(),
		Sender:             pm.Get(fields.ByName("sender")).String(),
		Text:               pm.Get(fields.ByName("text")).String(),
		CreatedAt:          pm.Get(fields.ByName("created_at")).Int(),
		Confidence:         float32(pm.Get(fields.ByName("confidence")).Float()),
		NeedsClarification: pm.Get(fields.ByName("needs_clarification")).Bool(),
		MetadataJSON:       pm.Get(fields.ByName("metadata_json")).String(),
	}
	list := pm.Get(fields.ByName("attachments")).List()
	if n := list.Len(); n > 0 {
		m.Attachments = make([]string, 0, n)
		for i := 0; i < n; i++ {
			m.Attachments = append(m.Attachments, list.Get(i).String())
		}
	}
	return m
}

// SendRequestToProto encodes req.
func SendRequestToProto(req SendMessageRequest) *dynamicpb.Message {
	pm := dynamicpb.NewMessage(sendRequestDesc)
	fields := sendRequestDesc.Fields()
	setString(pm, fields.ByName("conversation_id"), req.ConversationID)
	pm.Set(fields.ByName("message"), protoreflect.ValueOfMessage(MessageToProto(req.Message)))
	if req.StreamResponses {
		pm.Set(fields.ByName("stream_responses"), protoreflect.ValueOfBool(true))
	}
	return pm
}

// SendRequestFromProto decodes a SendMessageRequest.
func SendRequestFromProto(pm protoreflect.Message) SendMessageRequest {
	fields := pm.Descriptor().Fields()
	req := SendMessageRequest{
		ConversationID:  pm.Get(fields.ByName("conversation_id")).String(),
		StreamResponses: pm.Get(fields.ByName("stream_responses")).Bool(),
	}
	if fd := fields.ByName("message"); pm.Has(fd) {
		req.Message = MessageFromProto(pm.Get(fd).Message())
	}
	return req
}

// SendResponseToProto wraps the stored message.
func SendResponseToProto(stored Message) *dynamicpb.Message {
	pm := dynamicpb.NewMessage(sendResponseDesc)
	pm.Set(sendResponseDesc.Fields().ByName("stored_message"), protoreflect.ValueOfMessage(MessageToProto(stored)))
	return pm
}

// SendResponseFromProto returns the stored message of a SendMessageResponse.
func SendResponseFromProto(pm protoreflect.Message) Message {
	fd := pm.Descriptor().Fields().ByName("stored_message")
	if !pm.Has(fd) {
		return Message{}
	}
	return MessageFromProto(pm.Get(fd).Message())
}

// FrameToProto encodes f as a StreamResponse.
func FrameToProto(f Frame) *dynamicpb.Message {
	pm := dynamicpb.NewMessage(frameDesc)
	fields := frameDesc.Fields()
	switch {
	case f.Message != nil:
		pm.Set(fields.ByName("message"), protoreflect.ValueOfMessage(MessageToProto(*f.Message)))
	case f.partial():
		pm.Set(fields.ByName("partial_text"), protoreflect.ValueOfString(f.PartialText))
	}
	if f.Done {
		pm.Set(fields.ByName("done"), protoreflect.ValueOfBool(true))
	}
	return pm
}

// FrameFromProto decodes a StreamResponse.
func FrameFromProto(pm protoreflect.Message) Frame {
	desc := pm.Descriptor()
	fields := desc.Fields()
	f := Frame{Done: pm.Get(fields.ByName("done")).Bool()}
	switch which := pm.WhichOneof(desc.Oneofs().ByName("payload")); {
	case which == nil:
	case which.Name() == "partial_text":
		f.PartialText = pm.Get(which).String()
		f.HasPartial = true
	case which.Name() == "message":
		m := MessageFromProto(pm.Get(which).Message())
		f.Message = &m
	}
	return f
}

// HistoryRequestToProto encodes req.
func HistoryRequestToProto(req HistoryRequest) *dynamicpb.Message {
	pm := dynamicpb.NewMessage(historyReqDesc)
	fields := historyReqDesc.Fields()
	setString(pm, fields.ByName("conversation_id"), req.ConversationID)
	if req.Limit != 0 {
		pm.Set(fields.ByName("limit"), protoreflect.ValueOfInt32(req.Limit))
	}
	if req.Offset != 0 {
		pm.Set(fields.ByName("offset"), protoreflect.ValueOfInt32(req.Offset))
	}
	return pm
}

// HistoryRequestFromProto decodes a GetHistoryRequest.
func HistoryRequestFromProto(pm protoreflect.Message) HistoryRequest {
	fields := pm.Descriptor().Fields()
	return HistoryRequest{
		ConversationID: pm.Get(fields.ByName("conversation_id")).String(),
		Limit:          int32(pm.Get(fields.ByName("limit")).Int()),
		Offset:         int32(pm.Get(fields.ByName("offset")).Int()),
	}
}

// HistoryResponseToProto encodes a page of messages.
func HistoryResponseToProto(msgs []Message) *dynamicpb.Message {
	pm := dynamicpb.NewMessage(historyRespDesc)
	if len(msgs) == 0 {
		return pm
	}
	list := pm.Mutable(historyRespDesc.Fields().ByName("messages")).List()
	for _, m := range msgs {
		list.Append(protoreflect.ValueOfMessage(MessageToProto(m)))
	}
	return pm
}

// HistoryResponseFromProto decodes a GetHistoryResponse.
func HistoryResponseFromProto(pm protoreflect.Message) []Message {
	list := pm.Get(pm.Descriptor().Fields().ByName("messages")).List()
	out := make([]Message, 0, list.Len())
	for i := 0; i < list.Len(); i++ {
		out = append(out, MessageFromProto(list.Get(i).Message()))
	}
	return out
}

func setString(pm *dynamicpb.Message, fd protoreflect.FieldDescriptor, v string) {
	if v == "" {
		return
	}
	pm.Set(fd, protoreflect.ValueOfString(v))
}
