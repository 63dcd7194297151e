// Package chatpb describes the videoanalyzer.chat wire schema spoken by the
// analysis worker. The descriptors are assembled at init from descriptorpb so
// the bridge can exchange dynamicpb messages over the standard gRPC proto codec
// without generated code. proto/videoanalyzer/chat/chat.proto mirrors it.
package chatpb

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
)

const (
	FileName    = "videoanalyzer/chat/chat.proto"
	Package     = "videoanalyzer.chat"
	ServiceName = Package + ".ChatService"

	StreamResponsesMethod = "/" + ServiceName + "/StreamResponses"
	GetHistoryMethod      = "/" + ServiceName + "/GetHistory"
	SendMessageMethod     = "/" + ServiceName + "/SendMessage"
)

var (
	fileDesc protoreflect.FileDescriptor

	messageDesc      protoreflect.MessageDescriptor
	sendRequestDesc  protoreflect.MessageDescriptor
	sendResponseDesc protoreflect.MessageDescriptor
	frameDesc        protoreflect.MessageDescriptor
	historyReqDesc   protoreflect.MessageDescriptor
	historyRespDesc  protoreflect.MessageDescriptor
)

func init() {
	fd, err := protodesc.NewFile(fileProto(), nil)
	if err != nil {
		panic(fmt.Sprintf("chatpb: build descriptor: %v", err))
	}
	// Registration lets grpc reflection describe the service; a second copy of
	// the same file (e.g. generated code linked in) is tolerated.
	if _, err := protoregistry.GlobalFiles.FindFileByPath(FileName); err != nil {
		_ = protoregistry.GlobalFiles.RegisterFile(fd)
	}
	fileDesc = fd
	msgs := fd.Messages()
	messageDesc = msgs.ByName("Message")
	sendRequestDesc = msgs.ByName("SendMessageRequest")
	sendResponseDesc = msgs.ByName("SendMessageResponse")
	frameDesc = msgs.ByName("StreamResponse")
	historyReqDesc = msgs.ByName("GetHistoryRequest")
	historyRespDesc = msgs.ByName("GetHistoryResponse")
}

// File returns the descriptor of chat.proto.
func File() protoreflect.FileDescriptor { return fileDesc }

// Service returns the ChatService descriptor.
func Service() protoreflect.ServiceDescriptor {
	return fileDesc.Services().ByName("ChatService")
}

// Field numbers follow declaration order in the Python worker's proto.
func fileProto() *descriptorpb.FileDescriptorProto {
	str := descriptorpb.FieldDescriptorProto_TYPE_STRING
	i64 := descriptorpb.FieldDescriptorProto_TYPE_INT64
	i32 := descriptorpb.FieldDescriptorProto_TYPE_INT32
	flt := descriptorpb.FieldDescriptorProto_TYPE_FLOAT
	boo := descriptorpb.FieldDescriptorProto_TYPE_BOOL
	msg := descriptorpb.FieldDescriptorProto_TYPE_MESSAGE

	message := ".videoanalyzer.chat.Message"

	partial := scalar("partial_text", 1, str)
	partial.OneofIndex = proto.Int32(0)
	payload := field("message", 2, msg, message)
	payload.OneofIndex = proto.Int32(0)

	return &descriptorpb.FileDescriptorProto{
		Name:    proto.String(FileName),
		Package: proto.String(Package),
		Syntax:  proto.String("proto3"),
		MessageType: []*descriptorpb.DescriptorProto{
			{
				Name: proto.String("Message"),
				Field: []*descriptorpb.FieldDescriptorProto{
					scalar("id", 1, str),
					scalar("conversation_id", 2, str),
					scalar("sender", 3, str),
					scalar("text", 4, str),
					scalar("created_at", 5, i64),
					scalar("confidence", 6, flt),
					scalar("needs_clarification", 7, boo),
					repeated(scalar("attachments", 8, str)),
					scalar("metadata_json", 9, str),
				},
			},
			{
				Name: proto.String("SendMessageRequest"),
				Field: []*descriptorpb.FieldDescriptorProto{
					scalar("conversation_id", 1, str),
					field("message", 2, msg, message),
					scalar("stream_responses", 3, boo),
				},
			},
			{
				Name: proto.String("SendMessageResponse"),
				Field: []*descriptorpb.FieldDescriptorProto{
					field("stored_message", 1, msg, message),
				},
			},
			{
				Name:      proto.String("StreamResponse"),
				Field:     []*descriptorpb.FieldDescriptorProto{partial, payload, scalar("done", 3, boo)},
				OneofDecl: []*descriptorpb.OneofDescriptorProto{{Name: proto.String("payload")}},
			},
			{
				Name: proto.String("GetHistoryRequest"),
				Field: []*descriptorpb.FieldDescriptorProto{
					scalar("conversation_id", 1, str),
					scalar("limit", 2, i32),
					scalar("offset", 3, i32),
				},
			},
			{
				Name: proto.String("GetHistoryResponse"),
				Field: []*descriptorpb.FieldDescriptorProto{
					repeated(field("messages", 1, msg, message)),
				},
			},
		},
		Service: []*descriptorpb.ServiceDescriptorProto{{
			Name: proto.String("ChatService"),
			Method: []*descriptorpb.MethodDescriptorProto{
				{
					Name:       proto.String("SendMessage"),
					InputType:  proto.String(".videoanalyzer.chat.SendMessageRequest"),
					OutputType: proto.String(".videoanalyzer.chat.SendMessageResponse"),
				},
				{
					Name:            proto.String("StreamResponses"),
					InputType:       proto.String(".videoanalyzer.chat.SendMessageRequest"),
					OutputType:      proto.String(".videoanalyzer.chat.StreamResponse"),
					ServerStreaming: proto.Bool(true),
				},
				{
					Name:       proto.String("GetHistory"),
					InputType:  proto.String(".videoanalyzer.chat.GetHistoryRequest"),
					OutputType: proto.String(".videoanalyzer.chat.GetHistoryResponse"),
				},
			},
		}},
	}
}

func scalar(name string, number int32, typ descriptorpb.FieldDescriptorProto_Type) *descriptorpb.FieldDescriptorProto {
	return &descriptorpb.FieldDescriptorProto{
		Name:     proto.String(name),
		Number:   proto.Int32(number),
		Type:     typ.Enum(),
		Label:    descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
		JsonName: proto.String(jsonName(name)),
	}
}

func field(name string, number int32, typ descriptorpb.FieldDescriptorProto_Type, typeName string) *descriptorpb.FieldDescriptorProto {
	f := scalar(name, number, typ)
	f.TypeName = proto.String(typeName)
	return f
}

func repeated(f *descriptorpb.FieldDescriptorProto) *descriptorpb.FieldDescriptorProto {
	f.Label = descriptorpb.FieldDescriptorProto_LABEL_REPEATED.Enum()
	return f
}

// jsonName applies protoc's lowerCamelCase rule.
func jsonName(name string) string {
	out := make([]byte, 0, len(name))
	upper := false
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c == '_' {
			upper = true
			continue
		}
		if upper && 'a' <= c && c <= 'z' {
			c -= 'a' - 'A'
		}
		upper = false
		out = append(out, c)
	}
	return string(out)
}
