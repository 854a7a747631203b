package relaypb

import (
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"
)

const (
	fieldStatus  = "status"
	fieldMessage = "message"
)

// NewEvent builds the wire message for one status event.
func NewEvent(status, message string) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldStatus:  structpb.NewStringValue(status),
		fieldMessage: structpb.NewStringValue(message),
	}}
}

// EventFields extracts status and message from a wire message. Both must be
// present and be strings.
func EventFields(msg *structpb.Struct) (status, message string, err error) {
	if msg == nil {
		return "", "", fmt.Errorf("empty event")
	}
	status, err = stringField(msg, fieldStatus)
	if err != nil {
		return "", "", err
	}
	message, err = stringField(msg, fieldMessage)
	if err != nil {
		return "", "", err
	}
	return status, message, nil
}

func stringField(msg *structpb.Struct, name string) (string, error) {
	v, ok := msg.GetFields()[name]
	if !ok {
		return "", fmt.Errorf("missing field %q", name)
	}
	s, ok := v.GetKind().(*structpb.Value_StringValue)
	if !ok {
		return "", fmt.Errorf("field %q is not a string", name)
	}
	return s.StringValue, nil
}
