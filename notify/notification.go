package notify

import (
	"time"

	extErrors "github.com/pkg/errors"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Type is the kind of user notification fired by a subscription transition
type Type string

// Defining the notifications billing emits
const (
	TypeStarted   Type = "SUBSCRIPTION_STARTED"
	TypeRenewed   Type = "SUBSCRIPTION_RENEWED"
	TypeFailed    Type = "SUBSCRIPTION_FAILED"
	TypeCancelled Type = "SUBSCRIPTION_CANCELLED"
)

// Notification is what gets handed to the delivery pipeline
type Notification struct {
	UserID      string
	Type        Type
	ReferenceID string
	CreatedAt   time.Time
}

// Marshal encodes n as a protobuf Struct so consumers need no generated code
func (n *Notification) Marshal() ([]byte, error) {
	s, err := structpb.NewStruct(map[string]interface{}{
		"userId":      n.UserID,
		"type":        string(n.Type),
		"referenceId": n.ReferenceID,
		"createdAt":   n.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot build notification body")
	}
	return proto.Marshal(s)
}

// Unmarshal decodes a body produced by Marshal
func Unmarshal(body []byte) (*Notification, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(body, &s); err != nil {
		return nil, extErrors.Wrap(err, "Cannot decode notification body")
	}
	fields := s.GetFields()
	n := &Notification{
		UserID:      fields["userId"].GetStringValue(),
		Type:        Type(fields["type"].GetStringValue()),
		ReferenceID: fields["referenceId"].GetStringValue(),
	}
	if created := fields["createdAt"].GetStringValue(); len(created) > 0 {
		t, err := time.Parse(time.RFC3339Nano, created)
		if err != nil {
			return nil, extErrors.Wrap(err, "Invalid notification timestamp")
		}
		n.CreatedAt = t
	}
	return n, nil
}
