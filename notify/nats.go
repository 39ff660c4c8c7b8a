package notify

import (
	"context"

	"github.com/nats-io/nats.go"
	extErrors "github.com/pkg/errors"
)

var _ Publisher = &NATSPublisher{}

const natsSubjectPrefix = "billing.notifications."

// NATSPublisher publishes notifications on a subject per notification type
type NATSPublisher struct {
	conn *nats.Conn
}

// NewNATSPublisher connects to the NATS server at url
func NewNATSPublisher(url string) (*NATSPublisher, error) {
	conn, err := nats.Connect(url, nats.Name("subledger"))
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot connect to NATS")
	}
	return &NATSPublisher{
		conn: conn,
	}, nil
}

// Close drains pending messages and closes the connection
func (n *NATSPublisher) Close() {
	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
	}
}

// Publish sends the notification and flushes so the server has it before we report success
func (n *NATSPublisher) Publish(ctx context.Context, notification *Notification) error {
	body, err := notification.Marshal()
	if err != nil {
		return extErrors.Wrap(err, "Cannot encode message into bytes")
	}
	if err := n.conn.Publish(natsSubjectPrefix+string(notification.Type), body); err != nil {
		return extErrors.Wrap(err, "Cannot publish notification")
	}
	if err := n.conn.FlushWithContext(ctx); err != nil {
		return extErrors.Wrap(err, "Cannot flush notification")
	}
	return nil
}
