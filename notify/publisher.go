package notify

import "context"

// Publisher hands encoded notifications to a message broker
type Publisher interface {
	Publish(ctx context.Context, n *Notification) error
	Close()
}
