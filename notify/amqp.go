package notify

import (
	"context"

	extErrors "github.com/pkg/errors"
	"github.com/streadway/amqp"
)

var _ Publisher = &AMQPPublisher{}

const notificationExchange string = "billing_notifications"

// AMQPPublisher publishes notifications via RabbitMQ, routed by notification type
type AMQPPublisher struct {
	connection *amqp.Connection
	channel    *amqp.Channel
}

// NewAMQPPublisher returns a Publisher over RabbitMQ
func NewAMQPPublisher(amqpURI string) (*AMQPPublisher, error) {
	amqpConn, err := amqp.Dial(amqpURI)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot connect to Message Broker")
	}
	amqpChan, err := amqpConn.Channel()
	if err != nil {
		amqpConn.Close()
		return nil, extErrors.Wrap(err, "Cannot create broker channel")
	}
	publisher := &AMQPPublisher{
		connection: amqpConn,
		channel:    amqpChan,
	}
	if err := publisher.setupExchange(); err != nil {
		publisher.Close()
		return nil, extErrors.Wrap(err, "Cannot declare exchange for notifications")
	}
	return publisher, nil
}

func (a *AMQPPublisher) setupExchange() error {
	return a.channel.ExchangeDeclare(
		notificationExchange, // name
		"direct",             // type
		true,                 // durable
		false,                // auto-deleted
		false,                // internal
		false,                // no-wait
		nil,                  // arguments
	)
}

// Close will close the channel and connection to release resources
func (a *AMQPPublisher) Close() {
	a.channel.Close()
	a.connection.Close()
}

// Publish sends n with its type as the routing key
func (a *AMQPPublisher) Publish(ctx context.Context, n *Notification) error {
	body, err := n.Marshal()
	if err != nil {
		return extErrors.Wrap(err, "Cannot encode message into bytes")
	}
	if err := a.channel.Publish(
		notificationExchange,
		string(n.Type),
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/x-protobuf",
			DeliveryMode: amqp.Persistent,
			MessageId:    n.UserID + ":" + n.ReferenceID,
			Timestamp:    n.CreatedAt,
			Body:         body,
		},
	); err != nil {
		return extErrors.Wrap(err, "Cannot publish notification")
	}
	return nil
}
