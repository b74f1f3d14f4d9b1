package broker

import (
	"context"
	"encoding/json"

	extErrors "github.com/pkg/errors"
	"github.com/streadway/amqp"
)

var _ Producer = &AMQPBroker{}

const billingEventsExchange string = "billing_events"

// AMQPBroker describes a message broker via RabbitMQ
type AMQPBroker struct {
	connection *amqp.Connection
	channel    *amqp.Channel
}

// NewAMQPBroker returns a Message Broker over RabbitMQ
func NewAMQPBroker(amqpURI string) (*AMQPBroker, error) {
	amqpConn, err := amqp.Dial(amqpURI)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot connect to Message Broker")
	}
	amqpChan, err := amqpConn.Channel()
	if err != nil {
		amqpConn.Close()
		return nil, extErrors.Wrap(err, "Cannot create broker channel")
	}
	broker := &AMQPBroker{
		connection: amqpConn,
		channel:    amqpChan,
	}
	if err := broker.setupBillingExchange(); err != nil {
		broker.Close()
		return nil, extErrors.Wrap(err, "Cannot declare exchange for billing events")
	}

	return broker, nil
}

func (a *AMQPBroker) setupBillingExchange() error {
	return a.channel.ExchangeDeclare(
		billingEventsExchange, // name
		"topic",               // type
		true,                  // durable
		false,                 // auto-deleted
		false,                 // internal
		false,                 // no-wait
		nil,                   // arguments
	)
}

// Close will close the channel and connection to release resources
func (a *AMQPBroker) Close() {
	a.channel.Close()
	a.connection.Close()
}

// Publish sends the notification routed by its kind
func (a *AMQPBroker) Publish(ctx context.Context, n *Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := encode(n)
	if err != nil {
		return extErrors.Wrap(err, "Cannot encode message into bytes")
	}
	if err := a.channel.Publish(
		billingEventsExchange,
		string(n.Kind),
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    n.ID,
			Timestamp:    n.OccurredAt,
			Body:         body,
		},
	); err != nil {
		return extErrors.Wrap(err, "Cannot publish notification")
	}
	return nil
}

func encode(n *Notification) ([]byte, error) {
	return json.Marshal(n)
}
