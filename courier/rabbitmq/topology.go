package rabbitmq

import (
	"fmt"

	"github.com/LerianStudio/lib-courier/courier"
	"github.com/LerianStudio/lib-courier/courier/internal/nilcheck"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	dlxSuffix    = ".dlx"
	exchangeKind = "topic"

	// dlqBindingKey routes everything the dead-letter exchange sees into
	// the dead queue.
	dlqBindingKey = "#"
)

// AMQPChannel is the declaration surface needed to provision queues,
// exchanges, and dead-letter topology.
type AMQPChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// DeadLetterExchange names the dead-letter exchange paired with a dead
// queue.
func DeadLetterExchange(deadQueue string) string {
	return deadQueue + dlxSuffix
}

// DeclareDeadLetterTopology declares the dead-letter side of a channel: a
// durable topic exchange named after the dead queue, the dead queue
// itself, and a catch-all binding between them. Declares are idempotent.
func DeclareDeadLetterTopology(ch AMQPChannel, deadQueue string, args amqp.Table) error {
	if nilcheck.Interface(ch) {
		return fmt.Errorf("declare dead letter topology: %w", ErrChannelRequired)
	}

	exchange := DeadLetterExchange(deadQueue)

	if err := ch.ExchangeDeclare(exchange, exchangeKind, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead letter exchange %q: %w", exchange, err)
	}

	if _, err := ch.QueueDeclare(deadQueue, true, false, false, false, args); err != nil {
		return fmt.Errorf("declare dead letter queue %q: %w", deadQueue, err)
	}

	if err := ch.QueueBind(deadQueue, dlqBindingKey, exchange, false, nil); err != nil {
		return fmt.Errorf("bind dead letter queue %q: %w", deadQueue, err)
	}

	return nil
}

// queueArgs builds declaration arguments from a descriptor. Quorum queues
// carry native delivery accounting, delivery limits, and dead-letter
// routing; classic queues skip the quorum-only arguments.
func (gw *Gateway) queueArgs(descriptor courier.ChannelDescriptor, deadQueue string) amqp.Table {
	args := make(amqp.Table)

	if gw.cfg.QueueType == QueueTypeQuorum {
		args[argQueueType] = string(QueueTypeQuorum)
	}

	if descriptor.Retention > 0 {
		args[argMessageTTL] = descriptor.Retention.Milliseconds()
	}

	if descriptor.IsFIFO() {
		// One active consumer at a time keeps queue order across competing
		// pump instances.
		args[argSingleActiveConsumer] = true
	}

	if deadQueue != "" {
		args[argDeadLetterExchange] = DeadLetterExchange(deadQueue)

		if policy := descriptor.DeadLetter; policy != nil && gw.cfg.QueueType == QueueTypeQuorum {
			args[argDeliveryLimit] = int64(policy.MaxReceives)
		}
	}

	if len(args) == 0 {
		return nil
	}

	return args
}
