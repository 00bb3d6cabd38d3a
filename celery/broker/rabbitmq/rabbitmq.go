package rabbitmq

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"github.com/taoh/tutorial/celery/broker"
)

// exchange names must match celery's to avoid fatal errors on declare
const (
	taskExchange  = "celery"
	eventExchange = "celeryev"
)

// Broker implements the RabbitMQ transport
type Broker struct {
	sync.Mutex
	amqpURL string

	connection *amqp.Connection
	channel    *amqp.Channel
	declared   map[string]bool
}

func init() {
	factory := func() broker.Broker { return &Broker{} }
	broker.Register("amqp", factory)
	broker.Register("amqps", factory)
}

func (b *Broker) String() string {
	return fmt.Sprintf("AMQP Broker [%s]", b.amqpURL)
}

// Connect to rabbitmq. A single connection is shared, so the pool limit
// does not apply.
func (b *Broker) Connect(uri string, opts broker.Options) error {
	b.amqpURL = uri
	log.Debugf("Dialing [%s]", uri)
	if opts.PoolLimit > 0 {
		log.Debug("Pool limit is ignored by the amqp broker")
	}

	conn, err := amqp.Dial(b.amqpURL)
	if err != nil {
		return err
	}

	channel, err := conn.Channel()
	if err := closeOnError(conn, err); err != nil {
		return err
	}
	log.Debug("Connected to rabbitmq")

	if err := closeOnError(conn, declareExchanges(channel)); err != nil {
		return err
	}
	log.Debug("Created exchanges")

	b.connection = conn
	b.channel = channel
	b.declared = make(map[string]bool)
	return nil
}

func declareExchanges(channel *amqp.Channel) error {
	if err := newExchange(channel, taskExchange, "direct"); err != nil {
		return err
	}
	return newExchange(channel, eventExchange, "topic")
}

// closeOnError closes c when err is set and passes err through
func closeOnError(c io.Closer, err error) error {
	if err != nil {
		if cerr := c.Close(); cerr != nil {
			log.Warn("Failed to close connection: ", cerr)
		}
	}
	return err
}

// Close the broker and cleans up resources
func (b *Broker) Close() error {
	log.Debug("Closing broker: ", b)
	if b.connection == nil {
		return nil
	}
	return b.connection.Close()
}

// declareQueue creates queue and binds it to the task exchange once
func (b *Broker) declareQueue(queue string) error {
	b.Lock()
	defer b.Unlock()

	if b.declared[queue] {
		return nil
	}
	if _, err := b.channel.QueueDeclare(
		queue, // queue name
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,
	); err != nil {
		return err
	}
	if err := b.channel.QueueBind(
		queue,        // queue name
		queue,        // routing key
		taskExchange, // exchange name
		false,        // noWait
		nil,          // arguments
	); err != nil {
		return err
	}
	b.declared[queue] = true
	return nil
}

// GetTasks waits and fetches the tasks from queue
func (b *Broker) GetTasks(ctx context.Context, queue string) (<-chan *broker.Message, error) {
	if err := b.declareQueue(queue); err != nil {
		return nil, err
	}
	channel, err := b.connection.Channel()
	if err != nil {
		return nil, err
	}
	// one unacked delivery at a time, acked once the worker has it
	if err := channel.Qos(1, 0, false); err != nil {
		channel.Close()
		return nil, err
	}
	deliveries, err := channel.Consume(
		queue,
		"",    // consumer
		false, // autoAck
		false, false, false, nil)
	if err != nil {
		channel.Close()
		return nil, err
	}

	msg := make(chan *broker.Message)
	log.Infof("Waiting for tasks at: %s, queue: %s", b.amqpURL, queue)
	go func() {
		defer close(msg)
		defer channel.Close()
		relay(ctx, deliveries, msg)
	}()
	return msg, nil
}

// relay hands deliveries to msg until ctx is done. A delivery is acked once
// msg took it and returned to the queue otherwise.
func relay(ctx context.Context, deliveries <-chan amqp.Delivery, msg chan<- *broker.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case delivery, ok := <-deliveries:
			if !ok {
				return
			}
			m := &broker.Message{
				Timestamp:   delivery.Timestamp,
				ContentType: delivery.ContentType,
				Body:        delivery.Body,
			}
			select {
			case msg <- m:
				if err := delivery.Ack(false); err != nil {
					log.Error("Failed to ack message: ", err)
				}
			case <-ctx.Done():
				if err := delivery.Nack(false, true); err != nil {
					log.Error("Failed to requeue message: ", err)
				}
				return
			}
		}
	}
}

// PublishTask sends a task to queue
func (b *Broker) PublishTask(ctx context.Context, queue string, message *broker.Message) error {
	if err := b.declareQueue(queue); err != nil {
		return err
	}
	b.Lock()
	defer b.Unlock()
	return b.channel.Publish(taskExchange, queue, false, false, publishing(message))
}

// PublishTaskEvent sends task events to the event exchange
func (b *Broker) PublishTaskEvent(ctx context.Context, routingKey string, message *broker.Message) error {
	b.Lock()
	defer b.Unlock()
	return b.channel.Publish(eventExchange, routingKey, false, false, publishing(message))
}

func publishing(message *broker.Message) amqp.Publishing {
	ts := message.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		Timestamp:    ts,
		ContentType:  message.ContentType,
		Body:         message.Body,
	}
}

func newExchange(channel *amqp.Channel, name string, exchangeType string) error {
	return channel.ExchangeDeclare(
		name,         // exchange name
		exchangeType, // direct or topic
		true,         // durable
		false,        // autoDelete
		false,        // internal
		false,        // noWait
		nil,
	)
}
