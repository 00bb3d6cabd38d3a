package nats

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"github.com/taoh/tutorial/celery/broker"
)

const (
	// TaskEventSubject prefixes the routing key of every event
	TaskEventSubject string = "celeryev"

	// workerGroup makes workers on the same queue compete for messages
	workerGroup = "celery-workers"
)

// Broker implements the NATS transport
type Broker struct {
	natsURL string

	connection *nats.Conn
}

func init() {
	broker.Register("nats", func() broker.Broker { return &Broker{} })
}

// Connect to gnatsd. The client multiplexes one connection, so the pool
// limit does not apply.
func (b *Broker) Connect(uri string, opts broker.Options) error {
	b.natsURL = uri
	log.Debugf("Dialing [%s]", uri)

	conn, err := nats.Connect(b.natsURL)
	if err != nil {
		return err
	}
	b.connection = conn

	log.Debug("Connected to gnatsd")
	return nil
}

// Close the broker and cleans up resources
func (b *Broker) Close() error {
	log.Debug("Closing broker: ", b.natsURL)
	if b.connection != nil {
		b.connection.Close()
	}
	return nil
}

// GetTasks waits and fetches the tasks from queue
func (b *Broker) GetTasks(ctx context.Context, queue string) (<-chan *broker.Message, error) {
	raw := make(chan *nats.Msg, 64)
	subs, err := b.connection.ChanQueueSubscribe(queue, workerGroup, raw)
	if err != nil {
		return nil, err
	}

	msg := make(chan *broker.Message)
	log.Infof("Waiting for tasks at: %s, queue: %s", b.natsURL, queue)
	go func() {
		defer close(msg)
		defer subs.Unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case m := <-raw:
				message := &broker.Message{}
				if err := json.Unmarshal(m.Data, message); err != nil {
					log.Error("Failed to unmarshal message: ", err)
					continue
				}
				select {
				case msg <- message:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return msg, nil
}

// PublishTask sends a task to queue
func (b *Broker) PublishTask(ctx context.Context, queue string, message *broker.Message) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}
	if err := b.connection.Publish(queue, data); err != nil {
		return err
	}

	log.Debug("Published Task to queue: ", queue)
	return nil
}

// PublishTaskEvent sends task events to the event subject
func (b *Broker) PublishTaskEvent(ctx context.Context, routingKey string, message *broker.Message) error {
	message.RoutingKey = routingKey
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}
	return b.connection.Publish(TaskEventSubject+"."+routingKey, data)
}
