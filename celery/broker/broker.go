package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Message is the envelope exchanged with a broker
type Message struct {
	Timestamp   time.Time `json:"timestamp"`
	ContentType string    `json:"content_type"`
	RoutingKey  string    `json:"routing_key,omitempty"`
	Body        []byte    `json:"body"`
}

// Options tunes the connection a broker opens
type Options struct {
	// PoolLimit caps the number of pooled broker connections. 0 is unbounded.
	PoolLimit int
}

// Broker implements the underlying transport for the task queue
type Broker interface {
	Connect(uri string, opts Options) error
	// GetTasks delivers messages from queue until ctx is done
	GetTasks(ctx context.Context, queue string) (<-chan *Message, error)
	PublishTask(ctx context.Context, queue string, message *Message) error
	PublishTaskEvent(ctx context.Context, routingKey string, message *Message) error
	Close() error
}

// Requeuer is implemented by brokers that can put a message back at the
// head of its queue, so it is the next one consumed
type Requeuer interface {
	Requeue(ctx context.Context, queue string, message *Message) error
}

// Factory returns an unconnected broker
type Factory func() Broker

var (
	registryMu     sync.RWMutex
	brokerRegistry = make(map[string]Factory)
)

// Register a broker factory for a URL scheme
func Register(scheme string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	brokerRegistry[scheme] = factory
}

// Scheme returns the part of uri before "://"
func Scheme(uri string) string {
	return strings.SplitN(uri, "://", 2)[0]
}

// NewBroker creates and connects a broker based on the uri scheme
func NewBroker(uri string, opts Options) (Broker, error) {
	scheme := Scheme(uri)

	registryMu.RLock()
	factory, ok := brokerRegistry[scheme]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown broker [%s]", scheme)
	}

	b := factory()
	if err := b.Connect(uri, opts); err != nil {
		log.Error("Failed to connect to broker: ", err)
		return nil, fmt.Errorf("connect broker [%s]: %w", scheme, err)
	}
	return b, nil
}
