package redis

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gomodule/redigo/redis"
	log "github.com/sirupsen/logrus"

	"github.com/taoh/tutorial/celery/broker"
)

const (
	// TaskEventChannel for task event pubsub
	TaskEventChannel string = "celeryev"

	// pollTimeout bounds each BRPOP so cancellation is noticed
	pollTimeout = 1
)

// Broker implements the redis transport: tasks are LPUSHed onto a list
// named after the queue and consumed with BRPOP.
type Broker struct {
	redisURL string

	pool *redis.Pool
}

func init() {
	factory := func() broker.Broker { return &Broker{} }
	broker.Register("redis", factory)
	broker.Register("rediss", factory)
}

// NewPool builds a redigo pool for uri. maxActive of 0 leaves the pool unbounded;
// otherwise callers wait for a free connection instead of failing.
func NewPool(uri string, maxActive int) *redis.Pool {
	return &redis.Pool{
		MaxIdle:     3,
		MaxActive:   maxActive,
		Wait:        maxActive > 0,
		IdleTimeout: 240 * time.Second,
		Dial: func() (redis.Conn, error) {
			return redis.DialURL(uri)
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}
}

// Connect to redis and verify the server answers
func (b *Broker) Connect(uri string, opts broker.Options) error {
	if broker.Scheme(uri) == uri {
		return errors.New("invalid redis URL")
	}
	b.redisURL = uri
	log.Debugf("Dialing [%s]", b.redisURL)

	b.pool = NewPool(uri, opts.PoolLimit)

	conn := b.pool.Get()
	defer conn.Close()
	if _, err := conn.Do("PING"); err != nil {
		b.pool.Close()
		return err
	}

	log.WithField("pool_limit", opts.PoolLimit).Debug("Connected to redis")
	return nil
}

// Pool exposes the connection pool
func (b *Broker) Pool() *redis.Pool {
	return b.pool
}

// Close the broker and cleans up resources
func (b *Broker) Close() error {
	log.Debug("Closing broker: ", b.redisURL)
	if b.pool == nil {
		return nil
	}
	return b.pool.Close()
}

// GetTasks waits and fetches the tasks from queue
func (b *Broker) GetTasks(ctx context.Context, queue string) (<-chan *broker.Message, error) {
	msg := make(chan *broker.Message)

	log.Infof("Waiting for tasks at: %s, queue: %s", b.redisURL, queue)
	go func() {
		defer close(msg)
		for ctx.Err() == nil {
			body, err := b.pop(ctx, queue)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Error("Failed to fetch task: ", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
				continue
			}
			if body == nil {
				continue
			}
			m := &broker.Message{}
			if err := json.Unmarshal(body, m); err != nil {
				log.Error("Failed to unmarshal message: ", err)
				continue
			}
			select {
			case msg <- m:
			case <-ctx.Done():
				// put it back so another worker can pick it up
				if err := b.push(context.Background(), "RPUSH", queue, body); err != nil {
					log.Error("Failed to requeue message: ", err)
				}
				return
			}
		}
	}()
	return msg, nil
}

// pop returns nil, nil when the queue stayed empty for pollTimeout
func (b *Broker) pop(ctx context.Context, queue string) ([]byte, error) {
	conn, err := b.pool.GetContext(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	reply, err := redis.ByteSlices(conn.Do("BRPOP", queue, pollTimeout))
	if err == redis.ErrNil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return reply[1], nil
}

// push adds body to queue. LPUSH enqueues at the tail, RPUSH at the head
// BRPOP takes from.
func (b *Broker) push(ctx context.Context, command, queue string, body []byte) error {
	conn, err := b.pool.GetContext(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = conn.Do(command, queue, body)
	return err
}

// PublishTask sends a task to queue
func (b *Broker) PublishTask(ctx context.Context, queue string, message *broker.Message) error {
	bytes, err := json.Marshal(message)
	if err != nil {
		log.Error("Failed to marshal message: ", err)
		return err
	}
	if err := b.push(ctx, "LPUSH", queue, bytes); err != nil {
		log.Error("Failed to publish message: ", err)
		return err
	}

	log.Debug("Published Task to queue: ", queue)
	return nil
}

// Requeue puts message back where the next BRPOP finds it
func (b *Broker) Requeue(ctx context.Context, queue string, message *broker.Message) error {
	bytes, err := json.Marshal(message)
	if err != nil {
		return err
	}
	return b.push(ctx, "RPUSH", queue, bytes)
}

// PublishTaskEvent sends task events to the event channel
func (b *Broker) PublishTaskEvent(ctx context.Context, routingKey string, message *broker.Message) error {
	message.RoutingKey = routingKey
	bytes, err := json.Marshal(message)
	if err != nil {
		log.Error("Failed to marshal message: ", err)
		return err
	}
	conn, err := b.pool.GetContext(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = conn.Do("PUBLISH", TaskEventChannel, bytes)
	return err
}
