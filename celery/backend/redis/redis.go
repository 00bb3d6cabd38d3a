package redis

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/gomodule/redigo/redis"
	log "github.com/sirupsen/logrus"

	"github.com/taoh/tutorial/celery/backend"
	"github.com/taoh/tutorial/celery/broker"
	redisbroker "github.com/taoh/tutorial/celery/broker/redis"
)

// KeyPrefix is prepended to the task id for every stored result
const KeyPrefix = "celery-task-meta-"

// Backend keeps task results in redis string keys
type Backend struct {
	redisURL string
	opts     backend.Options

	pool *redis.Pool
}

func init() {
	factory := func() backend.Backend { return &Backend{} }
	backend.Register("redis", factory)
	backend.Register("rediss", factory)
}

// Key returns the redis key holding the result of taskID
func Key(taskID string) string {
	return KeyPrefix + taskID
}

// Connect to redis and verify the server answers
func (b *Backend) Connect(uri string, opts backend.Options) error {
	if broker.Scheme(uri) == uri {
		return errors.New("invalid redis URL")
	}
	b.redisURL = uri
	b.opts = opts
	b.pool = redisbroker.NewPool(uri, opts.MaxConnections)

	conn := b.pool.Get()
	defer conn.Close()
	if _, err := conn.Do("PING"); err != nil {
		b.pool.Close()
		return err
	}

	log.WithField("max_connections", opts.MaxConnections).Debug("Connected to result backend")
	return nil
}

// Pool exposes the connection pool
func (b *Backend) Pool() *redis.Pool {
	return b.pool
}

// Close releases the pool
func (b *Backend) Close() error {
	log.Debug("Closing result backend: ", b.redisURL)
	if b.pool == nil {
		return nil
	}
	return b.pool.Close()
}

// StoreResult saves the result and notifies subscribers of the key
func (b *Backend) StoreResult(ctx context.Context, taskID string, message *broker.Message) error {
	bytes, err := json.Marshal(message)
	if err != nil {
		return err
	}
	conn, err := b.pool.GetContext(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	key := Key(taskID)
	if seconds := int64(b.opts.Expires.Seconds()); seconds > 0 {
		_, err = conn.Do("SETEX", key, seconds, bytes)
	} else {
		_, err = conn.Do("SET", key, bytes)
	}
	if err != nil {
		return err
	}
	_, err = conn.Do("PUBLISH", key, bytes)
	log.Debug("Stored Task Result: ", taskID)
	return err
}

// GetResult returns backend.ErrResultNotFound until a result is stored
func (b *Backend) GetResult(ctx context.Context, taskID string) (*broker.Message, error) {
	conn, err := b.pool.GetContext(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	bytes, err := redis.Bytes(conn.Do("GET", Key(taskID)))
	if err == redis.ErrNil {
		return nil, backend.ErrResultNotFound
	}
	if err != nil {
		return nil, err
	}
	m := &broker.Message{}
	if err := json.Unmarshal(bytes, m); err != nil {
		return nil, err
	}
	return m, nil
}

// Forget removes the stored result
func (b *Backend) Forget(ctx context.Context, taskID string) error {
	conn, err := b.pool.GetContext(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = conn.Do("DEL", Key(taskID))
	return err
}
