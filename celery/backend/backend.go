package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/taoh/tutorial/celery/broker"
)

// ErrResultNotFound is returned while no result has been stored for a task
var ErrResultNotFound = errors.New("task result not found")

// Options tunes the connection a backend opens
type Options struct {
	// MaxConnections caps the pooled connections. 0 is unbounded.
	MaxConnections int
	// Expires is how long stored results are kept. 0 keeps them forever.
	Expires time.Duration
}

// Backend stores and fetches task results
type Backend interface {
	Connect(uri string, opts Options) error
	StoreResult(ctx context.Context, taskID string, message *broker.Message) error
	GetResult(ctx context.Context, taskID string) (*broker.Message, error)
	Forget(ctx context.Context, taskID string) error
	Close() error
}

// Factory returns an unconnected backend
type Factory func() Backend

var (
	registryMu      sync.RWMutex
	backendRegistry = make(map[string]Factory)
)

// Register a backend factory for a URL scheme
func Register(scheme string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	backendRegistry[scheme] = factory
}

// NewBackend creates and connects a backend based on the uri scheme
func NewBackend(uri string, opts Options) (Backend, error) {
	scheme := strings.SplitN(uri, "://", 2)[0]

	registryMu.RLock()
	factory, ok := backendRegistry[scheme]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown result backend [%s]", scheme)
	}

	b := factory()
	if err := b.Connect(uri, opts); err != nil {
		log.Error("Failed to connect to result backend: ", err)
		return nil, fmt.Errorf("connect result backend [%s]: %w", scheme, err)
	}
	return b, nil
}
