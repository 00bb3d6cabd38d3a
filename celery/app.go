package celery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"github.com/taoh/tutorial/celery/backend"
	"github.com/taoh/tutorial/celery/broker"
	"github.com/taoh/tutorial/celery/serializer"

	// result backends
	_ "github.com/taoh/tutorial/celery/backend/redis"
	// brokers
	_ "github.com/taoh/tutorial/celery/broker/nats"
	_ "github.com/taoh/tutorial/celery/broker/rabbitmq"
	_ "github.com/taoh/tutorial/celery/broker/redis"
)

var (
	// ErrNotConnected is returned when tasks are sent or consumed before Connect
	ErrNotConnected = errors.New("app is not connected")
	// ErrNoBackend is returned when results are requested without a result backend
	ErrNoBackend = errors.New("no result backend configured")
)

// App is the task queue application handle. Set Conf, register tasks,
// then call Connect before sending or consuming tasks.
type App struct {
	Main string
	Conf *Config

	mu         sync.RWMutex
	tasks      map[string]Worker
	imported   map[string]bool
	discovered []string

	connected  bool
	conf       Config // frozen by Connect
	broker     broker.Broker
	backend    backend.Backend
	serializer serializer.Serializer
	cron       *cron.Cron
}

// New creates an App named main with the default configuration
func New(main string) *App {
	return &App{
		Main:     main,
		Conf:     DefaultConfig(),
		tasks:    make(map[string]Worker),
		imported: make(map[string]bool),
		cron:     cron.New(cron.WithSeconds()),
	}
}

// SetupLogLevel points logrus at stderr with the given level. Invalid levels
// fall back to info.
func SetupLogLevel(logLevel string) {
	log.SetOutput(os.Stderr)
	level, err := log.ParseLevel(logLevel)
	if err != nil {
		log.Warnf("Failed to set log level: %s. Use default: info", logLevel)
		level = log.InfoLevel
	}
	log.SetLevel(level)

	log.Debug("Log Level: ", level)
}

// Connect validates the configuration, freezes it and opens the broker and
// result backend. Calling it again is a no-op.
func (app *App) Connect() error {
	app.mu.Lock()
	defer app.mu.Unlock()
	if app.connected {
		return nil
	}

	if err := app.Conf.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	conf := app.Conf.clone()

	s, err := serializer.NewSerializer(conf.TaskSerializer)
	if err != nil {
		return err
	}

	b, err := broker.NewBroker(conf.BrokerURL, broker.Options{PoolLimit: conf.brokerPoolLimit()})
	if err != nil {
		return err
	}
	log.Debug("Connected to broker: ", conf.BrokerURL)

	var be backend.Backend
	if conf.ResultBackend != "" {
		be, err = backend.NewBackend(conf.ResultBackend, backend.Options{
			MaxConnections: conf.RedisMaxConnections,
			Expires:        conf.ResultExpires,
		})
		if err != nil {
			b.Close()
			return err
		}
		log.Debug("Connected to result backend: ", conf.ResultBackend)
	}

	app.conf = conf
	app.broker = b
	app.backend = be
	app.serializer = s
	app.connected = true
	return nil
}

// Close disconnects from the broker and result backend and stops the scheduler.
// Use a defer statement to make sure resources are closed
func (app *App) Close() error {
	app.StopBeat()

	app.mu.Lock()
	defer app.mu.Unlock()
	if !app.connected {
		return nil
	}
	app.connected = false

	var errs []error
	if err := app.broker.Close(); err != nil {
		errs = append(errs, err)
	}
	if app.backend != nil {
		if err := app.backend.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	log.Info("tutorial celery app closed.")
	return errors.Join(errs...)
}

// connection returns the frozen state, or ErrNotConnected
func (app *App) connection() (Config, broker.Broker, backend.Backend, serializer.Serializer, error) {
	app.mu.RLock()
	defer app.mu.RUnlock()
	if !app.connected {
		return Config{}, nil, nil, nil, ErrNotConnected
	}
	return app.conf, app.broker, app.backend, app.serializer, nil
}

// TaskOptions are the per call options of SendTask
type TaskOptions struct {
	Kwargs map[string]interface{}
	// Queue overrides the default queue
	Queue string
	// Countdown delays execution; ignored when ETA is set
	Countdown time.Duration
	ETA       time.Time
	Expires   time.Time
	// IgnoreResult tells the worker not to store the result
	IgnoreResult bool
}

// SendTask publishes the named task. The returned AsyncResult can be used
// to wait for the outcome unless the result was ignored.
func (app *App) SendTask(ctx context.Context, name string, args []interface{}, opts *TaskOptions) (*AsyncResult, error) {
	conf, b, _, s, err := app.connection()
	if err != nil {
		return nil, err
	}
	if opts == nil {
		opts = &TaskOptions{}
	}

	task := &Task{
		Task:         name,
		ID:           uuid.NewString(),
		Args:         args,
		Kwargs:       opts.Kwargs,
		IgnoreResult: opts.IgnoreResult,
	}
	if task.Args == nil {
		task.Args = []interface{}{}
	}
	if task.Kwargs == nil {
		task.Kwargs = map[string]interface{}{}
	}
	switch {
	case !opts.ETA.IsZero():
		task.Eta = celeryTime{opts.ETA.UTC()}
	case opts.Countdown > 0:
		task.Eta = celeryTime{time.Now().UTC().Add(opts.Countdown)}
	}
	if !opts.Expires.IsZero() {
		task.Expires = celeryTime{opts.Expires.UTC()}
	}

	body, err := s.Serialize(task)
	if err != nil {
		return nil, fmt.Errorf("serialize task [%s]: %w", name, err)
	}
	queue := opts.Queue
	if queue == "" {
		queue = conf.DefaultQueue
	}
	message := &broker.Message{
		Timestamp:   time.Now(),
		ContentType: conf.TaskSerializer,
		Body:        body,
	}
	if err := b.PublishTask(ctx, queue, message); err != nil {
		return nil, fmt.Errorf("publish task [%s]: %w", name, err)
	}
	log.WithFields(log.Fields{"task": name, "id": task.ID, "queue": queue}).Debug("Task sent")

	return &AsyncResult{ID: task.ID, TaskName: name, app: app}, nil
}

// Delay sends the task with positional arguments and default options
func (app *App) Delay(ctx context.Context, name string, args ...interface{}) (*AsyncResult, error) {
	return app.SendTask(ctx, name, args, nil)
}

// StartWorkers consumes tasks from the given queues, or the default queue,
// until ctx is done.
func (app *App) StartWorkers(ctx context.Context, queues ...string) error {
	conf, b, be, _, err := app.connection()
	if err != nil {
		return err
	}
	if len(queues) == 0 {
		queues = []string{conf.DefaultQueue}
	}
	manager := newWorkerManager(app, conf, b, be)
	log.Info("tutorial worker started.")
	return manager.Start(ctx, queues)
}

// AddPeriodicTask enqueues the named task each time the cron spec fires.
// Spec has a leading seconds field, e.g. "*/5 * * * * *".
func (app *App) AddPeriodicTask(spec string, name string, args []interface{}) (cron.EntryID, error) {
	return app.cron.AddFunc(spec, func() {
		log.Infof("Running scheduled task %s: %s", spec, name)
		if _, err := app.SendTask(context.Background(), name, args, &TaskOptions{IgnoreResult: true}); err != nil {
			log.Errorf("Failed to send scheduled task [%s]: %s", name, err)
		}
	})
}

// Schedule lists the periodic tasks
func (app *App) Schedule() []cron.Entry {
	return app.cron.Entries()
}

// StartBeat starts running periodic tasks in the background
func (app *App) StartBeat() {
	app.cron.Start()
	log.Info("beat started.")
}

// StopBeat stops the scheduler and waits for running jobs
func (app *App) StopBeat() {
	<-app.cron.Stop().Done()
}
