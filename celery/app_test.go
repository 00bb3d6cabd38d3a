package celery

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gomodule/redigo/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taoh/tutorial/celery/broker"
	redisbroker "github.com/taoh/tutorial/celery/broker/redis"
)

func newRedisApp(t *testing.T) (*App, *miniredis.Miniredis) {
	t.Helper()
	mini := miniredis.RunT(t)

	app := New("test")
	app.Conf.BrokerURL = "redis://" + mini.Addr()
	app.Conf.ResultBackend = "redis://" + mini.Addr()
	app.Conf.RedisMaxConnections = 10
	app.Conf.BrokerPoolLimit = nil
	t.Cleanup(func() { app.Close() })
	return app, mini
}

// startWorker runs the worker until the test ends
func startWorker(t *testing.T, app *App, queues ...string) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.StartWorkers(ctx, queues...) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("worker did not stop")
		}
	})
}

func waitResult(t *testing.T, r *AsyncResult) *TaskResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := r.Get(ctx, 20*time.Millisecond)
	require.NoError(t, err)
	return res
}

func add(task *Task) (interface{}, error) {
	sum := float64(0)
	for _, arg := range task.Args {
		if f, ok := arg.(float64); ok {
			sum += f
		}
	}
	return sum, nil
}

func TestNew_Defaults(t *testing.T) {
	app := New("tutorial")
	assert.Equal(t, "tutorial", app.Main)
	assert.Equal(t, DefaultBrokerURL, app.Conf.BrokerURL)
	require.NotNil(t, app.Conf.BrokerPoolLimit)
	assert.Equal(t, DefaultBrokerPoolLimit, *app.Conf.BrokerPoolLimit)
	assert.Equal(t, DefaultQueue, app.Conf.DefaultQueue)
	assert.Empty(t, app.Tasks())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing broker", func(c *Config) { c.BrokerURL = "" }},
		{"missing queue", func(c *Config) { c.DefaultQueue = "" }},
		{"negative pool limit", func(c *Config) { c.BrokerPoolLimit = PoolLimit(-1) }},
		{"negative max connections", func(c *Config) { c.RedisMaxConnections = -1 }},
		{"negative concurrency", func(c *Config) { c.Concurrency = -2 }},
		{"unknown serializer", func(c *Config) { c.TaskSerializer = "application/x-yaml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultConfig()
			tt.mutate(c)
			assert.Error(t, c.Validate())
		})
	}

	assert.NoError(t, DefaultConfig().Validate())
}

func TestRegister(t *testing.T) {
	app := New("test")
	require.NoError(t, app.RegisterFunc("b.tasks.two", add))
	require.NoError(t, app.RegisterFunc("a.tasks.one", add))

	assert.Equal(t, []string{"a.tasks.one", "b.tasks.two"}, app.Tasks())
	assert.ErrorIs(t, app.RegisterFunc("a.tasks.one", add), ErrTaskExists)
	assert.Error(t, app.RegisterFunc("", add))
	assert.Error(t, app.Register("nil.worker", nil))
}

func TestAutodiscoverTasks(t *testing.T) {
	RegisterTaskModule("discoverone.tasks", func(app *App) error {
		return app.RegisterFunc("discoverone.tasks.add", add)
	})
	RegisterTaskModule("discovertwo.jobs", func(app *App) error {
		return app.RegisterFunc("discovertwo.jobs.add", add)
	})

	app := New("test")
	calls := 0
	err := app.AutodiscoverTasks(func() ([]string, error) {
		calls++
		return []string{"discoverone", "no.tasks.here", "discovertwo"}, nil
	})
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
	assert.Equal(t, []string{"discoverone.tasks.add"}, app.Tasks())
	assert.Equal(t, []string{"discoverone", "no.tasks.here", "discovertwo"}, app.Discovered())

	require.NoError(t, app.AutodiscoverTasks(func() ([]string, error) {
		return []string{"discovertwo"}, nil
	}, "jobs"))
	assert.Equal(t, []string{"discoverone.tasks.add", "discovertwo.jobs.add"}, app.Tasks())
}

func TestAutodiscoverTasks_ImportsModuleOnce(t *testing.T) {
	imports := 0
	RegisterTaskModule("discoveronce.tasks", func(app *App) error {
		imports++
		return app.RegisterFunc("discoveronce.tasks.add", add)
	})

	app := New("test")
	apps := func() ([]string, error) { return []string{"discoveronce"}, nil }
	require.NoError(t, app.AutodiscoverTasks(apps))
	require.NoError(t, app.AutodiscoverTasks(apps))
	assert.Equal(t, 1, imports)
}

func TestAutodiscoverTasks_Errors(t *testing.T) {
	boom := errors.New("settings are not configured")
	app := New("test")
	err := app.AutodiscoverTasks(func() ([]string, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, app.Discovered())

	broken := errors.New("bad module")
	RegisterTaskModule("discoverbroken.tasks", func(*App) error { return broken })
	err = app.AutodiscoverTasks(func() ([]string, error) { return []string{"discoverbroken"}, nil })
	assert.ErrorIs(t, err, broken)
}

func TestAutodiscoverTasks_RetriesFailedModule(t *testing.T) {
	attempts := 0
	RegisterTaskModule("discoverflaky.tasks", func(app *App) error {
		attempts++
		if attempts == 1 {
			return errors.New("not ready")
		}
		return app.RegisterFunc("discoverflaky.tasks.add", add)
	})

	app := New("test")
	apps := func() ([]string, error) { return []string{"discoverflaky"}, nil }
	assert.Error(t, app.AutodiscoverTasks(apps))
	assert.Empty(t, app.Tasks())

	require.NoError(t, app.AutodiscoverTasks(apps))
	assert.Equal(t, 2, attempts)
	assert.Equal(t, []string{"discoverflaky.tasks.add"}, app.Tasks())
}

func TestSendTask_RequiresConnect(t *testing.T) {
	app := New("test")
	_, err := app.Delay(context.Background(), "snippets.tasks.add", 1, 2)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, app.StartWorkers(context.Background()), ErrNotConnected)
}

func TestConnect_Errors(t *testing.T) {
	app := New("test")
	app.Conf.BrokerURL = "sqs://queue"
	assert.Error(t, app.Connect())

	app = New("test")
	app.Conf.BrokerPoolLimit = PoolLimit(-1)
	assert.Error(t, app.Connect())
}

func TestConnect_FreezesConfig(t *testing.T) {
	app, mini := newRedisApp(t)
	require.NoError(t, app.Connect())
	require.NoError(t, app.Connect())

	app.Conf.DefaultQueue = "changed"
	_, err := app.Delay(context.Background(), "snippets.tasks.add", 1)
	require.NoError(t, err)

	items, err := mini.List(DefaultQueue)
	require.NoError(t, err)
	assert.Len(t, items, 1)
	assert.False(t, mini.Exists("changed"))
}

func TestRoundTrip_Success(t *testing.T) {
	app, _ := newRedisApp(t)
	require.NoError(t, app.RegisterFunc("test.add", add))
	require.NoError(t, app.Connect())
	startWorker(t, app)

	r, err := app.Delay(context.Background(), "test.add", 13, 12)
	require.NoError(t, err)

	res := waitResult(t, r)
	assert.Equal(t, Success, res.Status)
	assert.True(t, res.Successful())
	assert.Equal(t, float64(25), res.Result)
	assert.Equal(t, r.ID, res.ID)
	assert.False(t, res.DateDone.IsZero())
}

func TestRoundTrip_Failures(t *testing.T) {
	app, _ := newRedisApp(t)
	require.NoError(t, app.RegisterFunc("test.fail", func(*Task) (interface{}, error) {
		return nil, errors.New("division by zero")
	}))
	require.NoError(t, app.RegisterFunc("test.panic", func(*Task) (interface{}, error) {
		panic("unexpected")
	}))
	require.NoError(t, app.Connect())
	startWorker(t, app)
	ctx := context.Background()

	r, err := app.Delay(ctx, "test.fail")
	require.NoError(t, err)
	res := waitResult(t, r)
	assert.Equal(t, Failure, res.Status)
	assert.Equal(t, "division by zero", res.Result)
	assert.NotEmpty(t, res.TraceBack)

	r, err = app.Delay(ctx, "test.panic")
	require.NoError(t, err)
	res = waitResult(t, r)
	assert.Equal(t, Failure, res.Status)
	assert.Contains(t, res.Result, "unexpected")

	r, err = app.Delay(ctx, "test.missing")
	require.NoError(t, err)
	res = waitResult(t, r)
	assert.Equal(t, Failure, res.Status)
	assert.Contains(t, res.TraceBack, "Worker for task [test.missing] not found")
}

func TestRoundTrip_ExpiredTaskIsRevoked(t *testing.T) {
	app, _ := newRedisApp(t)
	var ran atomic.Bool
	require.NoError(t, app.RegisterFunc("test.expiring", func(*Task) (interface{}, error) {
		ran.Store(true)
		return nil, nil
	}))
	require.NoError(t, app.Connect())
	startWorker(t, app)

	r, err := app.SendTask(context.Background(), "test.expiring", nil, &TaskOptions{
		Expires: time.Now().Add(-time.Minute),
	})
	require.NoError(t, err)

	res := waitResult(t, r)
	assert.Equal(t, Revoked, res.Status)
	assert.False(t, ran.Load())
}

func TestRoundTrip_CountdownAndQueue(t *testing.T) {
	app, _ := newRedisApp(t)
	app.Conf.Concurrency = 1
	require.NoError(t, app.RegisterFunc("test.add", add))
	require.NoError(t, app.Connect())
	startWorker(t, app, "priority")

	start := time.Now()
	r, err := app.SendTask(context.Background(), "test.add", []interface{}{1, 1}, &TaskOptions{
		Queue:     "priority",
		Countdown: 300 * time.Millisecond,
	})
	require.NoError(t, err)

	res := waitResult(t, r)
	assert.Equal(t, Success, res.Status)
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)
}

func TestRoundTrip_IgnoreResult(t *testing.T) {
	app, mini := newRedisApp(t)
	ran := make(chan struct{})
	require.NoError(t, app.RegisterFunc("test.fire", func(*Task) (interface{}, error) {
		close(ran)
		return "done", nil
	}))
	require.NoError(t, app.Connect())
	startWorker(t, app)

	r, err := app.SendTask(context.Background(), "test.fire", nil, &TaskOptions{IgnoreResult: true})
	require.NoError(t, err)

	select {
	case <-ran:
	case <-time.After(10 * time.Second):
		t.Fatal("task did not run")
	}
	assert.Never(t, func() bool {
		return mini.Exists("celery-task-meta-" + r.ID)
	}, 300*time.Millisecond, 50*time.Millisecond)

	state, err := r.State(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Pending, state)
}

func TestAsyncResult_Forget(t *testing.T) {
	app, mini := newRedisApp(t)
	require.NoError(t, app.RegisterFunc("test.add", add))
	require.NoError(t, app.Connect())
	startWorker(t, app)

	r, err := app.Delay(context.Background(), "test.add", 2)
	require.NoError(t, err)
	waitResult(t, r)

	require.NoError(t, r.Forget(context.Background()))
	assert.False(t, mini.Exists("celery-task-meta-"+r.ID))
}

func TestAsyncResult_NoBackend(t *testing.T) {
	app, _ := newRedisApp(t)
	app.Conf.ResultBackend = ""
	require.NoError(t, app.Connect())

	r, err := app.Delay(context.Background(), "test.add", 2)
	require.NoError(t, err)
	_, err = r.State(context.Background())
	assert.ErrorIs(t, err, ErrNoBackend)
}

func TestAddPeriodicTask(t *testing.T) {
	app, mini := newRedisApp(t)
	require.NoError(t, app.Connect())

	_, err := app.AddPeriodicTask("* * * * * *", "test.add", []interface{}{1, 2})
	require.NoError(t, err)
	assert.Len(t, app.Schedule(), 1)

	_, err = app.AddPeriodicTask("not a schedule", "test.add", nil)
	assert.Error(t, err)

	app.StartBeat()
	require.Eventually(t, func() bool {
		items, _ := mini.List(DefaultQueue)
		return len(items) > 0
	}, 5*time.Second, 50*time.Millisecond)
	app.StopBeat()
}

func TestRoundTrip_CountdownDoesNotHoldSlot(t *testing.T) {
	app, _ := newRedisApp(t)
	app.Conf.Concurrency = 1
	require.NoError(t, app.RegisterFunc("test.add", add))
	require.NoError(t, app.Connect())
	startWorker(t, app)

	later, err := app.SendTask(context.Background(), "test.add", []interface{}{1, 1}, &TaskOptions{
		Countdown: 2 * time.Second,
	})
	require.NoError(t, err)
	start := time.Now()
	now, err := app.SendTask(context.Background(), "test.add", []interface{}{2, 3}, nil)
	require.NoError(t, err)

	res := waitResult(t, now)
	assert.Equal(t, Success, res.Status)
	assert.Equal(t, float64(5), res.Result)
	assert.Less(t, time.Since(start), 1500*time.Millisecond)

	state, err := later.State(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Pending, state)

	res = waitResult(t, later)
	assert.Equal(t, Success, res.Status)
}

func TestStartWorkers_RequeuesWaitingTaskOnStop(t *testing.T) {
	app, mini := newRedisApp(t)
	require.NoError(t, app.RegisterFunc("test.add", add))
	require.NoError(t, app.Connect())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.StartWorkers(ctx) }()

	r, err := app.SendTask(context.Background(), "test.add", []interface{}{1, 2}, &TaskOptions{
		Countdown: time.Hour,
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return !mini.Exists(DefaultQueue)
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("worker did not stop")
	}

	items, err := mini.List(DefaultQueue)
	require.NoError(t, err)
	require.Len(t, items, 1)
	var m broker.Message
	require.NoError(t, json.Unmarshal([]byte(items[0]), &m))
	var task Task
	require.NoError(t, json.Unmarshal(m.Body, &task))
	assert.Equal(t, r.ID, task.ID)
	assert.Equal(t, "test.add", task.Task)
}

// subscribeEvents collects the routing keys published on the event channel
func subscribeEvents(t *testing.T, mini *miniredis.Miniredis) <-chan string {
	t.Helper()
	conn, err := redis.Dial("tcp", mini.Addr())
	require.NoError(t, err)
	psc := redis.PubSubConn{Conn: conn}
	require.NoError(t, psc.Subscribe(redisbroker.TaskEventChannel))
	_, ok := psc.Receive().(redis.Subscription)
	require.True(t, ok)

	keys := make(chan string, 256)
	go func() {
		defer close(keys)
		for {
			switch v := psc.Receive().(type) {
			case redis.Message:
				var m broker.Message
				if err := json.Unmarshal(v.Data, &m); err == nil {
					keys <- m.RoutingKey
				}
			case error:
				return
			}
		}
	}()
	t.Cleanup(func() { psc.Close() })
	return keys
}

// eventsUntil reads routing keys up to and including last
func eventsUntil(t *testing.T, keys <-chan string, last string) []string {
	t.Helper()
	var got []string
	for {
		select {
		case key, ok := <-keys:
			require.True(t, ok, "event stream closed")
			got = append(got, key)
			if key == last {
				return got
			}
		case <-time.After(10 * time.Second):
			t.Fatalf("no %s event, got %v", last, got)
		}
	}
}

func withoutHeartbeats(keys []string) []string {
	var out []string
	for _, key := range keys {
		if key != WorkerHeartbeat.RoutingKey() {
			out = append(out, key)
		}
	}
	return out
}

func TestStartWorkers_PublishesEvents(t *testing.T) {
	interval := heartbeatInterval
	heartbeatInterval = 50 * time.Millisecond
	t.Cleanup(func() { heartbeatInterval = interval })

	app, mini := newRedisApp(t)
	require.NoError(t, app.RegisterFunc("test.add", add))
	require.NoError(t, app.Connect())
	keys := subscribeEvents(t, mini)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- app.StartWorkers(ctx) }()

	got := eventsUntil(t, keys, "worker.heartbeat")
	assert.Equal(t, "worker.online", got[0])

	r, err := app.SendTask(context.Background(), "test.add", []interface{}{1, 2}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"task.received", "task.started", "task.succeeded"},
		withoutHeartbeats(eventsUntil(t, keys, "task.succeeded")))
	assert.Equal(t, Success, waitResult(t, r).Status)

	_, err = app.SendTask(context.Background(), "test.add", nil, &TaskOptions{
		Expires: time.Now().Add(-time.Minute),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"task.received", "task.started", "task.revoked"},
		withoutHeartbeats(eventsUntil(t, keys, "task.revoked")))

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("worker did not stop")
	}
	assert.Equal(t, []string{"worker.offline"}, withoutHeartbeats(eventsUntil(t, keys, "worker.offline")))
}

func TestStartWorkers_EventsDisabled(t *testing.T) {
	app, mini := newRedisApp(t)
	app.Conf.EventsEnabled = false
	require.NoError(t, app.RegisterFunc("test.add", add))
	require.NoError(t, app.Connect())
	keys := subscribeEvents(t, mini)
	startWorker(t, app)

	r, err := app.SendTask(context.Background(), "test.add", []interface{}{1, 2}, nil)
	require.NoError(t, err)
	assert.Equal(t, Success, waitResult(t, r).Status)
	assert.Never(t, func() bool { return len(keys) > 0 }, 200*time.Millisecond, 20*time.Millisecond)
}
