package celery

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-errors/errors"
	log "github.com/sirupsen/logrus"

	"github.com/taoh/tutorial/celery/backend"
	"github.com/taoh/tutorial/celery/broker"
	"github.com/taoh/tutorial/celery/serializer"
)

var heartbeatInterval = 2 * time.Second

// workerManager starts and stops worker jobs
type workerManager struct {
	sync.Mutex
	app     *App
	conf    Config
	broker  broker.Broker
	backend backend.Backend
	ticker  *time.Ticker // ticker for heartbeat
	beating chan struct{}
	slots   chan struct{}
	running sync.WaitGroup

	taskExecuted uint64
}

func newWorkerManager(app *App, conf Config, b broker.Broker, be backend.Backend) *workerManager {
	manager := &workerManager{
		app:     app,
		conf:    conf,
		broker:  b,
		backend: be,
	}
	if conf.Concurrency > 0 {
		manager.slots = make(chan struct{}, conf.Concurrency)
	}
	return manager
}

// Start consumes the queues until ctx is done, then waits for running tasks
func (manager *workerManager) Start(ctx context.Context, queues []string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	messages := make(chan queuedMessage)
	var consumers sync.WaitGroup
	for _, queue := range queues {
		ch, err := manager.broker.GetTasks(ctx, queue)
		if err != nil {
			cancel()
			consumers.Wait()
			return fmt.Errorf("consume queue [%s]: %w", queue, err)
		}
		consumers.Add(1)
		go func(queue string, ch <-chan *broker.Message) {
			defer consumers.Done()
			for message := range ch {
				select {
				case messages <- queuedMessage{queue: queue, message: message}:
				case <-ctx.Done():
					manager.requeue(queue, message)
					return
				}
			}
		}(queue, ch)
	}

	log.Debug("Worker is now running")
	manager.sendWorkerEvent(WorkerOnline)
	manager.startHeartbeat()

	for {
		select {
		case <-ctx.Done():
			log.Debug("Received done signal")
			manager.Stop()
			consumers.Wait()
			manager.running.Wait()
			log.Infof("Worker stopped after %d tasks", manager.executed())
			return nil
		case qm := <-messages:
			manager.acquire()
			manager.running.Add(1)
			go func(qm queuedMessage) {
				defer manager.running.Done()
				manager.handle(ctx, qm)
			}(qm)
		}
	}
}

type queuedMessage struct {
	queue   string
	message *broker.Message
}

func (manager *workerManager) acquire() {
	if manager.slots != nil {
		manager.slots <- struct{}{}
	}
}

func (manager *workerManager) release() {
	if manager.slots != nil {
		<-manager.slots
	}
}

// handle is called holding a slot and gives it back before returning
func (manager *workerManager) handle(ctx context.Context, qm queuedMessage) {
	held := true
	defer func() {
		if held {
			manager.release()
		}
	}()

	message := qm.message
	log.Debug("Message type: ", message.ContentType, " body:", string(message.Body))

	serializer, err := serializer.NewSerializer(message.ContentType)
	if err != nil {
		log.Error("Cannot deserialize message: ", err)
		return
	}
	var task Task
	if err := serializer.Deserialize(message.Body, &task); err != nil {
		log.Error("Cannot deserialize message: ", err)
		return
	}
	task.ContentType = message.ContentType // stores the content type for the task

	manager.sendTaskEvent(ctx, &task, TaskReceived, NewTaskReceivedEvent(&task))
	log.Debug("Processing task: ", task.Task, " ID:", task.ID)

	// tasks waiting for their eta don't hold a slot
	if !task.Eta.IsZero() {
		if duration := task.Eta.Sub(time.Now().UTC()); duration > 0 {
			manager.release()
			held = false

			timer := time.NewTimer(duration)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-ctx.Done():
				manager.requeue(qm.queue, message)
				return
			}

			manager.acquire()
			held = true
		}
	}
	// a task that started runs to completion even if the worker is stopping
	manager.runTask(context.WithoutCancel(ctx), &task)
}

// requeue hands an undelivered message back to the broker on shutdown
func (manager *workerManager) requeue(queue string, message *broker.Message) {
	var err error
	if requeuer, ok := manager.broker.(broker.Requeuer); ok {
		err = requeuer.Requeue(context.Background(), queue, message)
	} else {
		err = manager.broker.PublishTask(context.Background(), queue, message)
	}
	if err != nil {
		log.Error("Failed to requeue message: ", err)
	}
}

func (manager *workerManager) startHeartbeat() {
	ticker := time.NewTicker(heartbeatInterval)
	beating := make(chan struct{})
	manager.Lock()
	manager.ticker = ticker
	manager.beating = beating
	manager.Unlock()
	go func() {
		for {
			select {
			case <-beating:
				return
			case <-ticker.C:
				manager.sendWorkerEvent(WorkerHeartbeat)
			}
		}
	}()
}

func (manager *workerManager) stopHeartbeat() {
	manager.Lock()
	defer manager.Unlock()
	if manager.ticker != nil {
		manager.ticker.Stop()
		close(manager.beating)
		manager.ticker = nil
	}
}

// Stop the worker
func (manager *workerManager) Stop() {
	manager.stopHeartbeat()
	manager.sendWorkerEvent(WorkerOffline)
}

func (manager *workerManager) executed() uint64 {
	manager.Lock()
	defer manager.Unlock()
	return manager.taskExecuted
}

func (manager *workerManager) sendTaskEvent(ctx context.Context, task *Task, eventType EventType, event map[string]interface{}) {
	if !manager.conf.EventsEnabled {
		return
	}
	serializer, err := serializer.NewSerializer(task.ContentType)
	if err != nil {
		return
	}
	payload, err := serializer.Serialize(event)
	if err != nil {
		log.Error("Failed to serialize event: ", err)
		return
	}
	err = manager.broker.PublishTaskEvent(ctx, eventType.RoutingKey(),
		&broker.Message{Timestamp: time.Now(), ContentType: task.ContentType, Body: payload})
	if err != nil {
		log.Warn("Failed to publish event: ", err)
	}
}

// Send Worker Events
func (manager *workerManager) sendWorkerEvent(eventType EventType) {
	if !manager.conf.EventsEnabled {
		return
	}
	workerEventPayload, _ := json.Marshal(NewWorkerEvent(eventType, manager.executed()))
	err := manager.broker.PublishTaskEvent(context.Background(), eventType.RoutingKey(),
		&broker.Message{Timestamp: time.Now(), ContentType: JSON, Body: workerEventPayload})
	if err != nil {
		log.Warn("Failed to publish worker event: ", err)
	}
}

// JSON is the content type of worker events
const JSON string = "application/json"

func (manager *workerManager) runTask(ctx context.Context, task *Task) *TaskResult {
	taskResult := &TaskResult{
		ID:     task.ID,
		Status: Started,
	}

	taskEventType := None
	var taskEvent map[string]interface{}

	if worker, ok := manager.app.lookup(task.Task); ok {
		log.Debug("Working on task: ", task.Task)
		manager.sendTaskEvent(ctx, task, TaskStarted, NewTaskStartedEvent(task))

		if !task.Expires.IsZero() && task.Expires.Before(time.Now().UTC()) {
			log.Warn("Task has expired ", task.Expires)
			taskResult.Status = Revoked
			taskResult.Result = "task expired"
			taskEvent = NewTaskRevokedEvent(task)
			taskEventType = TaskRevoked
		} else {
			start := time.Now()
			result, err := execute(worker, task)
			elapsed := time.Since(start)

			manager.Lock()
			manager.taskExecuted = manager.taskExecuted + 1
			manager.Unlock()
			log.Infof("Executed task [%s] [%s] in %f seconds", task.Task, task.ID, elapsed.Seconds())

			if err != nil {
				log.Errorf("Failed to execute task [%s]: %s", task.Task, err)
				taskResult.Status = Failure
				taskResult.Result = err.Error()
				taskResult.TraceBack = err.ErrorStack()
				taskEvent = NewTaskFailedEvent(task, taskResult, err)
				taskEventType = TaskFailed
			} else {
				taskResult.Status = Success
				taskResult.Result = result
				taskEvent = NewTaskSucceedEvent(task, taskResult, elapsed)
				taskEventType = TaskSucceeded
			}
		}
	} else {
		taskError := errors.Errorf("Worker for task [%s] not found", task.Task)
		log.Error(taskError)
		taskResult.Status = Failure
		taskResult.Result = taskError.Error()
		taskResult.TraceBack = taskError.ErrorStack()
		taskEvent = NewTaskFailedEvent(task, taskResult, taskError)
		taskEventType = TaskFailed
	}
	taskResult.DateDone = celeryTime{time.Now().UTC()}

	if manager.backend != nil && !task.IgnoreResult {
		manager.storeResult(ctx, task, taskResult)
	}

	// send task completed event
	if taskEventType != None {
		manager.sendTaskEvent(ctx, task, taskEventType, taskEvent)
	}
	return taskResult
}

// execute runs the worker, turning errors and panics into stack-carrying errors
func execute(worker Worker, task *Task) (result interface{}, taskErr *errors.Error) {
	defer func() {
		if r := recover(); r != nil {
			taskErr = errors.Wrap(r, 2)
		}
	}()
	result, err := worker.Execute(task)
	if err != nil {
		return nil, errors.Wrap(err, 1)
	}
	return result, nil
}

func (manager *workerManager) storeResult(ctx context.Context, task *Task, taskResult *TaskResult) {
	serializer, err := serializer.NewSerializer(task.ContentType)
	if err != nil {
		log.Error("Cannot serialize task result: ", err)
		return
	}
	res, err := serializer.Serialize(taskResult)
	if err != nil {
		log.Error("Cannot serialize task result: ", err)
		return
	}
	err = manager.backend.StoreResult(ctx, task.ID,
		&broker.Message{Timestamp: time.Now(), ContentType: task.ContentType, Body: res})
	if err != nil {
		log.Errorf("Failed to store result of task [%s]: %s", task.ID, err)
	}
}
