package celery

import (
	"os"
	"strings"
	"time"
)

// Version of this worker, reported in worker events
const Version = "0.2.0"

var hostname, _ = os.Hostname()
var pid = os.Getpid()

const (
	identity = "tutorial"
	system   = "golang"
)

// EventType is enum of valid event types in celery
type EventType string

// Valid EventTypes
const (
	None            EventType = "None"
	WorkerOffline   EventType = "worker-offline"
	WorkerHeartbeat EventType = "worker-heartbeat"
	WorkerOnline    EventType = "worker-online"
	TaskRetried     EventType = "task-retried"
	TaskSucceeded   EventType = "task-succeeded"
	TaskStarted     EventType = "task-started"
	TaskReceived    EventType = "task-received"
	TaskFailed      EventType = "task-failed"
	TaskRevoked     EventType = "task-revoked"
)

// RoutingKey returns celery routing keys for events
func (eventType EventType) RoutingKey() string {
	return strings.Replace(string(eventType), "-", ".", -1)
}

// WorkerEvent implements the structure for worker related events
type WorkerEvent struct {
	Type      EventType `json:"type"`
	Ident     string    `json:"sw_ident"`
	Ver       string    `json:"sw_ver"`
	Sys       string    `json:"sw_sys"`
	HostName  string    `json:"hostname"`
	Timestamp int64     `json:"timestamp"`
	Processed uint64    `json:"processed"`
}

// NewWorkerEvent creates new worker events
func NewWorkerEvent(eventType EventType, processed uint64) *WorkerEvent {
	return &WorkerEvent{
		Type:      eventType,
		Ident:     identity,
		Ver:       Version,
		Sys:       system,
		HostName:  hostname,
		Timestamp: time.Now().Unix(),
		Processed: processed,
	}
}

func newTaskEvent(eventType EventType, task *Task) map[string]interface{} {
	return map[string]interface{}{
		"type":      eventType,
		"uuid":      task.ID,
		"hostname":  hostname,
		"timestamp": time.Now().Unix(),
	}
}

// NewTaskReceivedEvent creates new event for task received
func NewTaskReceivedEvent(task *Task) map[string]interface{} {
	event := newTaskEvent(TaskReceived, task)
	event["name"] = task.Task
	event["args"] = task.Args
	event["kwargs"] = task.Kwargs
	event["retries"] = task.Retries
	event["eta"] = task.Eta
	event["expires"] = task.Expires
	return event
}

// NewTaskStartedEvent creates new event for task started
func NewTaskStartedEvent(task *Task) map[string]interface{} {
	event := newTaskEvent(TaskStarted, task)
	event["pid"] = pid
	return event
}

// NewTaskFailedEvent creates new event for task failed
func NewTaskFailedEvent(task *Task, taskResult *TaskResult, err error) map[string]interface{} {
	event := newTaskEvent(TaskFailed, task)
	event["exception"] = err.Error()
	event["traceback"] = taskResult.TraceBack
	return event
}

// NewTaskRevokedEvent creates new event for a task dropped after it expired
func NewTaskRevokedEvent(task *Task) map[string]interface{} {
	event := newTaskEvent(TaskRevoked, task)
	event["expired"] = true
	event["terminated"] = false
	return event
}

// NewTaskSucceedEvent creates new event for task succeeded
func NewTaskSucceedEvent(task *Task, taskResult *TaskResult, runtime time.Duration) map[string]interface{} {
	event := newTaskEvent(TaskSucceeded, task)
	event["result"] = taskResult.Result
	event["runtime"] = runtime.Seconds()
	return event
}
