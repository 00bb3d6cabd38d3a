// Package celery is a Go implementation of the celery task queue used by
// the tutorial application. It allows you to enqueue a task and execute it
// using the go runtime.
//
// An App is the application handle: set its Conf, register tasks (directly
// or through AutodiscoverTasks), then Connect. Brokers are selected by the
// scheme of the broker url; redis, amqp and nats are supported. Results are
// stored in the redis result backend under celery's "celery-task-meta-" keys.
package celery
