package celery

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Worker is the definition of task execution
type Worker interface {
	Execute(*Task) (interface{}, error)
}

// WorkerFunc adapts a function to the Worker interface
type WorkerFunc func(*Task) (interface{}, error)

// Execute calls f(task)
func (f WorkerFunc) Execute(task *Task) (interface{}, error) {
	return f(task)
}

// ErrTaskExists is returned when a task name is registered twice
var ErrTaskExists = errors.New("task already registered")

// Register adds the worker for the named task
func (app *App) Register(name string, worker Worker) error {
	if name == "" {
		return errors.New("task name is required")
	}
	if worker == nil {
		return fmt.Errorf("task [%s]: worker is nil", name)
	}
	app.mu.Lock()
	defer app.mu.Unlock()
	if _, ok := app.tasks[name]; ok {
		return fmt.Errorf("task [%s]: %w", name, ErrTaskExists)
	}
	app.tasks[name] = worker
	return nil
}

// RegisterFunc is Register for plain functions
func (app *App) RegisterFunc(name string, fn func(*Task) (interface{}, error)) error {
	return app.Register(name, WorkerFunc(fn))
}

// Tasks returns the registered task names in order
func (app *App) Tasks() []string {
	app.mu.RLock()
	defer app.mu.RUnlock()
	names := make([]string, 0, len(app.tasks))
	for name := range app.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (app *App) lookup(name string) (Worker, bool) {
	app.mu.RLock()
	defer app.mu.RUnlock()
	worker, ok := app.tasks[name]
	return worker, ok
}

// TaskModule registers the tasks one installed component contributes.
// Components register theirs from an init function under
// "<component>.tasks" so AutodiscoverTasks can find them.
type TaskModule func(app *App) error

var (
	modulesMu   sync.RWMutex
	taskModules = make(map[string]TaskModule)
)

// RegisterTaskModule makes a task module discoverable under name
func RegisterTaskModule(name string, module TaskModule) {
	modulesMu.Lock()
	defer modulesMu.Unlock()
	taskModules[name] = module
}

// LookupTaskModule returns the module registered under name
func LookupTaskModule(name string) (TaskModule, bool) {
	modulesMu.RLock()
	defer modulesMu.RUnlock()
	module, ok := taskModules[name]
	return module, ok
}
