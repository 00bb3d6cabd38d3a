package snippets

import (
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/taoh/tutorial/celery"
)

// Task names
const (
	AddTask        = "snippets.tasks.add"
	CountLinesTask = "snippets.tasks.count_lines"
)

func init() {
	celery.RegisterTaskModule("snippets.tasks", registerTasks)
}

func registerTasks(app *celery.App) error {
	if err := app.RegisterFunc(AddTask, add); err != nil {
		return err
	}
	return app.RegisterFunc(CountLinesTask, countLines)
}

// add sums numeric arguments
func add(task *celery.Task) (interface{}, error) {
	sum := float64(0)
	for i, arg := range task.Args {
		switch v := arg.(type) {
		case float64:
			sum += v
		case int:
			sum += float64(v)
		case int64:
			sum += float64(v)
		default:
			return nil, fmt.Errorf("argument %d is not a number: %v", i, arg)
		}
	}
	log.Debug("task.Args: ", task.Args, " Result: ", sum)
	return sum, nil
}

// countLines counts the lines of the snippet code given as the first argument
// or as the "code" keyword argument
func countLines(task *celery.Task) (interface{}, error) {
	code, ok := task.Kwargs["code"].(string)
	if !ok && len(task.Args) > 0 {
		code, ok = task.Args[0].(string)
	}
	if !ok {
		return nil, fmt.Errorf("%s expects the snippet code", CountLinesTask)
	}
	if code == "" {
		return 0, nil
	}
	return strings.Count(strings.TrimSuffix(code, "\n"), "\n") + 1, nil
}
