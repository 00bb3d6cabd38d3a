package celery

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

// DefaultRelatedName is the module looked up in every discovered package
const DefaultRelatedName = "tasks"

// AutodiscoverTasks imports the task module of every package returned by
// packages. The callback runs once, when AutodiscoverTasks is called, so the
// package list is whatever it holds at that moment. Packages without a
// registered "<package>.<relatedName>" module are skipped, and modules
// already imported are not imported again.
func (app *App) AutodiscoverTasks(packages func() ([]string, error), relatedName ...string) error {
	related := DefaultRelatedName
	if len(relatedName) > 0 && relatedName[0] != "" {
		related = relatedName[0]
	}

	names, err := packages()
	if err != nil {
		return fmt.Errorf("autodiscover tasks: %w", err)
	}
	names = append([]string(nil), names...)

	for _, pkg := range names {
		moduleName := pkg + "." + related
		module, ok := LookupTaskModule(moduleName)
		if !ok {
			log.Debug("No task module: ", moduleName)
			continue
		}

		app.mu.RLock()
		seen := app.imported[moduleName]
		app.mu.RUnlock()
		if seen {
			continue
		}

		// a module that failed is imported again by the next call
		if err := module(app); err != nil {
			return fmt.Errorf("import task module [%s]: %w", moduleName, err)
		}
		app.mu.Lock()
		app.imported[moduleName] = true
		app.mu.Unlock()
		log.Debug("Imported task module: ", moduleName)
	}

	app.mu.Lock()
	app.discovered = append(app.discovered, names...)
	app.mu.Unlock()
	return nil
}

// Discovered returns the packages scanned by AutodiscoverTasks so far
func (app *App) Discovered() []string {
	app.mu.RLock()
	defer app.mu.RUnlock()
	return append([]string(nil), app.discovered...)
}
