package tutorial

import (
	"github.com/taoh/tutorial/celery"
	"github.com/taoh/tutorial/settings"
)

// Celery app wiring for the tutorial site
const (
	Name                  = "tutorial"
	DefaultSettingsModule = "tutorial.settings"
	RedisURL              = "redis://redis:6379"
	RedisMaxConnections   = 10
)

// NewCeleryApp builds the process's celery app. It sets the settings module
// default, points the broker and result backend at redis and discovers the
// tasks of the installed apps. Build it once at startup and pass it on.
func NewCeleryApp(s *settings.Settings) (*celery.App, error) {
	// set the default settings module for the 'celery' program.
	if _, err := settings.SetDefaultModule(DefaultSettingsModule); err != nil {
		return nil, err
	}

	app := celery.New(Name)

	app.Conf.BrokerURL = RedisURL
	app.Conf.ResultBackend = RedisURL
	app.Conf.RedisMaxConnections = RedisMaxConnections
	app.Conf.BrokerPoolLimit = nil
	if err := app.AutodiscoverTasks(s.InstalledApps); err != nil {
		return nil, err
	}
	return app, nil
}
