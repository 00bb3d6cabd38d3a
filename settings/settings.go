// Package settings holds the web application's settings. They are read
// lazily: nothing is loaded until the first setting is accessed, and the
// settings module is looked up in the environment at that moment.
package settings

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// EnvironmentVariable names the settings module, e.g. "tutorial.settings"
const EnvironmentVariable = "TUTORIAL_SETTINGS_MODULE"

// Settings keys
const (
	KeyInstalledApps = "installed_apps"
	KeyBeatSchedule  = "beat_schedule"
	KeyLogLevel      = "log_level"
)

var (
	// ErrImproperlyConfigured is returned when settings are missing or invalid
	ErrImproperlyConfigured = errors.New("settings are improperly configured")
	// ErrAlreadyConfigured is returned by Configure once settings are loaded
	ErrAlreadyConfigured = errors.New("settings already configured")
)

// SetDefaultModule sets the settings module environment variable unless the
// caller already set it, and returns the value in effect.
func SetDefaultModule(module string) (string, error) {
	if current, ok := os.LookupEnv(EnvironmentVariable); ok {
		return current, nil
	}
	if err := os.Setenv(EnvironmentVariable, module); err != nil {
		return "", err
	}
	return module, nil
}

// ModulePath turns a dotted module name into a path without extension:
// "tutorial.settings" becomes "tutorial/settings".
func ModulePath(module string) (string, error) {
	if module == "" || strings.HasPrefix(module, ".") || strings.HasSuffix(module, ".") || strings.Contains(module, "..") {
		return "", fmt.Errorf("%w: invalid settings module %q", ErrImproperlyConfigured, module)
	}
	return filepath.Join(strings.Split(module, ".")...), nil
}

// Settings is the lazily loaded settings object
type Settings struct {
	mu     sync.Mutex
	roots  []string
	v      *viper.Viper
	module string
}

// New returns unloaded settings. The settings module is searched for under
// each root, in order; with no roots the working directory is used.
func New(roots ...string) *Settings {
	if len(roots) == 0 {
		roots = []string{"."}
	}
	return &Settings{roots: roots}
}

// Configure sets settings manually instead of reading the settings module
func (s *Settings) Configure(values map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.v != nil {
		return ErrAlreadyConfigured
	}
	v := newViper()
	for key, value := range values {
		v.Set(key, value)
	}
	s.v = v
	s.module = ""
	return nil
}

// Configured reports whether settings have been loaded
func (s *Settings) Configured() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.v != nil
}

// Module returns the settings module that was loaded, if any
func (s *Settings) Module() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.module
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetDefault(KeyLogLevel, "info")
	return v
}

// setup loads the settings module named by the environment on first use
func (s *Settings) setup() (*viper.Viper, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.v != nil {
		return s.v, nil
	}

	module := os.Getenv(EnvironmentVariable)
	if module == "" {
		return nil, fmt.Errorf("%w: %s is not set and settings are not configured", ErrImproperlyConfigured, EnvironmentVariable)
	}
	path, err := ModulePath(module)
	if err != nil {
		return nil, err
	}

	v := newViper()
	v.SetConfigName(filepath.Base(path))
	for _, root := range s.roots {
		v.AddConfigPath(filepath.Join(root, filepath.Dir(path)))
	}
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("%w: loading settings module %q: %s", ErrImproperlyConfigured, module, err)
	}
	log.Debug("Loaded settings: ", v.ConfigFileUsed())

	s.v = v
	s.module = module
	return v, nil
}

// InstalledApps returns a copy of the installed application names
func (s *Settings) InstalledApps() ([]string, error) {
	v, err := s.setup()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !v.IsSet(KeyInstalledApps) {
		return nil, fmt.Errorf("%w: %s is not set", ErrImproperlyConfigured, KeyInstalledApps)
	}
	return append([]string(nil), v.GetStringSlice(KeyInstalledApps)...), nil
}

// SetInstalledApps replaces the installed application names
func (s *Settings) SetInstalledApps(apps []string) error {
	v, err := s.setup()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v.Set(KeyInstalledApps, append([]string(nil), apps...))
	return nil
}

// LogLevel returns the configured log level
func (s *Settings) LogLevel() (string, error) {
	v, err := s.setup()
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return v.GetString(KeyLogLevel), nil
}

// ScheduleEntry is one periodic task of the beat schedule
type ScheduleEntry struct {
	Name     string        `mapstructure:"-"`
	Task     string        `mapstructure:"task"`
	Schedule string        `mapstructure:"schedule"`
	Args     []interface{} `mapstructure:"args"`
}

// BeatSchedule returns the periodic tasks, keyed by entry name
func (s *Settings) BeatSchedule() (map[string]ScheduleEntry, error) {
	v, err := s.setup()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make(map[string]ScheduleEntry)
	if err := v.UnmarshalKey(KeyBeatSchedule, &entries); err != nil {
		return nil, fmt.Errorf("%w: %s: %s", ErrImproperlyConfigured, KeyBeatSchedule, err)
	}
	for name, entry := range entries {
		if entry.Task == "" || entry.Schedule == "" {
			return nil, fmt.Errorf("%w: beat entry %q needs task and schedule", ErrImproperlyConfigured, name)
		}
		entry.Name = name
		entries[name] = entry
	}
	return entries, nil
}
