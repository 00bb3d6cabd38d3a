package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/taoh/tutorial"
	"github.com/taoh/tutorial/celery"
	"github.com/taoh/tutorial/settings"
)

// rootCmd is the root command, every other command needs to be attached to this command
var rootCmd = &cobra.Command{
	Use:           "tutorial",
	Short:         "Celery worker and client for the tutorial site",
	Long:          `Runs workers, sends tasks and schedules periodic tasks for the tutorial site's celery app.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var settingsModule, settingsRoot, logLevel string

func init() {
	rootCmd.PersistentFlags().StringVar(&settingsModule, "settings", "", "settings module, e.g. tutorial.settings (default $"+settings.EnvironmentVariable+")")
	rootCmd.PersistentFlags().StringVar(&settingsRoot, "settings-root", ".", "directory the settings module is resolved from")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "log level. valid values: debug, info, warn, error, fatal")

	viper.SetEnvPrefix("tutorial")
	viper.AutomaticEnv()
	viper.BindPFlag("settings_root", rootCmd.PersistentFlags().Lookup("settings-root"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))

	rootCmd.AddCommand(newWorkerCmd(), newCallCmd(), newBeatCmd())
}

// bootstrap builds the celery app the way every command needs it
func bootstrap(cmd *cobra.Command) (*celery.App, *settings.Settings, error) {
	if cmd.Flags().Changed("settings") {
		if err := os.Setenv(settings.EnvironmentVariable, settingsModule); err != nil {
			return nil, nil, err
		}
	}

	s := settings.New(viper.GetString("settings_root"))
	app, err := tutorial.NewCeleryApp(s)
	if err != nil {
		return nil, nil, err
	}

	level := viper.GetString("log_level")
	if level == "" {
		if level, err = s.LogLevel(); err != nil {
			return nil, nil, err
		}
	}
	celery.SetupLogLevel(level)
	log.WithField("tasks", app.Tasks()).Debug("Registered tasks")
	return app, s, nil
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// Execute runs the command line
func Execute() error {
	return rootCmd.Execute()
}

func main() {
	if err := Execute(); err != nil {
		log.Fatal(err)
	}
}
