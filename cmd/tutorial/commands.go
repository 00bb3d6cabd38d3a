package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/taoh/tutorial/celery"
)

func newWorkerCmd() *cobra.Command {
	var queues string
	var concurrency int

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Start a worker",
		Long:  `Start a worker consuming tasks until interrupted.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, _, err := bootstrap(cmd)
			if err != nil {
				return err
			}
			app.Conf.Concurrency = concurrency
			if err := app.Connect(); err != nil {
				return err
			}
			defer app.Close()

			ctx, stop := signalContext()
			defer stop()
			return app.StartWorkers(ctx, splitQueues(queues)...)
		},
	}
	cmd.Flags().StringVarP(&queues, "queues", "Q", "", "comma separated queues to consume (default is the default queue)")
	cmd.Flags().IntVarP(&concurrency, "concurrency", "c", 0, "tasks run at once, 0 is unbounded")
	return cmd
}

func splitQueues(queues string) []string {
	var out []string
	for _, q := range strings.Split(queues, ",") {
		if q = strings.TrimSpace(q); q != "" {
			out = append(out, q)
		}
	}
	return out
}

func newCallCmd() *cobra.Command {
	var queue string
	var countdown, timeout time.Duration
	var wait bool

	cmd := &cobra.Command{
		Use:   "call <task> [args...]",
		Short: "Send a task",
		Long:  `Send a task. Each argument is decoded as json, falling back to a plain string.`,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, _, err := bootstrap(cmd)
			if err != nil {
				return err
			}
			if err := app.Connect(); err != nil {
				return err
			}
			defer app.Close()

			ctx, stop := signalContext()
			defer stop()

			result, err := app.SendTask(ctx, args[0], parseArgs(args[1:]), &celery.TaskOptions{
				Queue:        queue,
				Countdown:    countdown,
				IgnoreResult: !wait,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), result.ID)
			if !wait {
				return nil
			}

			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			taskResult, err := result.Get(ctx, 0)
			if err != nil {
				return err
			}
			out, err := json.Marshal(taskResult.Result)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", taskResult.Status, out)
			if !taskResult.Successful() {
				log.Debug(taskResult.TraceBack)
				return fmt.Errorf("task [%s] finished with %s", args[0], taskResult.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&queue, "queue", "Q", "", "queue to send to (default is the default queue)")
	cmd.Flags().DurationVar(&countdown, "countdown", 0, "delay before the task runs")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "wait for and print the result")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "how long to wait for the result, 0 waits forever")
	return cmd
}

func parseArgs(raw []string) []interface{} {
	args := make([]interface{}, 0, len(raw))
	for _, r := range raw {
		var v interface{}
		if err := json.Unmarshal([]byte(r), &v); err != nil {
			v = r
		}
		args = append(args, v)
	}
	return args
}

func newBeatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "beat",
		Short: "Send periodic tasks",
		Long:  `Send the tasks of the settings' beat_schedule on their cron schedules until interrupted.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, s, err := bootstrap(cmd)
			if err != nil {
				return err
			}
			schedule, err := s.BeatSchedule()
			if err != nil {
				return err
			}
			if len(schedule) == 0 {
				return fmt.Errorf("beat_schedule is empty")
			}
			if err := app.Connect(); err != nil {
				return err
			}
			defer app.Close()

			for name, entry := range schedule {
				if _, err := app.AddPeriodicTask(entry.Schedule, entry.Task, entry.Args); err != nil {
					return fmt.Errorf("beat entry %q: %w", name, err)
				}
				log.Infof("Scheduled %s: %s [%s]", name, entry.Task, entry.Schedule)
			}

			ctx, stop := signalContext()
			defer stop()
			app.StartBeat()
			<-ctx.Done()
			return nil
		},
	}
}
