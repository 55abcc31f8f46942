// Command moltbot runs the task-dispatch service, either as a long-lived
// server or as a one-shot single-prompt client.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/moltbot/moltbot/service/config"
	"github.com/moltbot/moltbot/service/dispatcher"
	"github.com/moltbot/moltbot/service/engine"
	"github.com/moltbot/moltbot/service/httpapi"
	_ "github.com/moltbot/moltbot/service/provider/openai"
	"github.com/moltbot/moltbot/service/registry"
	"github.com/moltbot/moltbot/service/scheduler"
	"github.com/moltbot/moltbot/service/task"
)

var verbose bool

func main() {
	root := &cobra.Command{
		Use:   "moltbot",
		Short: "Priority task-dispatch service for LLM generation requests",
	}
	root.PersistentFlags().BoolVar(&verbose, "verbose", false, "enable debug logging")
	root.AddCommand(serveCmd(), runCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger() *log.Logger {
	flags := log.LstdFlags
	if verbose {
		flags |= log.Lshortfile
	}
	return log.New(os.Stderr, "moltbot: ", flags)
}

func loadComponents(logger *log.Logger) (*config.Loader, *registry.Registry, *dispatcher.Dispatcher, *engine.Engine, *scheduler.Scheduler) {
	cfgLoader, err := config.Load()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	cfg := cfgLoader.Current()

	reg := registry.New(registry.StrategyName(cfg.ModelSelectionStrategy))
	for name, m := range cfg.Models {
		reg.Register(registry.Model{
			Name:         name,
			ProviderTag:  m.ProviderTag,
			BaseURL:      m.BaseURL,
			Credentials:  m.Credentials,
			Weight:       m.Weight,
			CostPerToken: m.CostPerToken,
			MaxTokens:    m.MaxTokens,
			DefaultTemp:  m.Temperature,
		})
	}

	disp := dispatcher.New(dispatcher.DefaultConfig(), logger)
	for _, w := range cfg.Webhooks {
		events := make([]dispatcher.Event, 0, len(w.Events))
		for _, e := range w.Events {
			events = append(events, dispatcher.Event(e))
		}
		disp.RegisterWebhook(dispatcher.Webhook{URL: w.URL, Events: events})
	}

	eng := engine.New(engine.Config{
		SystemPrompt: engine.DefaultConfig().SystemPrompt,
		RetryTimes:   cfg.RetryTimes,
		TaskTimeout:  time.Duration(cfg.TaskTimeoutSeconds) * time.Second,
	}, reg, disp)

	sched := scheduler.NewBounded(cfg.MaxConcurrentTasks, cfg.MaxQueuedTasks, eng, func(event string, t *task.Task) {
		disp.Emit(dispatcher.Event(event), t)
	})
	eng.Bind(sched)

	return cfgLoader, reg, disp, eng, sched
}

func serveCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			cfgLoader, reg, disp, eng, sched := loadComponents(logger)
			sched.Start()
			defer sched.Stop()

			srv := httpapi.New(httpapi.Deps{
				Scheduler:  sched,
				Registry:   reg,
				Engine:     eng,
				Dispatcher: disp,
				Logger:     logger,
			})

			addr := fmt.Sprintf(":%d", port)
			httpServer := &http.Server{Addr: addr, Handler: srv.Handler()}

			hup := make(chan os.Signal, 1)
			signal.Notify(hup, syscall.SIGHUP)
			go func() {
				for range hup {
					if err := cfgLoader.Reload(); err != nil {
						logger.Printf("config reload failed: %v", err)
						continue
					}
					logger.Printf("config reloaded")
				}
			}()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			go func() {
				logger.Printf("listening on %s", addr)
				if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Fatalf("serve: %v", err)
				}
			}()

			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().IntVar(&port, "port", 8080, "HTTP listen port")
	return cmd
}

func runCmd() *cobra.Command {
	var prompt, model string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "run a single prompt and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			if prompt == "" {
				return fmt.Errorf("--prompt is required")
			}
			logger := newLogger()
			_, _, _, eng, _ := loadComponents(logger)

			t := &task.Task{
				Prompt:     prompt,
				Priority:   task.PriorityNormal,
				ModelHint:  model,
				MaxRetries: eng.DefaultMaxRetries(),
			}
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()

			result, err := eng.Execute(ctx, t)
			if err != nil {
				return err
			}
			fmt.Println(result)
			return nil
		},
	}
	cmd.Flags().StringVar(&prompt, "prompt", "", "prompt to send")
	cmd.Flags().StringVar(&model, "model", "", "model hint")
	return cmd
}
