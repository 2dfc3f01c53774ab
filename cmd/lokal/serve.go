package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lokalhq/lokal/internal/config"
	"github.com/lokalhq/lokal/internal/governor"
	"github.com/lokalhq/lokal/internal/logger"
	"github.com/lokalhq/lokal/internal/notify"
	"github.com/lokalhq/lokal/internal/notify/discord"
	"github.com/lokalhq/lokal/internal/notify/slack"
	"github.com/lokalhq/lokal/internal/pipeline"
	"github.com/lokalhq/lokal/internal/server"
)

func newServeCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and background workers",
		Long:  "Starts the HTTP API together with the governor sampler, the artifact janitor and chat notifications.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, port)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 0, "port to listen on (overrides config)")
	return cmd
}

func runServe(cmd *cobra.Command, port int) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if port > 0 {
		cfg.Server.Port = port
	}
	log, err := newLogger(cfg, false)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	notifier, err := newNotifier(cfg.Notify, log)
	if err != nil {
		return err
	}

	srv, err := server.New(cfg, server.Deps{
		Pipeline: a.pipeline,
		Governor: a.governor,
		Status:   a.hub,
		Results:  a.results,
		Catalog:  a.catalog,
		Metrics:  a.metrics,
		Log:      log,
	})
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	background := func(name string, run func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := run(ctx); err != nil {
				log.Error("Background worker stopped", logger.String("worker", name), logger.Error(err))
			}
		}()
	}
	background("sampler", governor.NewSampler(a.governor, cfg.Governor.SampleInterval).Run)
	background("notifier", func(ctx context.Context) error { return notifier.Run(ctx, a.hub) })
	janitor := pipeline.NewJanitor(cfg.Pipeline.WorkDir, cfg.Pipeline.ArtifactRetention, a.registry, a.jobs, log)
	background("janitor", func(ctx context.Context) error { return janitor.Run(ctx, cfg.Pipeline.JanitorSchedule) })

	fmt.Fprintf(cmd.OutOrStdout(), "Lokal API running at http://localhost:%d\n", cfg.Server.Port)
	serveErr := srv.Start(ctx)
	stop()

	log.Info("Waiting for running jobs to stop")
	a.pipeline.Wait()
	wg.Wait()
	return serveErr
}

// newNotifier builds the chat adapters enabled in cfg.
func newNotifier(cfg config.NotifyConfig, log logger.Logger) (*notify.Notifier, error) {
	var adapters []notify.Adapter
	if cfg.Slack.BotToken != "" {
		a, err := slack.New(slack.AdapterOpts{BotToken: cfg.Slack.BotToken, ChannelID: cfg.Slack.ChannelID})
		if err != nil {
			return nil, err
		}
		if botID, err := a.Verify(); err != nil {
			log.Warn("Slack token check failed", logger.Error(err))
		} else {
			log.Info("Slack notifications enabled", logger.String("bot_user_id", botID))
		}
		adapters = append(adapters, a)
	}
	if cfg.Discord.BotToken != "" {
		a, err := discord.New(discord.AdapterOpts{BotToken: cfg.Discord.BotToken, ChannelID: cfg.Discord.ChannelID, Log: log})
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, a)
	}
	return notify.New(log, adapters...), nil
}
