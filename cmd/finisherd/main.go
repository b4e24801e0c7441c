package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"finisher/internal/http/handlers"
	httpapi "finisher/internal/http/httpapi"
	"finisher/internal/imageprep"
	"finisher/internal/infra"
	"finisher/internal/monitor"
	"finisher/internal/pipeline"
	"finisher/internal/queue"
	"finisher/internal/sdapi"
	"finisher/internal/storage"
)

func main() {
	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	sdClient := sdapi.NewClient(sdapi.Options{
		BaseURL:       cfg.SDBaseURL,
		Timeout:       cfg.SDTimeout,
		StatusTimeout: cfg.SDStatusTimeout,
		Logger:        &logger,
	})

	mon := monitor.New(sdClient, monitor.Options{
		PollInterval:       cfg.PollInterval,
		IdleInterval:       cfg.IdlePollInterval,
		ErrorInterval:      cfg.ErrorPollInterval,
		TimestampTolerance: cfg.TimestampTolerance,
		Logger:             &logger,
	})

	pl := pipeline.New(sdClient, imageprep.NewPreparer(), mon, pipeline.Options{
		CancelTimeout:    cfg.CancelTimeout,
		SecondPassResize: cfg.SecondPassSize,
		Logger:           &logger,
	})

	uploads, err := storage.NewFileStore(cfg.StoragePath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to prepare storage")
	}

	mgr := queue.NewManager(pl, mon, queue.Options{
		MaxQueueSize:      cfg.MaxQueueSize,
		MaxConcurrentJobs: cfg.MaxConcurrentJobs,
		AutoProcess:       cfg.AutoProcess,
		Tick:              cfg.QueueTick,
		DefaultConfig: sdapi.ProcessingConfig{
			Upscaler:          cfg.Upscaler,
			ScaleFactor:       cfg.ScaleFactor,
			DenoisingStrength: cfg.DenoisingStrength,
			TileOverlap:       cfg.TileOverlap,
			Steps:             cfg.Steps,
			SamplerName:       cfg.SamplerName,
			CfgScale:          cfg.CfgScale,
			Scheduler:         cfg.Scheduler,
		},
		Store:  queue.NewStateStore(cfg.StatePath, logger),
		Logger: &logger,
	})

	pl.Subscribe(pipeline.Events{
		OnProgress:  mgr.HandlePipelineProgress,
		OnCompleted: mgr.HandlePipelineCompleted,
		OnError:     mgr.HandlePipelineError,
		OnCancelled: mgr.HandlePipelineCancelled,
	})

	app := &handlers.App{
		Queue:   mgr,
		Engine:  mon,
		SD:      sdClient,
		Uploads: uploads,
		Logger:  logger,
	}

	router := httpapi.NewRouter(app, httpapi.Options{
		CORSOrigins:     cfg.CORSOrigins,
		RateLimit:       cfg.RateLimit,
		RateLimitWindow: cfg.RateLimitWindow,
	})
	server := infra.NewHTTPServer(cfg, router)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go mon.Run(ctx)
	go mgr.Run(ctx)

	go func() {
		logger.Info().Msgf("finisherd listening on :%s (engine %s)", cfg.Port, cfg.SDBaseURL)
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	mgr.Shutdown()
	logger.Info().Msg("stopped")
}
