package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/time/rate"

	"github.com/agentworkforce/meetingnotes/internal/apiclient"
	"github.com/agentworkforce/meetingnotes/internal/config"
	"github.com/agentworkforce/meetingnotes/internal/gdrive"
	"github.com/agentworkforce/meetingnotes/internal/httpapi"
	"github.com/agentworkforce/meetingnotes/internal/llm"
	"github.com/agentworkforce/meetingnotes/internal/mailgun"
	"github.com/agentworkforce/meetingnotes/internal/metrics"
	"github.com/agentworkforce/meetingnotes/internal/notes"
)

type driveAPI interface {
	notes.ChangeFeed
	notes.DocumentSource
	notes.Subscriber
}

// appDeps lets callers replace the outbound providers.
type appDeps struct {
	Drive    driveAPI
	ChunkLLM notes.Completer
	FinalLLM notes.Completer
	Mailer   notes.Mailer
}

type app struct {
	cfg        config.Config
	logger     *slog.Logger
	cache      *notes.Cache
	queue      notes.TaskQueue
	hub        *notes.ActivityHub
	metrics    *metrics.Collector
	users      *config.UserList
	cursors    *notes.CursorManager
	intake     *notes.Intake
	processor  *notes.Processor
	renewer    *notes.Renewer
	dispatcher *notes.Dispatcher
	worker     *notes.Worker
}

func buildApp(cfg config.Config, logger *slog.Logger, deps appDeps) (*app, error) {
	cacheDSN, queueDSN, err := cfg.Storage.DSNs()
	if err != nil {
		return nil, err
	}
	store, err := notes.BuildBlobStoreFromDSN(cacheDSN)
	if err != nil {
		return nil, fmt.Errorf("open cache %s: %w", cacheDSN, err)
	}
	queue, err := notes.BuildTaskQueueFromDSN(queueDSN, cfg.Storage.QueueSize)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("open queue %s: %w", queueDSN, err)
	}
	a := &app{
		cfg:     cfg,
		logger:  logger,
		cache:   notes.NewCache(store, cfg.Storage.CacheNamespace),
		queue:   queue,
		metrics: metrics.NewCollector(),
	}
	a.metrics.WatchQueue(queue)
	a.hub = notes.NewActivityHub(a.metrics)

	if err := a.wire(deps); err != nil {
		_ = a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(deps appDeps) error {
	cfg := a.cfg
	users, err := config.NewUserList(cfg.Renewal.Users, cfg.Renewal.UsersFile)
	if err != nil {
		return err
	}
	a.users = users

	drive := deps.Drive
	if drive == nil {
		if drive, err = newDriveClient(cfg.Drive, a.logger); err != nil {
			return err
		}
	}
	chunkLLM := deps.ChunkLLM
	if chunkLLM == nil {
		if chunkLLM, err = newCompleter(cfg.LLM.ChunkProvider, cfg.LLM); err != nil {
			return err
		}
	}
	finalLLM := deps.FinalLLM
	if finalLLM == nil {
		if finalLLM, err = newCompleter(cfg.LLM.FinalProvider, cfg.LLM); err != nil {
			return err
		}
	}
	mailer := deps.Mailer
	from := cfg.Mail.From
	if mailer == nil {
		sender := mailgun.New(mailgun.Options{
			APIKey:  cfg.Mail.MailgunAPIKey,
			Domain:  cfg.Mail.MailgunDomain,
			BaseURL: cfg.Mail.MailgunBaseURL,
			From:    cfg.Mail.From,
		})
		mailer = sender
		from = sender.From()
	}

	normalizer := notes.NewNormalizer(cfg.Drive.LinkFormat, a.logger)
	a.cursors = notes.NewCursorManager(a.cache, drive, normalizer, notes.CursorOptions{Logger: a.logger, Observer: a.hub})
	a.intake = notes.NewIntake(a.cache, a.queue, notes.IntakeOptions{
		EnqueueTimeout: cfg.Worker.EnqueueTimeout,
		Logger:         a.logger,
		Observer:       a.hub,
	})

	var prompts notes.PromptSource
	if strings.TrimSpace(cfg.LLM.PromptHubURL) != "" {
		prompts = llm.NewPromptHub(llm.PromptHubOptions{BaseURL: cfg.LLM.PromptHubURL, APIKey: cfg.LLM.PromptHubAPIKey})
	}
	finalTemperature := cfg.Summary.FinalTemperature
	summarizer := notes.NewSummarizer(a.cache, chunkLLM, finalLLM, notes.SummarizerOptions{
		ChunkTokenLimit:     cfg.Summary.ChunkTokenLimit,
		RecursionTokenLimit: cfg.Summary.RecursionTokenLimit,
		MaxRounds:           cfg.Summary.MaxRounds,
		ChunkConcurrency:    cfg.Summary.ChunkConcurrency,
		ChunkModel:          cfg.Summary.ChunkModel,
		ChunkMaxTokens:      cfg.Summary.ChunkMaxTokens,
		FinalModel:          cfg.Summary.FinalModel,
		FinalMaxTokens:      cfg.Summary.FinalMaxTokens,
		FinalTemperature:    &finalTemperature,
		FinalPromptName:     cfg.Summary.FinalPromptName,
		Prompts:             prompts,
		Counter:             notes.TokenCounterForModel(cfg.Summary.ChunkModel),
		Logger:              a.logger,
		Observer:            a.hub,
	})
	guard := notes.NewDeliveryGuard(a.cache, mailer, notes.DeliveryOptions{
		ReserveBeforeSend: cfg.Delivery.ReserveBeforeSend,
		Logger:            a.logger,
		Observer:          a.hub,
	})
	a.processor = notes.NewProcessor(a.cache, drive, notes.NewPreprocessor(drive, cfg.Summary.MinUtteranceChars), summarizer, guard, notes.ProcessorOptions{
		Render: notes.RenderOptions{From: from, SubjectPrefix: cfg.Mail.SubjectPrefix, Signature: cfg.Mail.Signature},
		Logger: a.logger,
	})
	a.renewer = notes.NewRenewer(a.cursors, drive, notes.RenewerOptions{
		WebhookURL:    cfg.Renewal.WebhookURL,
		ChannelPrefix: cfg.Renewal.ChannelPrefix,
		ChannelTTL:    cfg.Renewal.ChannelTTL,
		Users:         a.users.Users,
		Logger:        a.logger,
		Observer:      a.hub,
	})
	a.dispatcher = notes.NewDispatcher(a.renewer, a.cursors, normalizer, a.intake, a.processor, notes.DispatcherOptions{
		SiteVerification: cfg.Server.SiteVerification,
		Logger:           a.logger,
		Observer:         a.hub,
	})
	a.worker = notes.NewWorker(a.queue, a.processor, a.cache, notes.WorkerOptions{
		Workers:     cfg.Worker.Workers,
		MaxAttempts: cfg.Worker.MaxAttempts,
		RetryDelay:  cfg.Worker.RetryDelay,
		TaskTimeout: cfg.Worker.TaskTimeout,
		Logger:      a.logger,
		Observer:    a.hub,
	})
	return nil
}

func (a *app) server() *httpapi.Server {
	return httpapi.NewServer(httpapi.Deps{
		Dispatcher: a.dispatcher,
		Cache:      a.cache,
		Queue:      a.queue,
		Hub:        a.hub,
		Metrics:    a.metrics,
		Logger:     a.logger,
	}, httpapi.ServerConfig{
		JWTSecret:          a.cfg.Server.JWTSecret,
		InternalHMACSecret: a.cfg.Server.InternalHMACSecret,
		InternalMaxSkew:    a.cfg.Server.InternalMaxSkew,
		MaxBodyBytes:       a.cfg.Server.MaxBodyBytes,
		RateLimitRPS:       a.cfg.Server.RateLimitRPS,
		RateLimitBurst:     a.cfg.Server.RateLimitBurst,
	})
}

// startBackground runs the worker pool, the renewal schedule and the users
// file watcher until ctx ends.
func (a *app) startBackground(ctx context.Context) error {
	a.worker.Start()
	if _, err := notes.StartSchedule(ctx, "renew", a.cfg.Renewal.Cron, a.logger, func(ctx context.Context) {
		report := a.renewer.RenewAll(ctx)
		a.logger.Info("scheduled_renewal_finished", "renewed", len(report.Renewed), "failed", len(report.Failed))
	}); err != nil {
		return err
	}
	return a.users.Watch(ctx, a.logger)
}

func (a *app) close() error {
	var errs []error
	if a.worker != nil {
		errs = append(errs, a.worker.Close())
	}
	if a.queue != nil {
		errs = append(errs, a.queue.Close())
	}
	if a.cache != nil {
		errs = append(errs, a.cache.Close())
	}
	return errors.Join(errs...)
}

func newDriveClient(cfg config.DriveConfig, logger *slog.Logger) (*gdrive.Client, error) {
	if strings.TrimSpace(cfg.CredentialsFile) == "" {
		return nil, fmt.Errorf("%w: drive.credentials_file (or GOOGLE_APPLICATION_CREDENTIALS) is required", notes.ErrInvalidInput)
	}
	raw, err := os.ReadFile(cfg.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("read drive credentials: %w", err)
	}
	return gdrive.New(gdrive.Options{CredentialsJSON: raw, Scopes: cfg.Scopes, Logger: logger})
}

func newCompleter(provider string, cfg config.LLMConfig) (notes.Completer, error) {
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), max(cfg.Burst, 1))
	}
	client := apiclient.New(apiclient.Options{MaxRetries: cfg.MaxRetries, Limiter: limiter})
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("%w: OPENAI_API_KEY is required for the openai provider", notes.ErrInvalidInput)
		}
		return llm.NewOpenAI(llm.OpenAIOptions{APIKey: cfg.OpenAIAPIKey, BaseURL: cfg.OpenAIBaseURL, Client: client}), nil
	case "anthropic":
		if cfg.AnthropicAPIKey == "" {
			return nil, fmt.Errorf("%w: ANTHROPIC_API_KEY is required for the anthropic provider", notes.ErrInvalidInput)
		}
		return llm.NewAnthropic(llm.AnthropicOptions{APIKey: cfg.AnthropicAPIKey, BaseURL: cfg.AnthropicBaseURL, Client: client}), nil
	default:
		return nil, fmt.Errorf("%w: unsupported llm provider %q", notes.ErrInvalidInput, provider)
	}
}
