// Copyright 2024 AI SA Assistant Project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command widget serves the conversation API behind the website chat widget.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/your-org/funnel-assistant/internal/config"
	"github.com/your-org/funnel-assistant/internal/conversation"
	"github.com/your-org/funnel-assistant/internal/funnel"
	"github.com/your-org/funnel-assistant/internal/guard"
	"github.com/your-org/funnel-assistant/internal/health"
	"github.com/your-org/funnel-assistant/internal/ingest"
	"github.com/your-org/funnel-assistant/internal/lead"
	"github.com/your-org/funnel-assistant/internal/metrics"
	"github.com/your-org/funnel-assistant/internal/openai"
	"github.com/your-org/funnel-assistant/internal/resilience"
	"github.com/your-org/funnel-assistant/internal/session"
	"github.com/your-org/funnel-assistant/internal/streaming"
)

const (
	serviceName     = "funnel-widget"
	serviceVersion  = "1.0.0"
	shutdownTimeout = 10 * time.Second
)

// ServiceDependencies holds all wired components of the widget service
type ServiceDependencies struct {
	Registry   *prometheus.Registry
	Metrics    *metrics.Metrics
	Guard      *guard.Guard
	Sessions   *session.Manager
	Outbox     lead.Outbox
	Submitter  *lead.Submitter
	Controller *conversation.Controller
	Health     *health.Manager
}

func main() {
	cfg, err := config.LoadWithOptions(config.LoadOptions{
		Environment:      os.Getenv("ENVIRONMENT"),
		ValidateRequired: true,
		AllowMissingFile: os.Getenv("CONFIG_PATH") == "",
	})
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := initializeLogger(cfg)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	masked := cfg.MaskSensitiveValues()
	logger.Info("Configuration loaded successfully",
		zap.String("service", serviceName),
		zap.String("environment", os.Getenv("ENVIRONMENT")),
		zap.String("assistant_base_url", masked.Assistant.BaseURL),
		zap.String("stream_transport", masked.Stream.Transport),
		zap.Bool("guard_enabled", masked.Guard.Enabled),
		zap.Int("guard_turn_cap", masked.Guard.TurnCap),
		zap.String("guard_secondary", masked.Guard.Secondary),
		zap.String("completion_policy", masked.Guard.CompletionPolicy),
		zap.String("lead_storage", masked.Lead.StorageType),
		zap.String("openai_api_key", masked.OpenAI.APIKey),
	)

	deps, err := initializeDependencies(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize dependencies", zap.Error(err))
	}
	defer deps.Close(logger)

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := config.WatchConfig(os.Getenv("CONFIG_PATH"), logger, deps.ApplyConfig(logger)); err != nil {
		logger.Info("Config hot reload disabled", zap.String("reason", err.Error()))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	router := newRouter(cfg, deps, logger)
	if err := run(ctx, cfg, deps, router, logger); err != nil {
		logger.Fatal("Widget service stopped with error", zap.Error(err))
	}
	logger.Info("Widget service stopped")
}

// initializeLogger initializes the zap logger based on configuration
func initializeLogger(cfg *config.Config) (*zap.Logger, error) {
	var zapConfig zap.Config

	if cfg.Logging.Format == "json" {
		zapConfig = zap.NewProductionConfig()
	} else {
		zapConfig = zap.NewDevelopmentConfig()
	}

	switch cfg.Logging.Level {
	case "debug":
		zapConfig.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	case "warn":
		zapConfig.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	case "error":
		zapConfig.Level = zap.NewAtomicLevelAt(zapcore.ErrorLevel)
	default:
		zapConfig.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	if cfg.Logging.Output == "file" {
		zapConfig.OutputPaths = []string{"widget.log"}
		zapConfig.ErrorOutputPaths = []string{"widget.log"}
	} else {
		zapConfig.OutputPaths = []string{"stdout"}
		zapConfig.ErrorOutputPaths = []string{"stderr"}
	}

	return zapConfig.Build()
}

// initializeDependencies wires every component from the loaded configuration
func initializeDependencies(cfg *config.Config, logger *zap.Logger) (*ServiceDependencies, error) {
	logger.Info("Initializing service dependencies")

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	assistant := cfg.Assistant
	httpClient := &http.Client{Timeout: cfg.Stream.RequestTimeout()}

	// The stream client has no global timeout; attempts are bounded by
	// the ingestor itself.
	ingestor := ingest.New(ingest.Config{
		URL:               assistant.APIURL(assistant.StreamPath),
		Format:            ingest.Format(cfg.Stream.Transport),
		RequestTimeout:    cfg.Stream.RequestTimeout(),
		HeartbeatInterval: cfg.Stream.HeartbeatInterval(),
		Retry:             resilience.NewRetryPolicy(cfg.Stream.MaxRetryAttempts, cfg.Stream.RetryBaseDelay()),
	}, nil, logger, m)
	chat := ingest.NewChatClient(
		assistant.APIURL(assistant.ChatPath),
		httpClient,
		resilience.NewRetryPolicy(cfg.Stream.MaxRetryAttempts, cfg.Stream.RetryBaseDelay()),
		logger,
	)

	resolvers, err := buildResolvers(cfg, httpClient, logger)
	if err != nil {
		return nil, err
	}
	answerGuard := guard.New(guardConfig(cfg), resolvers, logger, m)

	catalog := funnel.DefaultCatalog()
	sessions, err := session.NewManager(session.Config{
		DefaultTTL:      time.Duration(cfg.Session.DefaultTTL) * time.Minute,
		MaxSessions:     cfg.Session.MaxSessions,
		CleanupInterval: time.Duration(cfg.Session.CleanupInterval) * time.Minute,
	}, answerGuard, catalog, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation store: %w", err)
	}

	outbox, err := lead.NewOutbox(lead.OutboxConfig{
		StorageType: cfg.Lead.StorageType,
		DBPath:      cfg.Lead.DBPath,
	}, logger)
	if err != nil {
		_ = sessions.Close()
		return nil, fmt.Errorf("failed to open lead outbox: %w", err)
	}

	breaker := resilience.DefaultCircuitBreakerConfig("lead-transport")
	if cfg.Lead.CircuitMaxFailures > 0 {
		breaker.MaxFailures = cfg.Lead.CircuitMaxFailures
	}
	if cfg.Lead.CircuitResetSec > 0 {
		breaker.ResetTimeout = time.Duration(cfg.Lead.CircuitResetSec) * time.Second
	}
	submitter := lead.NewSubmitter(
		outbox,
		lead.NewHTTPTransport(assistant.APIURL(assistant.LeadPath), httpClient),
		lead.SubmitterConfig{
			MaxAttempts:    cfg.Lead.MaxAttempts,
			RetryBaseDelay: time.Duration(cfg.Lead.RetryBaseDelayMs) * time.Millisecond,
			Breaker:        breaker,
		},
		logger, m,
	)

	controller, err := conversation.NewController(conversation.Dependencies{
		Sessions: sessions,
		Guard:    answerGuard,
		Stream:   ingest.NewRegistry(ingestor),
		Chat:     chat,
		Leads:    submitter,
		Catalog:  catalog,
	}, conversation.Config{CompletionPolicy: cfg.Guard.CompletionPolicy}, logger, m)
	if err != nil {
		_ = sessions.Close()
		_ = outbox.Close()
		return nil, fmt.Errorf("failed to create conversation controller: %w", err)
	}

	healthManager := health.NewManager(serviceName, serviceVersion, logger)
	healthManager.AddChecker("assistant", health.AssistantChecker(assistant.BaseURL, httpClient))
	healthManager.AddChecker("lead_outbox", health.OutboxChecker(outbox))
	healthManager.AddChecker("lead_transport", health.BreakerChecker(submitter.Breaker()))

	logger.Info("Service dependencies initialized",
		zap.Int("answer_tiers", len(resolvers)),
		zap.Strings("products", catalog.Keys()),
	)

	return &ServiceDependencies{
		Registry:   registry,
		Metrics:    m,
		Guard:      answerGuard,
		Sessions:   sessions,
		Outbox:     outbox,
		Submitter:  submitter,
		Controller: controller,
		Health:     healthManager,
	}, nil
}

// buildResolvers returns the answer tiers in the order the guard tries them
func buildResolvers(cfg *config.Config, client *http.Client, logger *zap.Logger) ([]guard.Resolver, error) {
	assistant := cfg.Assistant
	resolvers := []guard.Resolver{
		guard.NewHTTPResolver("answer", assistant.APIURL(assistant.AnswerPath), client, logger),
	}

	switch cfg.Guard.Secondary {
	case "http":
		resolvers = append(resolvers,
			guard.NewHTTPResolver("generic", assistant.APIURL(assistant.GenericPath), client, logger))
	case "openai":
		llm, err := openai.NewClient(openai.Config{
			APIKey:      cfg.OpenAI.APIKey,
			BaseURL:     cfg.OpenAI.Endpoint,
			Model:       cfg.OpenAI.Model,
			MaxTokens:   cfg.OpenAI.MaxTokens,
			Temperature: float32(cfg.OpenAI.Temperature),
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create OpenAI client: %w", err)
		}
		resolvers = append(resolvers, guard.NewLLMResolver(llm, logger))
	}

	return resolvers, nil
}

func guardConfig(cfg *config.Config) guard.Config {
	return guard.Config{
		Enabled:         cfg.Guard.Enabled,
		TurnCap:         cfg.Guard.TurnCap,
		MinAnswerLength: cfg.Guard.MinAnswerLength,
		MaxAnswerLength: cfg.Guard.MaxAnswerLength,
		HistoryTurns:    cfg.Guard.HistoryTurns,
		SystemPrompt:    cfg.Guard.SystemPrompt,
	}
}

// ApplyConfig returns the hot reload callback. Only the guard policy and the
// completion policy are live; everything else needs a restart.
func (d *ServiceDependencies) ApplyConfig(logger *zap.Logger) func(*config.Config) {
	return func(cfg *config.Config) {
		d.Guard.UpdateConfig(guardConfig(cfg))
		d.Controller.UpdateConfig(conversation.Config{CompletionPolicy: cfg.Guard.CompletionPolicy})
		logger.Info("Guard policy reloaded",
			zap.Bool("enabled", cfg.Guard.Enabled),
			zap.Int("turn_cap", cfg.Guard.TurnCap),
			zap.String("completion_policy", cfg.Guard.CompletionPolicy),
		)
	}
}

// Close releases the conversation store and the outbox
func (d *ServiceDependencies) Close(logger *zap.Logger) {
	if err := d.Sessions.Close(); err != nil {
		logger.Warn("Failed to close conversation store", zap.Error(err))
	}
	if err := d.Outbox.Close(); err != nil {
		logger.Warn("Failed to close lead outbox", zap.Error(err))
	}
}

func newRouter(cfg *config.Config, deps *ServiceDependencies, logger *zap.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(conversation.CORSMiddleware())
	router.Use(conversation.RequestLoggingMiddleware(logger))

	router.GET("/health", deps.Health.GinHandler())
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{})))

	api := conversation.NewAPIHandler(deps.Controller, cfg.DefaultLang, streaming.Format(cfg.Stream.Transport), logger)
	api.RegisterRoutes(router)

	return router
}

// run serves HTTP and redelivers pending leads until ctx is cancelled
func run(ctx context.Context, cfg *config.Config, deps *ServiceDependencies, handler http.Handler, logger *zap.Logger) error {
	server := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Starting widget service", zap.String("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		interval := time.Duration(cfg.Lead.RedeliverIntervalSec) * time.Second
		return deps.Submitter.Run(ctx, interval)
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("Shutting down widget service")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
