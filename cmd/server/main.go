package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/altiora-ai/callcore/internal/action"
	"github.com/altiora-ai/callcore/internal/aggregator"
	"github.com/altiora-ai/callcore/internal/api"
	"github.com/altiora-ai/callcore/internal/auth"
	"github.com/altiora-ai/callcore/internal/callback"
	"github.com/altiora-ai/callcore/internal/config"
	"github.com/altiora-ai/callcore/internal/metrics"
	"github.com/altiora-ai/callcore/internal/pipeline"
	"github.com/altiora-ai/callcore/internal/rules"
	"github.com/altiora-ai/callcore/internal/sentiment"
	"github.com/altiora-ai/callcore/internal/session"
	"github.com/altiora-ai/callcore/internal/speech"
	"github.com/altiora-ai/callcore/internal/storage"
	"github.com/altiora-ai/callcore/internal/telephony"
	"github.com/altiora-ai/callcore/internal/webhook"
	"github.com/altiora-ai/callcore/internal/websocket"
	"github.com/altiora-ai/callcore/pkg/middleware"
)

func main() {
	// Configure logger
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	// Set log level
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Warn().Str("level", cfg.LogLevel).Msg("invalid log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Info().
		Str("port", cfg.Port).
		Strs("allowed_origins", cfg.AllowedOrigins).
		Str("log_level", cfg.LogLevel).
		Str("pipeline", cfg.PipelineMode).
		Str("rules", cfg.RulesSource).
		Msg("starting callcore server")

	// Create context for services
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Speech providers
	gateway, err := newGateway(ctx, cfg, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create speech gateway")
	}
	warmCtx, warmCancel := context.WithTimeout(ctx, 10*time.Second)
	gateway.Warm(warmCtx, pipeline.FillerText)
	warmCancel()

	// Rules and the number directory
	source, directory, closeRules, err := newRuleSource(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create rule source")
	}
	defer closeRules()
	ruleCache := rules.NewCache(source, cfg.RulesCacheTTL, log.Logger.With().Str("component", "rules").Logger())

	// Storage
	store, err := storage.NewStore(ctx, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create storage")
	}

	// Webhook notifier
	var notifier *webhook.Notifier
	if cfg.WebhookURL != "" {
		var mirror webhook.Mirror
		if len(cfg.KafkaBrokers) > 0 {
			km := webhook.NewKafkaMirror(cfg.KafkaBrokers, cfg.KafkaTopic)
			defer km.Close()
			mirror = km
		}
		notifier = webhook.NewNotifier(
			webhook.NewHTTPTransport(cfg.WebhookURL, cfg.WebhookSecret, cfg.WebhookTimeout),
			store, store, mirror,
			webhook.Config{
				MaxAttempts: cfg.WebhookMaxAttempts,
				BaseDelay:   cfg.WebhookBaseBackoff,
				MaxDelay:    cfg.WebhookMaxBackoff,
			},
			log.Logger.With().Str("component", "webhook").Logger(),
		)
		if n, err := notifier.Recover(ctx); err != nil {
			log.Error().Err(err).Msg("failed to replay webhook outbox")
		} else if n > 0 {
			log.Info().Int("events", n).Msg("replaying webhook outbox")
		}
	} else {
		log.Warn().Msg("WEBHOOK_URL not set, call events will not be delivered")
	}

	// Telephony, actions and callbacks
	twilio := telephony.NewClient(telephony.ClientConfig{
		AccountSID:  cfg.TwilioAccountSID,
		AuthToken:   cfg.TwilioAuthToken,
		PhoneNumber: cfg.TwilioPhoneNumber,
		PublicURL:   cfg.PublicURL,
	}, log.Logger)
	scheduler := callback.NewScheduler(callback.Config{
		Interval:   cfg.CallbackInterval,
		RetryDelay: time.Minute,
	}, nil, log.Logger.With().Str("component", "callbacks").Logger())
	executor := action.NewExecutor(twilio, scheduler, time.Second, log.Logger.With().Str("component", "actions").Logger())

	// Monitor feed
	hub := websocket.NewHub(log.Logger)
	go hub.Run()

	// Sessions
	deps := session.Deps{
		Gateway:    gateway,
		Executor:   executor,
		Classifier: sentiment.NewLexicon(),
		Store:      store,
		Monitor:    hub,
	}
	if notifier != nil {
		deps.Notifier = notifier
	}
	manager := session.NewManager(session.ManagerConfig{
		Session: session.Config{
			ConnectTimeout: cfg.ConnectTimeout,
			KeywordWindow:  cfg.KeywordWindow,
			Greeting:       cfg.Greeting,
			SystemPrompt:   cfg.SystemPrompt,
			HistoryLimit:   cfg.HistoryLimit,
			ActionTimeout:  cfg.ActionTimeout,
		},
		DefaultBusinessID: cfg.DefaultBusinessID,
		DefaultAgentID:    cfg.DefaultAgentID,
		Retain:            cfg.SessionRetain,
	}, deps, ruleCache, log.Logger)
	if directory != nil {
		manager.SetDirectory(directory)
	}
	if cfg.TwilioConfigured() {
		manager.SetCallControl(twilio)
	} else {
		log.Warn().Msg("Twilio credentials not set, outbound calls and callbacks disabled")
	}
	scheduler.SetDialer(manager)
	go scheduler.Start(ctx)

	// Aggregator
	aggregatorService := aggregator.NewAggregator(manager, hub, time.Second, log.Logger)
	go aggregatorService.Start(ctx)

	// HTTP handlers
	voiceHandler := telephony.NewHandler(manager, cfg.PublicURL, cfg.TwilioConfigured(), log.Logger)
	streamCfg := telephony.DefaultStreamConfig()
	streamCfg.Detector = pipeline.DetectorConfig{
		EnergyThreshold: cfg.BargeInEnergy,
		SilenceTimeout:  cfg.SilenceThreshold,
		MinUtterance:    cfg.MinUtterance(),
		MaxUtterance:    pipeline.DefaultDetectorConfig().MaxUtterance,
	}
	wsHandler := websocket.NewHandler(hub, cfg, log.Logger)
	sessionsHandler := api.NewSessionsHandler(manager, log.Logger)
	historyHandler := api.NewHistoryHandler(store, log.Logger)
	adminHandler := api.NewAdminHandler(cfg.CallSimURL, ruleCache, scheduler, store, log.Logger)
	authenticator := auth.New(auth.Options{
		SkipAuth:        cfg.SkipAuth,
		VerifySignature: cfg.VerifyJWTSignature,
		Issuer:          cfg.OIDCIssuer,
	}, log.Logger)

	r := newRouter(cfg, routes{
		voice:    voiceHandler,
		stream:   telephony.StreamHandler(manager, streamCfg, log.Logger),
		ws:       wsHandler,
		sessions: sessionsHandler,
		history:  historyHandler,
		admin:    adminHandler,
		auth:     authenticator,
	})

	// Create HTTP server
	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Info().Msgf("server listening on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	// Wait for interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server...")

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// End live calls first so their final events reach the notifier
	manager.Shutdown(shutdownCtx)
	cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	if notifier != nil {
		notifier.Close(shutdownCtx)
	}

	log.Info().Msg("server stopped")
}

// routes groups the handlers mounted by newRouter
type routes struct {
	voice    *telephony.Handler
	stream   http.HandlerFunc
	ws       http.Handler
	sessions *api.SessionsHandler
	history  *api.HistoryHandler
	admin    *api.AdminHandler
	auth     *auth.Authenticator
}

func newRouter(cfg *config.Config, h routes) chi.Router {
	r := chi.NewRouter()

	// Add middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logger(log.Logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	// Register public routes (no auth required)
	r.Get("/health", healthHandler)
	r.Handle("/metrics", metrics.Get().Handler())

	// Provider routes (called by Twilio)
	r.Route("/voice", func(r chi.Router) {
		r.Post("/inbound", h.voice.HandleInbound)
		r.Post("/outbound", h.voice.HandleOutbound)
		r.Post("/status", h.voice.HandleStatus)
		r.Post("/transfer-status", h.voice.HandleTransferStatus)
		r.Post("/recording", h.voice.HandleRecording)
		r.Get("/stream", h.stream)
		r.Get("/stats", h.voice.GetStats)
	})

	// Add auth middleware for protected routes
	r.Group(func(r chi.Router) {
		r.Use(h.auth.Middleware)
		r.Get("/ws", h.ws.ServeHTTP)

		r.Route("/api", func(r chi.Router) {
			r.Get("/sessions", h.sessions.ListSessions)
			r.Get("/sessions/{callId}", h.sessions.GetSession)
			r.Post("/sessions/{callId}/end", h.sessions.EndSession)
			r.Get("/calls", h.history.GetCalls)
			r.Get("/delivery-failures", h.history.GetDeliveryFailures)
			r.Delete("/delivery-failures/{callId}/{eventKey}", h.history.DismissDeliveryFailure)

			r.Route("/admin", func(r chi.Router) {
				r.Use(auth.RequireAdmin)
				r.Post("/rules/reload", h.admin.ReloadRules)
				r.Get("/callbacks", h.admin.GetCallbacks)
				r.Post("/wipe-storage", h.admin.WipeStorage)
				r.Get("/sim/status", h.admin.GetSimStatus)
				r.Post("/sim/calls", h.admin.StartSimCalls)
				r.Post("/sim/stop", h.admin.StopSim)
			})
		})
	})

	return r
}

// newGateway builds the speech stages for the configured pipeline mode.
func newGateway(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*speech.Gateway, error) {
	timeouts := speech.Timeouts{
		Recognition: cfg.RecognitionTimeout,
		Generation:  cfg.GenerationTimeout,
		Synthesis:   cfg.SynthesisTimeout,
	}
	logger = logger.With().Str("component", "speech").Logger()

	if cfg.PipelineMode == config.PipelineMock {
		return speech.NewGateway(&speech.MockRecognizer{}, &speech.MockGenerator{}, speech.MockSynthesizer{}, timeouts, logger), nil
	}

	var gen speech.Generator = speech.NewHTTPGenerator(cfg.LLMURL, cfg.LLMMaxTokens, cfg.LLMTemperature)
	if cfg.GeminiAPIKey != "" {
		g, err := speech.NewGeminiGenerator(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, cfg.LLMMaxTokens, cfg.LLMTemperature)
		if err != nil {
			return nil, fmt.Errorf("create gemini generator: %w", err)
		}
		gen = g
	}
	return speech.NewGateway(
		speech.NewHTTPRecognizer(cfg.STTURL, cfg.STTLanguage),
		gen,
		speech.NewElevenLabsSynthesizer(cfg.ElevenLabsURL, cfg.ElevenLabsAPIKey, cfg.ElevenLabsVoiceID, cfg.ElevenLabsModelID),
		timeouts,
		logger,
	), nil
}

// newRuleSource returns the rule source, the number directory (nil when the
// source has none) and a close func.
func newRuleSource(ctx context.Context, cfg *config.Config) (rules.Source, rules.Directory, func(), error) {
	switch cfg.RulesSource {
	case config.RulesPostgres:
		pg, err := rules.NewPostgresSource(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, nil, err
		}
		return pg, pg, pg.Close, nil
	case config.RulesFile:
		f := rules.NewFileSource(cfg.RulesFile)
		return f, f, func() {}, nil
	default:
		return rules.NoSource{}, nil, func() {}, nil
	}
}

// healthHandler handles health check requests
func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","service":"callcore"}`)
}
