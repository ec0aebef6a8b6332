package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/healconnect/healconnect/internal/config"
	"github.com/healconnect/healconnect/internal/domain/appointment"
	"github.com/healconnect/healconnect/internal/platform/auth"
	"github.com/healconnect/healconnect/internal/platform/db"
	"github.com/healconnect/healconnect/internal/platform/events"
	"github.com/healconnect/healconnect/internal/platform/idempotency"
	"github.com/healconnect/healconnect/internal/platform/middleware"
	"github.com/healconnect/healconnect/internal/platform/notification"
	"github.com/healconnect/healconnect/internal/platform/websocket"
)

// closers are released in reverse order on shutdown.
type closers []func()

func (c *closers) add(fn func()) { *c = append(*c, fn) }

func (c closers) run() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

func runServer(cfg *config.Config, logger zerolog.Logger) error {
	ctx := context.Background()
	var cleanup closers
	defer cleanup.run()

	if cfg.IsDev() {
		logger.Warn().Msg("ENV=development: dev auth is active, identity comes from X-Dev-User / X-Dev-Role headers")
	}

	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	// Storage
	var (
		repo appointment.Repository
		pool *pgxpool.Pool
	)
	switch cfg.Store {
	case config.StorePostgres:
		pool, err = db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		cleanup.add(pool.Close)
		repo = appointment.NewPGRepository(pool)
		logger.Info().Msg("connected to database")
	default:
		repo = appointment.NewMemoryRepository()
		logger.Warn().Msg("using in-memory appointment store; data is lost on restart")
	}

	// Live view and event sinks
	hub := websocket.NewHub(logger.With().Str("component", "websocket").Logger())
	cleanup.add(hub.CloseAll)

	sinks, err := buildSinks(ctx, cfg, hub)
	if err != nil {
		return err
	}
	publisher := events.NewPublisher(logger.With().Str("component", "events").Logger(), sinks...)
	cleanup.add(func() {
		if err := publisher.Close(); err != nil {
			logger.Error().Err(err).Msg("close event sinks")
		}
	})
	logger.Info().Strs("sinks", publisher.Sinks()).Msg("event sinks configured")

	// Notifications
	notifyMgr := buildNotifications(cfg, logger)
	notifier := newAppointmentNotifier(publisher, notifyMgr, cfg.DoctorNotifyEmail,
		logger.With().Str("component", "notifier").Logger())
	cleanup.add(notifier.Wait)

	// Idempotent booking
	idemStore, err := buildIdempotencyStore(ctx, cfg, &cleanup)
	if err != nil {
		return err
	}

	svc := appointment.NewService(repo,
		appointment.NewBookingValidator(appointment.SystemClock, loc),
		appointment.WithNotifier(notifier),
		appointment.WithLogger(logger.With().Str("component", "appointments").Logger()),
	)

	e := newEcho(cfg, logger, pool)
	apiV1 := e.Group("/api/v1", authMiddleware(cfg), middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}))

	appointment.NewHandler(svc).RegisterRoutes(apiV1,
		idempotency.Middleware(idemStore, func(c echo.Context) string {
			return auth.UserIDFromContext(c.Request().Context())
		}, logger))

	wsHandler := websocket.NewHandler(hub, wsAccess, cfg.CORSOrigins)
	apiV1.GET("/ws", wsHandler.HandleConnect, auth.RequireRole(auth.RolePatient, auth.RoleDoctor))

	admin := apiV1.Group("/admin", auth.RequireRole(auth.RoleAdmin))
	notification.NewHandler(notifyMgr).RegisterRoutes(admin)

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("store", cfg.Store).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}

func newEcho(cfg *config.Config, logger zerolog.Logger, pool *pgxpool.Pool) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders(!cfg.IsDev()))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, idempotency.HeaderKey},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status": "ok",
			"store":  cfg.Store,
		})
	})
	if pool != nil {
		e.GET("/health/db", db.HealthHandler(pool))
	}
	return e
}

func authMiddleware(cfg *config.Config) echo.MiddlewareFunc {
	if cfg.IsDev() {
		return auth.DevAuthMiddleware()
	}
	jwtCfg := auth.JWTConfig{
		Issuer:   cfg.AuthIssuer,
		Audience: cfg.AuthAudience,
		JWKSURL:  cfg.AuthJWKSURL,
	}
	if cfg.AuthSigningKey != "" {
		jwtCfg.SigningKey = []byte(cfg.AuthSigningKey)
	}
	return auth.JWTMiddleware(jwtCfg)
}

// buildSinks opens every sink named in EVENT_SINKS. Already opened sinks
// are closed if a later one fails.
func buildSinks(ctx context.Context, cfg *config.Config, hub *websocket.Hub) ([]events.Sink, error) {
	var sinks []events.Sink
	fail := func(err error) ([]events.Sink, error) {
		for _, s := range sinks {
			_ = s.Close()
		}
		return nil, err
	}
	for _, name := range cfg.EventSinks {
		switch name {
		case config.SinkHub:
			sinks = append(sinks, events.NewHubSink(hub))
		case config.SinkRabbitMQ:
			s, err := events.NewRabbitMQSink(cfg.RabbitMQURL, cfg.RabbitMQExchange)
			if err != nil {
				return fail(err)
			}
			sinks = append(sinks, s)
		case config.SinkKafka:
			sinks = append(sinks, events.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic))
		case config.SinkSQS:
			s, err := events.NewSQSSink(ctx, cfg.SQSQueueURL)
			if err != nil {
				return fail(err)
			}
			sinks = append(sinks, s)
		case config.SinkWebhook:
			sinks = append(sinks, events.NewWebhookSink(cfg.WebhookURL, cfg.WebhookSecret))
		default:
			return fail(fmt.Errorf("unknown event sink %q", name))
		}
	}
	return sinks, nil
}

// buildNotifications wires SMTP and Twilio when configured. Channels without
// a provider log instead of sending.
func buildNotifications(cfg *config.Config, logger zerolog.Logger) *notification.Manager {
	logSender := notification.NewLogSender(logger.With().Str("component", "notification").Logger())

	var email notification.EmailSender = logSender
	if cfg.SMTPEnabled() {
		email = notification.NewSMTPSender(notification.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
		})
	}
	var sms notification.SMSSender = logSender
	if cfg.TwilioEnabled() {
		sms = notification.NewTwilioSender(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioFrom)
	}
	return notification.NewManager(email, sms, notification.NewTemplateEngine(), cfg.NotificationLog)
}

// buildIdempotencyStore uses Redis when REDIS_URL is set so replays work
// across replicas, and a process-local LRU otherwise.
func buildIdempotencyStore(ctx context.Context, cfg *config.Config, cleanup *closers) (idempotency.Store, error) {
	if cfg.RedisURL == "" {
		return idempotency.NewLRUStore(cfg.IdempotencyCacheSize, cfg.IdempotencyTTL), nil
	}
	store, client, err := idempotency.NewRedisStoreFromURL(ctx, cfg.RedisURL, cfg.IdempotencyTTL)
	if err != nil {
		return nil, err
	}
	cleanup.add(func() { _ = client.Close() })
	return store, nil
}

// wsAccess gives doctors and admins the clinic-wide feed and patients only
// their own appointment topic.
func wsAccess(c echo.Context) (websocket.Access, error) {
	ctx := c.Request().Context()
	userID := auth.UserIDFromContext(ctx)
	switch auth.PrimaryRole(ctx) {
	case auth.RoleAdmin, auth.RoleDoctor:
		return websocket.Access{
			UserID: userID,
			Topics: []string{topicAppointments},
			Allowed: func(topic string) bool {
				return topic == topicAppointments || strings.HasPrefix(topic, topicPatientPrefix)
			},
		}, nil
	case auth.RolePatient:
		own := patientTopic(userID)
		return websocket.Access{
			UserID:  userID,
			Topics:  []string{own},
			Allowed: func(topic string) bool { return topic == own },
		}, nil
	default:
		return websocket.Access{}, echo.NewHTTPError(http.StatusForbidden, "no role permits the live feed")
	}
}
