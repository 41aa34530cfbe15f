package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"chat-client/internal/api"
	"chat-client/internal/attachments"
	"chat-client/internal/config"
	"chat-client/internal/db"
	"chat-client/internal/dispatcher"
	"chat-client/internal/events"
	"chat-client/internal/handlers"
	"chat-client/internal/notify"
	"chat-client/internal/observability"
	"chat-client/internal/presence"
	"chat-client/internal/rabbitmq"
	"chat-client/internal/repositories"
	"chat-client/internal/store"
	"chat-client/internal/telemetry"
	"chat-client/internal/transport"
)

const serviceName = "chat-client"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := zerolog.New(os.Stderr)
		fallback.Fatal().Err(err).Msg("invalid configuration")
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, cfg.OTLPEndpoint, serviceName, cfg.Env)
	if err != nil {
		logger.Fatal().Err(err).Msg("tracing setup failed")
	}

	bus := events.NewBus()
	client := api.New(cfg.APIBaseURL, cfg.AuthToken, cfg.RESTTimeout)

	manager := transport.NewManager(transport.Config{
		OpenTimeout:       cfg.OpenTimeout,
		SocketAttempts:    cfg.SocketAttempts,
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatTimeout:  cfg.HeartbeatTimeout,
		BaseDelay:         cfg.ReconnectBaseDelay,
		BackoffCap:        cfg.BackoffCap,
		MaxAttempts:       cfg.ReconnectMaxTries,
		MaxQueue:          cfg.SendQueueSize,
	},
		transport.NewSocketDialer(cfg.WSURL, cfg.AuthToken),
		streamDialer(cfg),
		bus, logger)

	disp := dispatcher.New(bus, logger)
	defer disp.Close()

	conversations := store.New(store.Config{SelfID: cfg.UserID}, client, manager, bus, logger)
	defer conversations.Close()

	tracker := presence.New(presence.Config{
		TypingIdle:   cfg.TypingIdle,
		TypingExpiry: cfg.TypingExpiry,
	}, client, conversations, manager, bus, logger)
	defer tracker.Close()

	pipeline := attachments.New(attachments.Config{
		MaxFiles:    cfg.MaxUploadFiles,
		MaxFileSize: cfg.MaxUploadSize,
	}, client, conversations, logger)

	feed := notify.NewFeed(bus, 50, logger)
	defer feed.Close()

	publisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange, logger)
	defer publisher.Close()
	logger.Info().
		Str("mode", rabbitmq.PublisherMode(publisher)).
		Str("reason", rabbitmq.PublisherNoopReason(publisher)).
		Msg("telemetry publisher ready")

	var sink notify.Sink = client
	if rabbitmq.PublisherMode(publisher) == "amqp" {
		sink = telemetry.NewEmitter(publisher, "client.tracking", serviceName, cfg.Env, cfg.UserID, logger)
	}
	lifecycle := telemetry.NewLifecycleTracker(
		telemetry.NewEmitter(publisher, "client.lifecycle", serviceName, cfg.Env, cfg.UserID, logger),
		bus, 64, logger)

	queue, subscriptions, closeDurable, err := openDurable(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.QueueDriver).Msg("durable store unavailable")
	}
	defer closeDurable()

	clients := notify.NewLocalClients(8)
	gateway := notify.New(notify.Config{CallTimeout: cfg.RESTTimeout},
		notify.NewLogRenderer(logger), clients, client, sink, queue, subscriptions, logger)

	go gateway.Run(ctx)
	go lifecycle.Run(ctx)
	go conversations.RunReconciler(ctx, cfg.ReconcileInterval)
	go foreground(ctx, clients, conversations, logger)

	bus.Subscribe(events.TopicStateChanged, func(ev events.Event) {
		if changed, ok := ev.Payload.(events.StateChanged); ok && changed.State == string(transport.StateConnected) {
			go func() { _ = gateway.Post(ctx, notify.ConnectivityRestored{}) }()
		}
	})
	bus.Subscribe(events.TopicGaveUp, func(ev events.Event) {
		logger.Error().Msg("gave up reconnecting, POST /connect to retry")
	})

	if err := manager.Connect(ctx); err != nil {
		logger.Warn().Err(err).Msg("initial connect failed, reconnecting in background")
	}
	if _, err := conversations.LoadConversations(ctx, 1, ""); err != nil {
		logger.Warn().Err(err).Msg("initial conversation load failed")
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	handler := handlers.NewControlHandler(manager, conversations, tracker, pipeline, gateway, feed, logger)
	srv := &http.Server{
		Addr:         cfg.ControlAddr,
		Handler:      handlers.NewRouter(handler, cfg.ControlToken, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.ControlAddr).Str("env", cfg.Env).Msg("starting control server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("control server failed")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	manager.Disconnect()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("control server forced to shutdown")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("tracing shutdown")
	}
	logger.Info().Msg("stopped")
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if cfg.IsProduction() {
		logger = zerolog.New(os.Stdout)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}
	return logger.Level(level).With().Timestamp().Str("service", serviceName).Logger()
}

// openDurable opens the tracking queue and the push subscription store.
// Subscriptions always live in SQL; with QUEUE_DRIVER=redis only the
// tracking queue moves to Redis and subscriptions use a local sqlite file.
func openDurable(ctx context.Context, cfg *config.Config) (notify.Queue, notify.Subscriptions, func(), error) {
	driver, dsn := cfg.QueueDriver, cfg.QueueDSN
	if driver == config.QueueRedis {
		driver = db.DriverSQLite
		if strings.HasPrefix(dsn, "postgres") {
			dsn = ""
		}
	}

	conn, err := db.Connect(ctx, driver, dsn)
	if err != nil {
		return nil, nil, nil, err
	}
	subscriptions := repositories.NewPushSubscriptionRepo(conn)

	if cfg.QueueDriver != config.QueueRedis {
		return repositories.NewTrackingRepo(conn), subscriptions, func() { _ = conn.Close() }, nil
	}

	redisQueue, err := repositories.NewRedisTrackingQueue(ctx, cfg.RedisURL, serviceName)
	if err != nil {
		_ = conn.Close()
		return nil, nil, nil, err
	}
	return redisQueue, subscriptions, func() {
		_ = redisQueue.Close()
		_ = conn.Close()
	}, nil
}

// foreground plays the role of the app window: it follows navigate requests
// from the notification gateway by activating the conversation.
func foreground(ctx context.Context, clients *notify.LocalClients, conversations *store.Store, logger zerolog.Logger) {
	window := clients.Attach(8)
	defer window.Detach()
	log := logger.With().Str("component", "foreground").Str("window", window.ID()).Logger()

	open := func(url string) {
		id, err := strconv.ParseInt(strings.TrimPrefix(url, "/messages/"), 10, 64)
		if err != nil {
			log.Info().Str("url", url).Msg("opened conversation list")
			return
		}
		conversations.SetActive(id)
		log.Info().Int64("conversation_id", id).Msg("opened conversation")
	}

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-window.Messages():
			if msg.Type == "navigate" {
				open(msg.URL)
			}
		case url := <-clients.Launches():
			open(url)
		}
	}
}

// streamDialer bounds stream silence by two heartbeat periods plus the pong
// timeout; the server sends ping events on the heartbeat cadence.
func streamDialer(cfg *config.Config) *transport.StreamDialer {
	d := transport.NewStreamDialer(cfg.StreamURL, cfg.AuthToken)
	d.IdleTimeout = 2*cfg.HeartbeatInterval + cfg.HeartbeatTimeout
	return d
}
