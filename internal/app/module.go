// Package app composes the marketchat server from its parts with fx.
package app

import (
	"context"
	"errors"
	"time"

	"marketchat/config"
	"marketchat/internal/auth"
	"marketchat/internal/broker/kafka"
	"marketchat/internal/handler"
	"marketchat/internal/kv"
	"marketchat/internal/middleware"
	"marketchat/internal/outbox"
	"marketchat/internal/presence"
	chatredis "marketchat/internal/redis"
	"marketchat/internal/repository"
	"marketchat/internal/repository/memory"
	"marketchat/internal/server"
	"marketchat/internal/services"
	"marketchat/internal/websocket"
	"marketchat/pkg/database"
	"marketchat/pkg/logger"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

const (
	shutdownTimeout = 10 * time.Second
	drainTimeout    = 5 * time.Second
	profileCacheTTL = 10 * time.Minute
)

// Module returns the fx module for the API server.
func Module() fx.Option {
	return fx.Module("marketchat",
		fx.Provide(
			provideConfig,
			provideLogger,
			provideZap,
			provideStore,
			provideRedis,
			provideRealtime,
			provideEvents,
			provideGateway,
			provideServices,
			provideVerifier,
			provideHandlers,
			provideServer,
		),
		fx.WithLogger(func(l *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: l.Named("fx")}
		}),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig() (*config.Config, error) {
	cfg := config.LoadConfig()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func provideLogger(lc fx.Lifecycle, cfg *config.Config) *logger.Logger {
	l := logger.New(cfg.LogMode)
	logger.SetGlobalLogger(l)
	lc.Append(fx.StopHook(l.Sync))
	return l
}

func provideZap(l *logger.Logger) *zap.Logger {
	return l.Logger
}

// Store is the selected persistence backend.
type Store struct {
	Conversations repository.ConversationRepository
	Messages      repository.MessageRepository
	Users         repository.UserRepository
	// Check is nil for the in-memory backend.
	Check server.HealthCheck
}

func provideStore(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) (*Store, error) {
	if cfg.StoreBackend == config.StoreBackendMemory {
		log.Warn("using in-memory store; data is lost on restart")
		s := memory.NewStore()
		return &Store{Conversations: s.Conversations(), Messages: s.Messages(), Users: s.Users()}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	pool, err := database.Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	result, err := database.MigrateUp(pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if result.Changed {
		log.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		log.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	lc.Append(fx.StopHook(pool.Close))

	return &Store{
		Conversations: repository.NewConversationRepository(pool),
		Messages:      repository.NewMessageRepository(pool),
		Users:         repository.NewUserRepository(pool),
		Check: func(ctx context.Context) error {
			return database.HealthCheck(ctx, pool)
		},
	}, nil
}

// provideRedis returns nil when Redis is disabled.
func provideRedis(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) (*goredis.Client, error) {
	if !cfg.RedisEnabled {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := chatredis.Connect(ctx, chatredis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		return nil, err
	}
	log.Info("redis connected", zap.String("addr", client.Options().Addr))
	lc.Append(fx.StopHook(client.Close))
	return client, nil
}

// Realtime groups the collaborators that change with the Redis setting.
type Realtime struct {
	Tracker        presence.Tracker
	Revocations    kv.Store
	Fanout         websocket.Fanout
	ConnLimiter    websocket.ConnectionLimiter
	MessageLimiter middleware.MessageLimiter
	// Bridge is nil on a single instance.
	Bridge *websocket.RedisBridge
	Hub    *websocket.Hub
}

func provideRealtime(cfg *config.Config, client *goredis.Client, log *zap.Logger) *Realtime {
	hub := websocket.NewHub()
	if client == nil {
		return &Realtime{
			Tracker:     presence.NewMemory(),
			Revocations: kv.NewMemory(),
			ConnLimiter: websocket.NewMemoryConnectionLimiter(cfg.WSMaxConnPerMin),
			Hub:         hub,
		}
	}

	limits := chatredis.DefaultRateLimitConfig()
	limits.MessageLimit = cfg.MessagesPerMin
	limits.ConnectionLimit = cfg.WSMaxConnPerMin
	limiter := chatredis.NewRateLimiter(client, limits)

	rt := &Realtime{
		Tracker:     chatredis.NewPresenceTracker(client, cfg.PresenceTTL),
		Revocations: chatredis.NewKV(client, "auth:revoked:"),
		Fanout:      websocket.NewBusFanout(chatredis.NewPublisher(client)),
		ConnLimiter: limiter,
		Bridge:      websocket.NewRedisBridge(chatredis.NewSubscriber(client), hub, log.Named("bridge")),
		Hub:         hub,
	}
	if cfg.MessagesPerMin > 0 {
		rt.MessageLimiter = limiter
	}
	return rt
}

// provideEvents returns nil when no broker is configured.
func provideEvents(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) (services.DomainEventPublisher, error) {
	if !cfg.KafkaEnabled() {
		return nil, nil
	}
	producer, err := kafka.NewProducer(cfg.KafkaBrokers, nil)
	if err != nil {
		return nil, err
	}
	publisher := kafka.NewPublisher(producer, cfg.KafkaTopic)
	processor := outbox.NewProcessor(publisher, outbox.DefaultConfig(), log.Named("outbox"))
	runner := outbox.NewRunner(processor, drainTimeout)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			runner.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return errors.Join(runner.Stop(ctx), publisher.Close())
		},
	})
	log.Info("domain events enabled", zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.KafkaTopic))
	return processor, nil
}

func provideGateway(cfg *config.Config, rt *Realtime, store *Store, log *zap.Logger) *websocket.Gateway {
	var checker websocket.ParticipantChecker
	if cfg.WSCheckParticipant {
		checker = store.Conversations
	}
	return websocket.NewGateway(rt.Hub, rt.Tracker, rt.Fanout, checker, websocket.GatewayConfig{
		TypingTimeout: cfg.TypingTimeout,
		SendBuffer:    cfg.WSSendBuffer,
	}, log.Named("gateway"))
}

func provideServices(cfg *config.Config, store *Store, client *goredis.Client, gateway *websocket.Gateway, domainEvents services.DomainEventPublisher, log *zap.Logger) (*services.ConversationService, *services.MessageService) {
	users := store.Users
	if client != nil {
		users = chatredis.NewProfileCache(client, users, profileCacheTTL, log.Named("profiles"))
	}
	opts := services.Options{
		Notifier:     gateway,
		Events:       domainEvents,
		StoreTimeout: cfg.StoreTimeout,
		Logger:       log.Named("services"),
	}
	return services.NewConversationService(store.Conversations, users, opts),
		services.NewMessageService(store.Conversations, store.Messages, users, opts)
}

func provideVerifier(cfg *config.Config, rt *Realtime) *auth.Verifier {
	return auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer, rt.Revocations)
}

func provideHandlers(cfg *config.Config, conversations *services.ConversationService, messages *services.MessageService, rt *Realtime, gateway *websocket.Gateway, verifier *auth.Verifier, log *zap.Logger) *server.Handlers {
	return &server.Handlers{
		Conversations: handler.NewConversationHandler(conversations),
		Messages:      handler.NewMessageHandler(messages),
		Presence:      handler.NewPresenceHandler(rt.Tracker),
		WebSocket:     websocket.NewHandler(verifier, gateway, rt.ConnLimiter, cfg.CORSOrigins, log.Named("ws")),
	}
}

func provideServer(cfg *config.Config, l *logger.Logger, handlers *server.Handlers, verifier *auth.Verifier, rt *Realtime, store *Store, client *goredis.Client) *server.Server {
	checks := map[string]server.HealthCheck{}
	if store.Check != nil {
		checks["database"] = store.Check
	}
	if client != nil {
		checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
	}
	srv := server.New(cfg, l)
	srv.SetupRoutes(handlers, verifier, rt.MessageLimiter, checks)
	return srv
}

func registerLifecycle(lc fx.Lifecycle, srv *server.Server, gateway *websocket.Gateway, rt *Realtime, log *zap.Logger) {
	bridgeCtx, stopBridge := context.WithCancel(context.Background())
	bridgeDone := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			if rt.Bridge != nil {
				go func() {
					defer close(bridgeDone)
					if err := rt.Bridge.Run(bridgeCtx); err != nil && bridgeCtx.Err() == nil {
						log.Error("redis bridge stopped", zap.Error(err))
					}
				}()
			} else {
				close(bridgeDone)
			}
			return srv.Start()
		},
		OnStop: func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
			defer cancel()
			err := srv.Shutdown(ctx)
			if gerr := gateway.Shutdown(ctx); gerr != nil {
				log.Warn("gateway shutdown incomplete", zap.Error(gerr))
			}
			stopBridge()
			select {
			case <-bridgeDone:
			case <-ctx.Done():
			}
			log.Info("server stopped")
			return err
		},
	})
}
