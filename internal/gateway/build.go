package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/qwer2003tw/unigate/internal/auth"
	"github.com/qwer2003tw/unigate/internal/bus"
	"github.com/qwer2003tw/unigate/internal/channels/telegram"
	"github.com/qwer2003tw/unigate/internal/channels/web"
	"github.com/qwer2003tw/unigate/internal/commands"
	"github.com/qwer2003tw/unigate/internal/config"
	"github.com/qwer2003tw/unigate/internal/history"
	"github.com/qwer2003tw/unigate/internal/identity"
	"github.com/qwer2003tw/unigate/internal/observability"
	"github.com/qwer2003tw/unigate/internal/retention"
	"github.com/qwer2003tw/unigate/internal/router"
	"github.com/qwer2003tw/unigate/internal/storage"
	"github.com/qwer2003tw/unigate/internal/uploads"
)

// Build wires every service from configuration and returns a server
// ready to Start. The returned cleanup releases resources that outlive
// Shutdown, such as the trace exporter.
func Build(ctx context.Context, cfg *config.Config, version string) (*Server, func(context.Context) error, error) {
	log := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	metrics := observability.NewMetrics()

	_, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "unigate",
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		EnableInsecure: cfg.Tracing.Insecure,
	})

	stores, err := buildStores(cfg)
	if err != nil {
		return nil, nil, err
	}

	limiter := auth.NewLoginLimiter(cfg.Auth.LoginLimit.MaxFailures, cfg.Auth.LoginLimit.Window)
	identitySvc := identity.NewService(identity.Options{
		Stores:     stores,
		JWT:        auth.NewJWTService(cfg.Auth.JWTSecret, cfg.Auth.TokenExpiry),
		Limiter:    limiter,
		Logger:     log,
		Metrics:    metrics,
		BcryptCost: cfg.Auth.BcryptCost,
		CodeTTL:    cfg.Binding.CodeTTL,
		AdmitAll:   !cfg.Telegram.Allowlist.Enforce,
	})
	if err := seedAllowlist(ctx, identitySvc, cfg.Telegram.Allowlist); err != nil {
		return nil, nil, fmt.Errorf("seed allowlist: %w", err)
	}

	historySvc := history.NewService(history.Options{
		Stores:   stores,
		Logger:   log,
		Metrics:  metrics,
		TTL:      cfg.History.TTL,
		Gap:      cfg.History.ConversationGap,
		PageSize: cfg.History.PageSize,
	})

	eventBus := bus.New(bus.Options{
		Workers:     cfg.Bus.Workers,
		MaxAttempts: cfg.Processor.MaxAttempts,
		Logger:      log,
		Metrics:     metrics,
	})
	validator, err := bus.NewValidator()
	if err != nil {
		return nil, nil, fmt.Errorf("compile event schemas: %w", err)
	}

	if cfg.Processor.Endpoint != "" {
		bus.NewForwarder(bus.ForwarderOptions{
			Bus:       eventBus,
			Endpoint:  cfg.Processor.Endpoint,
			AuthToken: cfg.Processor.AuthToken,
			Timeout:   cfg.Processor.Timeout,
			Logger:    log,
			Metrics:   metrics,
		})
	} else {
		log.Warn(ctx, "processor endpoint not configured, inbound messages will not be answered")
	}

	responses := router.New(router.Options{
		History: historySvc,
		Logger:  log,
		Metrics: metrics,
	})

	var webhook http.Handler
	if cfg.Telegram.Enabled {
		webhook, err = buildTelegram(ctx, cfg, stores, identitySvc, historySvc, eventBus, responses, log, metrics)
		if err != nil {
			return nil, nil, err
		}
	}

	var ws http.Handler
	if cfg.Web.Enabled {
		webHandler := web.NewHandler(web.Options{
			Identity:       identitySvc,
			Bus:            eventBus,
			Connections:    stores.Connections,
			ConnectionTTL:  cfg.Web.ConnectionTTL,
			ReadLimit:      cfg.Web.ReadLimit,
			PingInterval:   cfg.Web.PingInterval,
			AllowedOrigins: cfg.Web.AllowedOrigins,
			Logger:         log,
			Metrics:        metrics,
		})
		responses.Register(router.NewWebDelivery(webHandler, stores.Connections, log))
		ws = webHandler
	}

	responses.Attach(eventBus)

	var sweeper *retention.Sweeper
	if cfg.Retention.Enabled {
		sweeper = retention.NewSweeper(retention.Options{
			Stores:   stores,
			Limiter:  limiter,
			Schedule: cfg.Retention.Schedule,
			Logger:   log,
			Metrics:  metrics,
		})
	}

	server, err := NewServer(ServerOptions{
		Config:    cfg,
		Identity:  identitySvc,
		History:   historySvc,
		Bus:       eventBus,
		Stores:    stores,
		Validator: validator,
		Webhook:   webhook,
		WebSocket: ws,
		Sweeper:   sweeper,
		Logger:    log,
		Metrics:   metrics,
	})
	if err != nil {
		return nil, nil, err
	}
	return server, shutdownTracer, nil
}

func buildStores(cfg *config.Config) (storage.StoreSet, error) {
	switch cfg.Storage.Backend {
	case "postgres":
		return storage.NewPostgresStoresFromDSN(cfg.Storage.DSN, &storage.PostgresConfig{
			MaxOpenConns:    cfg.Storage.MaxConnections,
			MaxIdleConns:    cfg.Storage.MaxConnections / 4,
			ConnMaxLifetime: cfg.Storage.ConnMaxLifetime,
			ConnMaxIdleTime: 2 * time.Minute,
			ConnectTimeout:  cfg.Storage.ConnectTimeout,
		})
	default:
		return storage.NewMemoryStores(), nil
	}
}

// seedAllowlist creates entries for configured chats that have none.
// Existing entries are left alone so runtime changes survive restarts.
func seedAllowlist(ctx context.Context, svc *identity.Service, cfg config.AllowlistConfig) error {
	for i, chatID := range cfg.ChatIDs {
		if _, err := svc.AllowlistGet(ctx, chatID); err == nil {
			continue
		}
		username := ""
		if i < len(cfg.Usernames) {
			username = cfg.Usernames[i]
		}
		if _, err := svc.AllowlistAdd(ctx, chatID, username, storage.RoleUser); err != nil {
			return err
		}
	}
	return nil
}

// buildArtifactStore picks S3 when a bucket is configured, a local
// directory when a path is, and nil otherwise (attachments then flow
// permission-denied, text only).
func buildArtifactStore(ctx context.Context, cfg *config.Config) (uploads.Store, error) {
	switch {
	case cfg.Artifacts.Bucket != "":
		store, err := uploads.NewS3Store(ctx, &uploads.S3StoreConfig{
			Bucket:          cfg.Artifacts.Bucket,
			Region:          cfg.Artifacts.Region,
			Endpoint:        cfg.Artifacts.Endpoint,
			Prefix:          cfg.Artifacts.Prefix,
			AccessKeyID:     cfg.Artifacts.AccessKeyID,
			SecretAccessKey: cfg.Artifacts.SecretAccessKey,
			UsePathStyle:    cfg.Artifacts.UsePathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("create artifact store: %w", err)
		}
		return store, nil
	case cfg.Artifacts.LocalPath != "":
		store, err := uploads.NewLocalStore(cfg.Artifacts.LocalPath)
		if err != nil {
			return nil, fmt.Errorf("create artifact store: %w", err)
		}
		return store, nil
	default:
		return nil, nil
	}
}

func buildTelegram(
	ctx context.Context,
	cfg *config.Config,
	stores storage.StoreSet,
	identitySvc *identity.Service,
	historySvc *history.Service,
	eventBus *bus.Bus,
	responses *router.Router,
	log *observability.Logger,
	metrics *observability.Metrics,
) (http.Handler, error) {
	client, err := telegram.NewBotClient(cfg.Telegram.BotToken, cfg.Telegram.APIEndpoint)
	if err != nil {
		return nil, fmt.Errorf("create telegram client: %w", err)
	}

	sender := telegram.NewSender(telegram.SenderOptions{
		Client:  client,
		Rate:    cfg.Telegram.SendRate,
		Burst:   cfg.Telegram.SendBurst,
		Logger:  log,
		Metrics: metrics,
	})
	responses.Register(router.NewTelegramDelivery(sender))

	store, err := buildArtifactStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	var files *telegram.FileFetcher
	if store != nil {
		files = telegram.NewFileFetcher(telegram.FileFetcherOptions{
			Client:      client,
			Store:       store,
			MaxFileSize: cfg.Telegram.MaxFileSize,
			Logger:      log,
			Metrics:     metrics,
		})
	}

	cmds := commands.NewRouter(log)
	cmds.Register(commands.NewBindHandler(identitySvc, sender, log))
	cmds.Register(commands.NewNewSessionHandler(historySvc, stores.Users, sender, log))
	cmds.Register(commands.RequirePermission(
		commands.NewAdminHandler(identitySvc, sender, log),
		commands.PermissionAdmin, identitySvc, sender, log))
	cmds.Register(commands.NewDebugHandler(sender, log))
	cmds.Register(commands.NewInfoHandler(&commands.StaticDeployment{
		Deployment: commands.Deployment{
			Name:        "unigate",
			Status:      "active",
			Region:      cfg.Artifacts.Region,
			LastUpdated: time.Now().UTC(),
		},
	}, sender, log))

	opts := telegram.WebhookOptions{
		Secret:   cfg.Telegram.WebhookSecret,
		Commands: cmds,
		Identity: identitySvc,
		Bus:      eventBus,
		Files:    files,
		Users:    stores.Users,
		Logger:   log,
		Metrics:  metrics,
	}
	if cfg.LegacyQueue.Enabled {
		mirror, err := bus.NewSQSMirror(ctx, bus.SQSMirrorOptions{
			QueueURL: cfg.LegacyQueue.QueueURL,
			Region:   cfg.LegacyQueue.Region,
			Endpoint: cfg.LegacyQueue.Endpoint,
			Logger:   log,
			Metrics:  metrics,
		})
		if err != nil {
			return nil, fmt.Errorf("create legacy queue mirror: %w", err)
		}
		opts.Mirror = mirror
	}

	return telegram.NewWebhookHandler(opts), nil
}
