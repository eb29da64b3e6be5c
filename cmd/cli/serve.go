package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"chatassign/internal/config"
	"chatassign/internal/handlers"
	"chatassign/internal/middleware"
	"chatassign/internal/models"
	"chatassign/internal/observability"
	"chatassign/internal/services"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	gormtracing "gorm.io/plugin/opentelemetry/tracing"
)

// app 分配引擎运行时的全部组件
type app struct {
	cfg    *config.Config
	logger *logrus.Logger

	db    *gorm.DB
	redis *redis.Client

	store        *services.GormStore
	settings     *services.GormSettingsProvider
	registry     *services.PresenceRegistry
	bus          services.PresenceBus
	hub          *services.WebSocketHub
	audit        *services.GormAuditSink
	dispatcher   *services.NotificationDispatcher
	orchestrator *services.ReassignmentOrchestrator
	monitor      *services.ActivityMonitor

	closers []func() error
}

// openDatabase 连接 Postgres；追踪开启时挂载 gorm otel 插件
func openDatabase(cfg *config.Config) (*gorm.DB, error) {
	level := gormlogger.Warn
	if cfg.Log.Level == "debug" {
		level = gormlogger.Info
	}
	db, err := gorm.Open(postgres.Open(cfg.Database.DSN()), &gorm.Config{Logger: gormlogger.Default.LogMode(level)})
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if cfg.Database.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	}
	if cfg.Database.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	}
	if cfg.Database.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)
	}
	if cfg.Monitoring.Tracing.Enabled {
		if err := db.Use(gormtracing.NewPlugin()); err != nil {
			logrus.Warnf("gorm tracing plugin: %v", err)
		}
	}
	return db, nil
}

func newApp(cfg *config.Config, db *gorm.DB, logger *logrus.Logger) (*app, error) {
	a := &app{cfg: cfg, db: db, logger: logger}
	clk := clock.New()

	a.store = services.NewGormStore(db, logger)
	a.settings = services.NewGormSettingsProvider(db, services.DefaultSettings(cfg.Reassignment), logger)
	if cfg.Reassignment.SettingsRefresh > 0 {
		a.settings.SetRefreshInterval(cfg.Reassignment.SettingsRefresh)
	}
	a.audit = services.NewGormAuditSink(db)

	// 在线状态总线：多实例部署时走 Redis
	if cfg.Redis.Enabled {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		a.bus = services.NewRedisPresenceBus(a.redis, cfg.Redis.PresenceChannel, logger)
		a.closers = append(a.closers, a.redis.Close)
	} else {
		a.bus = services.NewInProcPresenceBus(256, logger)
	}
	a.closers = append(a.closers, a.bus.Close)

	a.registry = services.NewPresenceRegistry(clk, logger)
	a.registry.SetStore(a.store)
	a.registry.SetBus(a.bus)

	a.hub = services.NewWebSocketHub(logger)
	a.hub.SetHeartbeatHandler(func(ctx context.Context, agentID string) {
		a.registry.Heartbeat(ctx, agentID)
	})

	notify := services.MultiNotificationSink{a.hub}
	if cfg.RabbitMQ.Enabled {
		rabbit, err := services.NewRabbitNotificationSink(cfg.RabbitMQ.URL, cfg.RabbitMQ.NotificationQueue)
		if err != nil {
			return nil, fmt.Errorf("rabbitmq notification sink: %w", err)
		}
		notify = append(notify, rabbit)
		a.closers = append(a.closers, rabbit.Close)
	}
	if cfg.Notifications.Webhook.Enabled {
		notify = append(notify, services.NewWebhookNotifier(cfg.Notifications.Webhook.URL, cfg.Notifications.Webhook.Timeout))
	}

	audit := services.MultiAuditSink{a.audit}
	if cfg.Kafka.Enabled {
		kafka := services.NewKafkaAuditSink(cfg.Kafka.Brokers, cfg.Kafka.AuditTopic)
		audit = append(audit, kafka)
		a.closers = append(a.closers, kafka.Close)
	}

	a.dispatcher = services.NewNotificationDispatcher(notify, audit, a.settings, cfg.Notifications.Buffer, logger)
	a.orchestrator = services.NewReassignmentOrchestrator(
		a.store, a.registry, services.NewAssignmentPolicy(), a.settings, a.dispatcher, logger,
	)
	a.orchestrator.SetClock(clk)
	a.monitor = services.NewActivityMonitor(a.settings, a.orchestrator, clk, logger)
	a.monitor.SetStore(a.store)
	a.orchestrator.SetActivityMonitor(a.monitor)
	return a, nil
}

// restore 从数据库恢复在线状态与会话活动跟踪
func (a *app) restore(ctx context.Context) error {
	if err := a.store.ReconcilePresenceCounts(ctx); err != nil {
		return fmt.Errorf("reconcile active chat counts: %w", err)
	}
	rows, err := a.store.ListPresence(ctx)
	if err != nil {
		return fmt.Errorf("load presence: %w", err)
	}
	a.registry.Restore(rows)

	open, err := a.store.ListOpenSessions(ctx)
	if err != nil {
		return fmt.Errorf("load open sessions: %w", err)
	}
	if _, err := a.monitor.Restore(ctx, open); err != nil {
		// 设置不可用时会话保持原状，下一次用户活动会重新开始跟踪
		a.logger.Warnf("Activity tracking not restored: %v", err)
		return nil
	}
	a.logger.Infof("Restored %d agents and %d open sessions", len(rows), len(open))
	return nil
}

// start 启动后台循环，ctx 结束时全部退出
func (a *app) start(ctx context.Context) {
	go a.hub.Run(ctx)
	go func() {
		if err := a.hub.ForwardPresence(ctx, a.bus); err != nil {
			a.logger.Errorf("Presence forwarding stopped: %v", err)
		}
	}()
	go func() {
		if err := a.orchestrator.Run(ctx, a.bus); err != nil {
			a.logger.Errorf("Orchestrator stopped: %v", err)
		}
	}()
	interval := a.cfg.Reassignment.SweepInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	a.registry.StartInactivitySweeper(ctx, a.settings, interval)
}

func (a *app) router() *gin.Engine {
	cfg := a.cfg
	if cfg.Log.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	if cfg.Monitoring.Tracing.Enabled {
		r.Use(otelgin.Middleware(serviceName(cfg)))
	}
	r.Use(middleware.CORSMiddleware(cfg.Security.CORS))
	r.Use(middleware.RateLimitMiddleware(cfg))

	var rdb redis.UniversalClient
	if a.redis != nil {
		rdb = a.redis
	}
	healthHandler := handlers.NewEnhancedHealthHandler(cfg, a.db, rdb, a.settings)
	r.GET("/health", healthHandler.Health)
	r.GET("/ready", healthHandler.Ready)

	metricsHandler := handlers.NewMetricsHandler(a.hub, a.registry, a.monitor)
	if cfg.Monitoring.Enabled {
		r.GET(cfg.Monitoring.MetricsPath, metricsHandler.GetMetrics)
	}

	api := r.Group("/api/v1/assignment")
	handlers.RegisterSessionRoutes(api, handlers.NewSessionHandler(a.orchestrator, a.monitor, a.audit, a.logger))
	handlers.RegisterAgentRoutes(api, handlers.NewAgentHandler(a.registry, a.logger))
	handlers.RegisterSettingsRoutes(api, handlers.NewSettingsHandler(a.settings, a.logger))
	handlers.RegisterConsoleRoutes(api, a.hub, metricsHandler)
	return r
}

func (a *app) close() {
	a.dispatcher.Close()
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warnf("close: %v", err)
		}
	}
}

func serviceName(cfg *config.Config) string {
	if cfg.Monitoring.Tracing.ServiceName != "" {
		return cfg.Monitoring.Tracing.ServiceName
	}
	return "chatassign"
}

// Serve 启动分配引擎与 HTTP 服务，ctx 结束后优雅关闭
func Serve(ctx context.Context, cfg *config.Config) error {
	logger := logrus.StandardLogger()
	handlers.Version = Version

	shutdownOTel, err := observability.SetupTracing(ctx, cfg)
	if err != nil {
		logger.Warnf("init tracing: %v", err)
	} else {
		defer func() { _ = shutdownOTel(context.Background()) }()
	}

	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(models.AllModels()...); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	a, err := newApp(cfg, db, logger)
	if err != nil {
		return err
	}
	defer a.close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := a.restore(runCtx); err != nil {
		return err
	}
	a.start(runCtx)

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: a.router(),
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Infof("Starting server on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	logger.Info("Shutting down server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Server forced to shutdown: %v", err)
	}
	logger.Info("Server exited")
	return nil
}
