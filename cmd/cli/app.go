package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"bizflow/internal/config"
	"bizflow/internal/models"
	"bizflow/internal/services"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	gormtracing "gorm.io/plugin/opentelemetry/tracing"
)

// app holds the wired engine shared by the run and scan commands.
type app struct {
	cfg    *config.Config
	logger *logrus.Logger
	db     *gorm.DB
	redis  *redis.Client

	hub         *services.NotificationHub
	notifier    *services.NotificationService
	tasks       *services.TaskService
	repo        *services.GormEntityRepository
	audit       *services.AuditService
	executor    *services.ActionExecutor
	commissions *services.CommissionService
	automation  *services.AutomationService
	scanner     *services.IdleScanner
}

func openDatabase(cfg *config.Config) (*gorm.DB, error) {
	gormCfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)}

	var dialector gorm.Dialector
	switch strings.ToLower(cfg.Database.Driver) {
	case "sqlite":
		dialector = sqlite.Open(cfg.Database.SQLitePath)
	case "", "postgres":
		dialector = postgres.Open(cfg.Database.DSN())
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	if cfg.Monitoring.Tracing.Enabled {
		if err := db.Use(gormtracing.NewPlugin()); err != nil {
			logrus.Warnf("gorm tracing plugin: %v", err)
		}
	}
	return db, nil
}

func migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(models.All()...); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	// 空闲扫描按 (kind, last_transition_at) 查询
	return db.Exec("CREATE INDEX IF NOT EXISTS idx_entity_records_kind_transition ON entity_records(kind, last_transition_at)").Error
}

// newFireLedger picks the dedupe store configured in automation.fire_ledger.
func newFireLedger(cfg *config.Config, db *gorm.DB) (services.FireLedger, *redis.Client, error) {
	switch strings.ToLower(cfg.Automation.FireLedger) {
	case "memory":
		return services.NewMemoryFireLedger(), nil, nil
	case "", "database":
		return services.NewGormFireLedger(db), nil, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Addr(),
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr(), err)
		}
		return services.NewRedisFireLedger(client, cfg.Automation.FireLedgerTTL), client, nil
	default:
		return nil, nil, fmt.Errorf("unsupported fire ledger %q", cfg.Automation.FireLedger)
	}
}

func newApp(cfg *config.Config, log *logrus.Logger) (*app, error) {
	db, err := openDatabase(cfg)
	if err != nil {
		return nil, err
	}
	if err := migrate(db); err != nil {
		return nil, err
	}
	ledger, redisClient, err := newFireLedger(cfg, db)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: log, db: db, redis: redisClient}
	a.hub = services.NewNotificationHub(log)
	a.notifier = services.NewNotificationService(db, a.hub, cfg.Notifier.CircuitBreaker, log)
	a.tasks = services.NewTaskService(db)
	a.repo = services.NewGormEntityRepository(db)
	a.audit = services.NewAuditService(services.NewGormAuditStore(db), log)
	a.executor = services.NewActionExecutor(a.repo, a.notifier, a.tasks, a.audit, log,
		cfg.Automation.ActionTimeout, cfg.Automation.MaxReentryDepth)
	a.commissions = services.NewCommissionService(db, a.repo, a.audit, cfg.Commission, log)
	a.automation = services.NewAutomationService(db, a.executor, a.commissions, a.audit, log)
	a.scanner = services.NewIdleScanner(a.automation, a.repo, a.executor, ledger, cfg.Automation.TerminalStatuses, log)
	return a, nil
}

func (a *app) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warnf("close redis: %v", err)
		}
	}
	if sqlDB, err := a.db.DB(); err == nil {
		sqlDB.Close()
	}
}

// loadConfig reads the configuration and initialises the global logger.
func loadConfig() (*config.Config, *logrus.Logger) {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}
	if err := config.InitLogger(cfg); err != nil {
		logrus.Fatalf("Failed to initialize logger: %v", err)
	}
	return cfg, logrus.StandardLogger()
}
