package app

import (
	"context"
	"os"
	"runtime/debug"
	"time"
	_ "time/tzdata"

	evbus "github.com/asaskevich/EventBus"
	"github.com/robfig/cron/v3"
	"github.com/zapgate/zapgate/config"
	"github.com/zapgate/zapgate/internal/domain"
	"github.com/zapgate/zapgate/internal/gateway"
	"github.com/zapgate/zapgate/internal/instance"
	"github.com/zapgate/zapgate/pkg/metrics"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
	"gorm.io/gorm"
)

type Application struct {
	appConfig     *config.AppConfig
	gormDB        *gorm.DB
	sched         *cron.Cron
	configManager *ConfigManager

	bus        evbus.Bus
	gw         *gateway.Client
	machine    *instance.StateMachine
	poller     *instance.Poller
	ensurer    *instance.WebhookEnsurer
	reconciler *instance.Reconciler
	applier    *instance.EventApplier
}

// Ensure Application implements all interfaces
var (
	_ DBProvider              = (*Application)(nil)
	_ ConfigProvider          = (*Application)(nil)
	_ SettingsProvider        = (*Application)(nil)
	_ SchedulerProvider       = (*Application)(nil)
	_ ConfigManagerProvider   = (*Application)(nil)
	_ InstanceServiceProvider = (*Application)(nil)
	_ AppContext              = (*Application)(nil)
)

func NewApplication(appConfig *config.AppConfig) *Application {
	return &Application{appConfig: appConfig}
}

func (a *Application) Config() *config.AppConfig {
	return a.appConfig
}

func (a *Application) DB() *gorm.DB {
	return a.gormDB
}

// OverrideDB replaces the application's database handle (used in tests).
func (a *Application) OverrideDB(db *gorm.DB) {
	a.gormDB = db
}

func (a *Application) Init(cfg *config.AppConfig) {
	loc, err := time.LoadLocation(cfg.System.Location)
	if err != nil {
		zap.S().Error("timezone config error")
	} else {
		time.Local = loc
	}

	// Initialize zap logger
	var zapConfig zap.Config
	if cfg.Logger.Mode == "production" {
		zapConfig = zap.NewProductionConfig()
	} else {
		zapConfig = zap.NewDevelopmentConfig()
	}

	// Configure output paths
	zapConfig.OutputPaths = []string{"stdout"}
	if cfg.Logger.FileEnable {
		zapConfig.OutputPaths = append(zapConfig.OutputPaths, cfg.Logger.Filename)
	}

	// Build logger with file rotation if enabled
	var logger *zap.Logger
	if cfg.Logger.FileEnable {
		lumberJackLogger := &lumberjack.Logger{
			Filename:   cfg.Logger.Filename,
			MaxSize:    64,
			MaxBackups: 7,
			MaxAge:     7,
			Compress:   false,
		}

		core := zapcore.NewTee(
			zapcore.NewCore(
				zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
				zapcore.AddSync(lumberJackLogger),
				zapConfig.Level,
			),
			zapcore.NewCore(
				zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
				zapcore.AddSync(os.Stdout),
				zapConfig.Level,
			),
		)
		logger = zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
	} else {
		logger, err = zapConfig.Build(zap.AddCaller(), zap.AddCallerSkip(1))
		if err != nil {
			panic(err)
		}
	}

	zap.ReplaceGlobals(logger)

	// Initialize metrics with workdir convention
	err = metrics.InitMetrics(cfg.System.Workdir)
	if err != nil {
		zap.S().Warn("Failed to initialize metrics:", err)
	}

	// Initialize database connection
	if cfg.Database.Type == "" {
		cfg.Database.Type = "postgres"
	}
	a.gormDB = getDatabase(cfg.Database)
	zap.S().Infof("Database connection successful, type: %s", cfg.Database.Type)

	// Ensure database schema is migrated before loading configs
	if err := a.MigrateDB(false); err != nil {
		zap.S().Errorf("database migration failed: %v", err)
	}

	// wait for database initialization to complete
	go func() {
		time.Sleep(3 * time.Second)
		a.checkSuper()
		a.checkSettings()
		a.checkSchedulers()
	}()

	// Initialize the configuration manager
	a.configManager = NewConfigManager(a)

	a.initInstanceServices()

	a.initJob()
}

// initInstanceServices wires the gateway client, state machine, poller,
// webhook ensurer, reconciler and the event applier together.
func (a *Application) initInstanceServices() {
	a.gw = gateway.NewClient(a.appConfig.Gateway)

	instRepo := instance.NewGormInstanceRepository(a.gormDB)
	hookRepo := instance.NewGormWebhookRepository(a.gormDB)
	clientRepo := instance.NewGormClientRepository(a.gormDB)

	a.machine = instance.NewStateMachine(instRepo)
	a.ensurer = instance.NewWebhookEnsurer(a.gw, hookRepo, a.appConfig.Gateway.WebhookURL)
	a.poller = instance.NewPoller(a.gw, a.machine, a.ensurer, instance.DefaultPollerConfig())
	a.reconciler = instance.NewReconciler(a.gw, instRepo, clientRepo, a.machine, a.configManager)

	a.bus = evbus.New()
	a.applier = instance.NewEventApplier(a.bus, instRepo, a.machine, instance.DefaultPollerConfig().QRTTL)
	if err := a.applier.Subscribe(); err != nil {
		zap.S().Errorf("event applier subscribe failed: %v", err)
	}
}

func (a *Application) MigrateDB(track bool) (err error) {
	defer func() {
		if err1 := recover(); err1 != nil {
			if os.Getenv("GO_DEGUB_TRACE") != "" {
				debug.PrintStack()
			}
			err2, ok := err1.(error)
			if ok {
				err = err2
				zap.S().Error(err2.Error())
			}
		}
	}()
	if track {
		if err := a.gormDB.Debug().Migrator().AutoMigrate(domain.Tables...); err != nil {
			zap.S().Error(err)
		}
	} else {
		if err := a.gormDB.Migrator().AutoMigrate(domain.Tables...); err != nil {
			zap.S().Error(err)
		}
	}
	return nil
}

func (a *Application) DropAll() {
	_ = a.gormDB.Migrator().DropTable(domain.Tables...)
}

func (a *Application) InitDb() {
	_ = a.gormDB.Migrator().DropTable(domain.Tables...)
	err := a.gormDB.Migrator().AutoMigrate(domain.Tables...)
	if err != nil {
		zap.S().Error(err)
	}
}

// ConfigMgr returns the configuration manager
func (a *Application) ConfigMgr() *ConfigManager {
	return a.configManager
}

// Scheduler returns the cron scheduler
func (a *Application) Scheduler() *cron.Cron {
	return a.sched
}

func (a *Application) Gateway() instance.Gateway {
	return a.gw
}

func (a *Application) Machine() *instance.StateMachine {
	return a.machine
}

func (a *Application) Poller() *instance.Poller {
	return a.poller
}

func (a *Application) Ensurer() *instance.WebhookEnsurer {
	return a.ensurer
}

func (a *Application) Reconciler() *instance.Reconciler {
	return a.reconciler
}

func (a *Application) Applier() *instance.EventApplier {
	return a.applier
}

// GetSettingsStringValue retrieves a string configuration value
func (a *Application) GetSettingsStringValue(category, key string) string {
	return a.configManager.GetString(category, key)
}

// GetSettingsInt64Value retrieves an int64 configuration value
func (a *Application) GetSettingsInt64Value(category, key string) int64 {
	return a.configManager.GetInt64(category, key)
}

// GetSettingsBoolValue retrieves a boolean configuration value
func (a *Application) GetSettingsBoolValue(category, key string) bool {
	return a.configManager.GetBool(category, key)
}

// Start scheduler job runner
func (a *Application) StartBackgroundJobs(ctx context.Context) {
	a.StartSchedulerService(ctx)
}

// Release releases application resources
func (a *Application) Release() {
	if a.sched != nil {
		a.sched.Stop()
	}

	if a.poller != nil {
		a.poller.Shutdown()
	}

	if a.applier != nil {
		a.applier.Unsubscribe()
	}

	_ = metrics.Close()
	_ = zap.L().Sync()
}

// RunSchedulerNow triggers a scheduler execution immediately by ID
func (a *Application) RunSchedulerNow(id int64) error {
	var sched domain.SyncScheduler
	if err := a.gormDB.First(&sched, id).Error; err != nil {
		return err
	}

	a.runScheduledTask(&sched)

	now := time.Now()
	a.gormDB.Model(&domain.SyncScheduler{}).Where("id = ?", sched.ID).Updates(map[string]interface{}{
		"last_run_at": now,
		"next_run_at": now.Add(time.Duration(sched.Interval) * time.Second),
	})
	return nil
}
