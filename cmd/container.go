// Composition root. Owns infrastructure (DB or Redis) and wires the job
// engine service, handlers, and background reaper.
package main

import (
	"context"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/quantified-uncertainty/longterm-wiki/pkg/asyncx"
	"github.com/quantified-uncertainty/longterm-wiki/pkg/config"
	"github.com/quantified-uncertainty/longterm-wiki/pkg/jobx"
	"github.com/quantified-uncertainty/longterm-wiki/pkg/jobx/jobxalert"
	"github.com/quantified-uncertainty/longterm-wiki/pkg/jobx/jobxapi"
	"github.com/quantified-uncertainty/longterm-wiki/pkg/jobx/jobxpg"
	"github.com/quantified-uncertainty/longterm-wiki/pkg/jobx/jobxredis"
	"github.com/quantified-uncertainty/longterm-wiki/pkg/logx"
)

const (
	connectAttempts = 5
	connectBackoff  = 500 * time.Millisecond
)

// Container holds shared infrastructure and the wired job engine.
type Container struct {
	Config *config.Config

	DB    *sqlx.DB
	Redis *redis.Client

	Store      jobx.Store
	JobService *jobx.Service
	JobHandler *jobxapi.Handler
	Reaper     *jobx.Reaper
	Alerter    jobx.Alerter
}

// NewContainer connects infrastructure and composes the engine.
func NewContainer(cfg *config.Config) *Container {
	c := &Container{Config: cfg}

	switch cfg.Engine.Backend {
	case "postgres":
		c.initPostgres()
	case "redis":
		c.initRedis()
	default:
		logx.Fatalf("Unknown JOBX_BACKEND: %s (use 'postgres' or 'redis')", cfg.Engine.Backend)
	}

	c.initAlerter()

	c.JobService = jobx.NewService(c.Store,
		jobx.WithDefaultMaxRetries(cfg.Engine.DefaultMaxRetries))
	c.JobHandler = jobxapi.NewHandler(c.JobService)
	c.Reaper = jobx.NewReaper(c.JobService, cfg.Engine.SweepInterval, cfg.Engine.StaleAfter,
		jobx.WithSweepAlerter(c.Alerter))

	logx.Info("container initialized")
	return c
}

func (c *Container) initPostgres() {
	db, err := asyncx.RetryWithBackoff(context.Background(), connectAttempts, connectBackoff,
		func(ctx context.Context) (*sqlx.DB, error) {
			return sqlx.ConnectContext(ctx, "postgres", c.Config.Database.DSN())
		})
	if err != nil {
		logx.Fatalf("Failed to connect to database: %v", err)
	}
	db.SetMaxOpenConns(c.Config.Database.MaxOpenConns)
	db.SetMaxIdleConns(c.Config.Database.MaxIdleConns)
	db.SetConnMaxLifetime(c.Config.Database.ConnMaxLifetime)
	c.DB = db

	store := jobxpg.NewStore(db)
	if err := store.EnsureSchema(context.Background()); err != nil {
		logx.Fatalf("Failed to ensure job schema: %v", err)
	}
	c.Store = store
	logx.Info("database connected (backend=postgres)")
}

func (c *Container) initRedis() {
	rdb := redis.NewClient(&redis.Options{
		Addr:     c.Config.Redis.Address(),
		Password: c.Config.Redis.Password,
		DB:       c.Config.Redis.DB,
	})
	if _, err := asyncx.RetryWithBackoff(context.Background(), connectAttempts, connectBackoff,
		func(ctx context.Context) (string, error) {
			return rdb.Ping(ctx).Result()
		}); err != nil {
		logx.Fatalf("Failed to connect to Redis: %v", err)
	}
	c.Redis = rdb
	c.Store = jobxredis.NewStore(rdb)
	logx.Info("redis connected (backend=redis)")
}

func (c *Container) initAlerter() {
	switch c.Config.Alert.Provider {
	case "ses":
		if c.Config.Alert.From == "" || len(c.Config.Alert.Emails) == 0 {
			logx.Fatal("ALERT_PROVIDER=ses requires ALERT_FROM and ALERT_EMAILS")
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background())
		if err != nil {
			logx.Fatalf("Failed to load AWS config: %v", err)
		}
		c.Alerter = jobxalert.NewEmailAlerter(ses.NewFromConfig(awsCfg), c.Config.Alert.From, c.Config.Alert.Emails)
		logx.Infof("alerting via SES to %v", c.Config.Alert.Emails)
	case "console":
		c.Alerter = jobxalert.NewConsoleAlerter()
	case "none", "":
		c.Alerter = nil
	default:
		logx.Fatalf("Unknown ALERT_PROVIDER: %s (use 'none', 'console', or 'ses')", c.Config.Alert.Provider)
	}
}

// StartBackgroundServices launches the reaper loop.
func (c *Container) StartBackgroundServices(ctx context.Context) {
	if c.Config.Engine.SweepInterval <= 0 {
		logx.Warn("reaper disabled (JOBX_SWEEP_INTERVAL <= 0)")
		return
	}
	go c.Reaper.Run(ctx)
}

// Cleanup releases infrastructure connections.
func (c *Container) Cleanup() {
	if c.Store != nil {
		if err := c.Store.Close(); err != nil {
			logx.Errorf("Error closing job store: %v", err)
		}
	}
}
