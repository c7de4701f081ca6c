package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/agrisense-io/agrisense/internal/bus"
	"github.com/agrisense-io/agrisense/internal/database"
	"github.com/agrisense-io/agrisense/internal/queue"
	"github.com/agrisense-io/agrisense/internal/util"
	"github.com/agrisense-io/agrisense/internal/worker"
)

func main() {
	app := &cli.Command{
		Name:  "worker",
		Usage: "Persist queued telemetry and republish it for live viewers",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "debug",
				Value:   false,
				Usage:   "Enable debug logging",
				Sources: cli.EnvVars("AGRISENSE_DEBUG"),
			},
			&cli.StringFlag{
				Name:    "db-host",
				Value:   "apiserver-db",
				Usage:   "Database host name",
				Sources: cli.EnvVars("AGRISENSE_DB_HOST"),
			},
			&cli.StringFlag{
				Name:    "db-port",
				Value:   "5432",
				Usage:   "Database port",
				Sources: cli.EnvVars("AGRISENSE_DB_PORT"),
			},
			&cli.StringFlag{
				Name:    "db-user",
				Value:   "apiserver",
				Usage:   "Database user",
				Sources: cli.EnvVars("AGRISENSE_DB_USER"),
			},
			&cli.StringFlag{
				Name:    "db-password",
				Value:   "secret",
				Usage:   "Database password",
				Sources: cli.EnvVars("AGRISENSE_DB_PASSWORD"),
			},
			&cli.StringFlag{
				Name:    "db-name",
				Value:   "apiserver",
				Usage:   "Database name",
				Sources: cli.EnvVars("AGRISENSE_DB_NAME"),
			},
			&cli.StringFlag{
				Name:    "db-sslmode",
				Value:   "disable",
				Usage:   "Database ssl mode",
				Sources: cli.EnvVars("AGRISENSE_DB_SSLMODE"),
			},
			&cli.StringFlag{
				Name:     "redis-server",
				Value:    "redis:6379",
				Usage:    "Redis host:port address",
				Required: true,
				Sources:  cli.EnvVars("AGRISENSE_REDIS_SERVER"),
			},
			&cli.IntFlag{
				Name:    "redis-db",
				Value:   1,
				Usage:   "Redis database to be selected after connecting to the server.",
				Sources: cli.EnvVars("AGRISENSE_REDIS_DB"),
			},
			&cli.IntFlag{
				Name:    "workers",
				Value:   2,
				Usage:   "Number of concurrent queue consumers",
				Sources: cli.EnvVars("AGRISENSE_WORKERS"),
			},
			&cli.UintFlag{
				Name:    "max-retries",
				Value:   3,
				Usage:   "How many times a failing measurement insert is retried",
				Sources: cli.EnvVars("AGRISENSE_MAX_RETRIES"),
			},
			&cli.DurationFlag{
				Name:    "retry-wait",
				Value:   1 * time.Second,
				Usage:   "Initial backoff between insert retries",
				Sources: cli.EnvVars("AGRISENSE_RETRY_WAIT"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			ctx, _ = signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGINT)
			logger := getLogger(command)
			defer util.IgnoreError(logger.Sync)
			sugar := logger.Sugar()

			db, err := database.NewDatabase(
				ctx,
				sugar,
				command.String("db-host"),
				command.String("db-user"),
				command.String("db-password"),
				command.String("db-name"),
				command.String("db-port"),
				command.String("db-sslmode"),
			)
			if err != nil {
				return err
			}

			redisClient := redis.NewClient(&redis.Options{
				Addr: command.String("redis-server"),
				DB:   int(command.Int("redis-db")),
			})
			defer util.IgnoreError(redisClient.Close)

			jobQueue := queue.NewRedisQueue(sugar, redisClient)
			broadcastBus := bus.New(sugar, redisClient)

			w := worker.New(sugar, db, jobQueue, broadcastBus,
				worker.WithConsumers(int(command.Int("workers"))),
				worker.WithRetry(command.Uint("max-retries"), command.Duration("retry-wait")),
			)

			wg := &sync.WaitGroup{}
			w.Run(ctx, wg)
			sugar.Infof("consuming jobs with %d workers", command.Int("workers"))

			<-ctx.Done()
			sugar.Info("shutting down, waiting for in-flight jobs")
			wg.Wait()
			return nil
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

func getLogger(command *cli.Command) *zap.Logger {
	var logger *zap.Logger
	var err error
	if command.Bool("debug") {
		logConfig := zap.NewProductionConfig()
		logConfig.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		logger, err = logConfig.Build()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		log.Fatal(err)
	}
	return logger
}
