package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/agrisense-io/agrisense/internal/bridge"
	"github.com/agrisense-io/agrisense/internal/bus"
	"github.com/agrisense-io/agrisense/internal/database"
	"github.com/agrisense-io/agrisense/internal/handlers"
	"github.com/agrisense-io/agrisense/internal/queue"
	"github.com/agrisense-io/agrisense/internal/registry"
	"github.com/agrisense-io/agrisense/internal/routers"
	"github.com/agrisense-io/agrisense/internal/token"
	"github.com/agrisense-io/agrisense/internal/util"
)

func main() {
	app := &cli.Command{
		Name:  "apiserver",
		Usage: "Telemetry ingest and realtime fan-out API",
		Flags: append(commonFlags(),
			&cli.StringFlag{
				Name:    "listen",
				Value:   "0.0.0.0:8080",
				Usage:   "The address and port to listen for HTTP requests on",
				Sources: cli.EnvVars("AGRISENSE_LISTEN"),
			},
			&cli.StringFlag{
				Name:     "jwt-secret",
				Usage:    "Key used to sign access tokens",
				Required: true,
				Sources:  cli.EnvVars("AGRISENSE_JWT_SECRET"),
			},
			&cli.DurationFlag{
				Name:    "access-token-ttl",
				Value:   15 * time.Minute,
				Usage:   "Lifetime of issued access tokens",
				Sources: cli.EnvVars("AGRISENSE_ACCESS_TOKEN_TTL"),
			},
			&cli.DurationFlag{
				Name:    "refresh-token-ttl",
				Value:   7 * 24 * time.Hour,
				Usage:   "Lifetime of refresh tokens",
				Sources: cli.EnvVars("AGRISENSE_REFRESH_TOKEN_TTL"),
			},
			&cli.StringFlag{
				Name:    "device-token",
				Usage:   "Global device token accepted for any device when enabled",
				Sources: cli.EnvVars("AGRISENSE_DEVICE_TOKEN"),
			},
			&cli.BoolFlag{
				Name:    "allow-global-device-token",
				Value:   false,
				Usage:   "Accept the global device token (development convenience)",
				Sources: cli.EnvVars("AGRISENSE_ALLOW_GLOBAL_DEVICE_TOKEN"),
			},
			&cli.BoolFlag{
				Name:    "cookie-secure",
				Value:   false,
				Usage:   "Set the Secure attribute on the refresh cookie",
				Sources: cli.EnvVars("AGRISENSE_COOKIE_SECURE"),
			},
			&cli.StringFlag{
				Name:    "cookie-samesite",
				Value:   "lax",
				Usage:   "SameSite attribute on the refresh cookie (lax, strict or none)",
				Sources: cli.EnvVars("AGRISENSE_COOKIE_SAMESITE"),
			},
			&cli.StringFlag{
				Name:    "cookie-domain",
				Usage:   "Domain attribute on the refresh cookie",
				Sources: cli.EnvVars("AGRISENSE_COOKIE_DOMAIN"),
			},
			&cli.StringSliceFlag{
				Name:    "origins",
				Usage:   "Trusted frontend origins",
				Sources: cli.EnvVars("AGRISENSE_ORIGINS"),
			},
		),
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
			reg := registry.New(sugar)

			refreshStore := token.NewRedisRefreshStore(redisClient, command.Duration("refresh-token-ttl"))
			tokens := token.NewService(sugar, []byte(command.String("jwt-secret")),
				command.Duration("access-token-ttl"), refreshStore)

			cookie := handlers.DefaultCookieConfig(int(command.Duration("refresh-token-ttl").Seconds()))
			cookie.Secure = command.Bool("cookie-secure")
			cookie.Domain = command.String("cookie-domain")
			cookie.SameSite = parseSameSite(command.String("cookie-samesite"))

			api := handlers.NewAPI(sugar, db, jobQueue, reg, tokens,
				handlers.DeviceAuthConfig{
					GlobalToken:      command.String("device-token"),
					AllowGlobalToken: command.Bool("allow-global-device-token"),
				},
				cookie,
			)

			busBridge := bridge.New(sugar, func(ctx context.Context) (bridge.Consumer, error) {
				return broadcastBus.PSubscribe(ctx, bus.ChannelPattern)
			}, reg)
			busBridge.Start(ctx)
			defer busBridge.Stop()

			router := routers.NewAPIRouter(routers.APIRouterOptions{
				Logger:   sugar,
				Api:      api,
				Origins:  command.StringSlice("origins"),
				BusReady: broadcastBus.Ready,
			})

			httpServer := &http.Server{
				Addr:              command.String("listen"),
				Handler:           router,
				ReadHeaderTimeout: 5 * time.Second,
			}
			defer util.IgnoreError(httpServer.Close)

			serveErrors := make(chan error, 1)
			util.GoWithWaitGroup(nil, func() {
				sugar.Infof("listening on %s", httpServer.Addr)
				if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					serveErrors <- err
				}
			})

			select {
			case err := <-serveErrors:
				return err
			case <-ctx.Done():
			}

			// Try to do a graceful shutdown of the server for 5 seconds...
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = httpServer.Shutdown(shutdownCtx)

			// the deferred busBridge.Stop() awaits the bridge's cleanup
			return nil
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

func commonFlags() []cli.Flag {
	return []cli.Flag{
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

func parseSameSite(s string) http.SameSite {
	switch s {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteLaxMode
	}
}
