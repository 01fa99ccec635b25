package main

import (
	"circlesync/pkg/broker"
	"circlesync/pkg/cache"
	"circlesync/pkg/config"
	"circlesync/pkg/database"
	"circlesync/pkg/handlers"
	"circlesync/pkg/logger"
	"circlesync/pkg/middleware"
	"circlesync/pkg/repository"
	"circlesync/pkg/server"
	"circlesync/pkg/services"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	log := logger.New(cfg.Log, cfg.App.Name)

	repo, closeRepo, err := openRideRepository(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeRepo()

	var rideCache services.Cache
	var events services.EventPublisher
	if cfg.Redis.Enabled {
		log.Info("connecting to redis")
		rdb, err := cache.New(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer rdb.Close()
		rideCache = rdb
		events = broker.New(rdb.Client())
	} else {
		log.Warn("redis disabled, ride lists are not cached and change events are not published")
	}

	rideSvc := services.NewRideService(repo, rideCache, events, services.RideServiceConfig{
		CacheTTL:      cfg.Redis.CacheTTL,
		EventsChannel: cfg.Redis.EventsChannel,
	}, log.WithField("component", "rides"))
	rides := handlers.NewRides(rideSvc, cfg.App.RequestTimeout, log)

	app := server.NewApp(cfg.App.Name, cfg.Security.CORSAllowedOrigins, log)
	protected := app.Group("", middleware.Auth(cfg.Security.JWTSecret))
	rides.Register(protected, limiter.New(limiter.Config{
		Max:        cfg.Security.JoinRateLimit,
		Expiration: 1 * time.Minute,
		KeyGenerator: func(c *fiber.Ctx) string {
			return middleware.UserID(c)
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": "Too many requests, slow down"})
		},
	}))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithField("addr", cfg.Addr()).Info("server starting")
		if err := app.Listen(cfg.Addr()); err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return app.ShutdownWithContext(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func openRideRepository(ctx context.Context, cfg *config.Config, log *logrus.Entry) (repository.RideRepository, func(), error) {
	if cfg.Database.Driver == config.DriverMemory {
		log.Warn("using in-memory ride ledger, data is lost on restart")
		return repository.NewMemoryRideRepository(), func() {}, nil
	}

	db, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	log.Info("postgres connected")

	if cfg.Database.AutoMigrate {
		if err := database.Migrate(ctx, db, database.MigrateUp, log); err != nil {
			db.Close()
			return nil, nil, err
		}
	}
	return repository.NewRideRepository(db), func() { db.Close() }, nil
}
