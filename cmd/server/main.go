package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/npezzotti/go-chatgateway/internal/api"
	"github.com/npezzotti/go-chatgateway/internal/config"
	"github.com/npezzotti/go-chatgateway/internal/database"
	"github.com/npezzotti/go-chatgateway/internal/events"
	"github.com/npezzotti/go-chatgateway/internal/logger"
	"github.com/npezzotti/go-chatgateway/internal/server"
	"github.com/npezzotti/go-chatgateway/internal/services"
	"github.com/npezzotti/go-chatgateway/internal/services/graphcache"
	"github.com/npezzotti/go-chatgateway/internal/services/jwtauth"
	"github.com/npezzotti/go-chatgateway/internal/services/natsrpc"
	"github.com/npezzotti/go-chatgateway/internal/stats"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var (
	configPath string
	migrate    bool
)

func main() {
	flag.StringVar(&configPath, "config", ".", "directory containing config.yaml")
	flag.BoolVar(&migrate, "migrate", false, "apply the database schema on startup")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fallback := zerolog.New(os.Stderr)
		fallback.Fatal().Err(err).Msg("config")
	}

	l := logger.New(cfg.Log)
	logger.BridgeStdlib(l)

	if err := run(cfg, l); err != nil {
		l.Fatal().Err(err).Msg("gateway exited")
	}
	l.Info().Msg("shutdown complete")
}

func run(cfg *config.Config, l zerolog.Logger) error {
	db, err := database.NewPgChatRepository(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			l.Error().Err(err).Msg("db close")
		}
	}()

	if migrate {
		if err := db.Migrate(context.Background()); err != nil {
			return err
		}
	}

	nc, err := natsrpc.Dial(cfg.NATS.URL, cfg.NATS.Name)
	if err != nil {
		return err
	}
	defer nc.Close()

	rpc := natsrpc.NewClient(nc, cfg.NATS.SubjectPrefix, cfg.NATS.RequestTimeout)

	var (
		graph    services.SocialGraph = rpc
		settings services.Settings    = rpc
	)
	if cfg.Redis.Address != "" {
		store, err := graphcache.NewRedisStore(cfg.Redis)
		if err != nil {
			return err
		}
		defer store.Close()

		cache := graphcache.New(rpc, rpc, store, cfg.Redis.KeyPrefix, cfg.Redis.CacheTTL, l)
		graph, settings = cache, cache
		l.Info().Str("addr", cfg.Redis.Address).Msg("authorization cache enabled")
	}

	producer, err := events.NewProducer(cfg.Kafka, l)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	statsUpdater := stats.NewStatsUpdater(mux)
	statsUpdater.RegisterGaugeFunc(stats.EventFailures, func() float64 {
		return float64(producer.Failures())
	})

	chatServer, err := server.NewChatServer(l, services.Set{
		Auth:          jwtauth.New(cfg.Auth.SigningKey, rpc),
		Messages:      db,
		Conversations: db,
		Groups:        rpc,
		SocialGraph:   graph,
		Settings:      settings,
		Notifier:      producer,
		SearchIndex:   producer,
	}, statsUpdater, server.OptionsFromConfig(cfg))
	if err != nil {
		return err
	}

	relay := natsrpc.NewRelay(nc, cfg.NATS.RelaySubject, chatServer, cfg.NATS.RequestTimeout, l)
	if err := relay.Start(); err != nil {
		return err
	}

	srv := api.NewGatewayApp(mux, l, chatServer, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		l.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
		defer cancel()

		// stop intake first, then drain what is in flight
		return errors.Join(
			srv.Shutdown(shutdownCtx),
			relay.Close(),
			chatServer.Shutdown(shutdownCtx),
			producer.Close(),
		)
	})

	return g.Wait()
}
