package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	amqp "github.com/rabbitmq/amqp091-go"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/beantrade/syncgw/internal/chat"
	"github.com/beantrade/syncgw/internal/config"
	"github.com/beantrade/syncgw/internal/db"
	"github.com/beantrade/syncgw/internal/httpapi"
	"github.com/beantrade/syncgw/internal/httpapi/handlers"
	"github.com/beantrade/syncgw/internal/marketplace"
	"github.com/beantrade/syncgw/internal/transport"
	"github.com/beantrade/syncgw/internal/transport/loopback"
	"github.com/beantrade/syncgw/internal/transport/rabbitmq"
	redistransport "github.com/beantrade/syncgw/internal/transport/redis"
)

func setupLogging(cfg config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if cfg.LogFormat == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	if level > zerolog.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}
}

func main() {
	cfg := config.Load()
	setupLogging(cfg)

	mkt := marketplace.NewClient(cfg.MarketplaceBaseURL, cfg.MarketplaceToken)

	history, journal, err := historyStack(cfg, mkt, db.Open)
	if err != nil {
		log.Fatal().Err(err).Msg("history cache")
	}

	// Transport registry (one transport per view, selected by TRANSPORT)
	reg := transport.NewRegistry()
	reg.Register("loopback", loopback.NewHub().Factory())

	switch cfg.Transport {
	case "redis":
		rdb := goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()

		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			log.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("redis ping failed, views will fail to connect until it is up")
		}
		cancel()
		reg.Register("redis", redistransport.NewFactory(rdb, redistransport.DefaultOutboundChannel))

	case "rabbitmq":
		conn, err := amqp.Dial(cfg.RabbitURL)
		if err != nil {
			log.Fatal().Err(err).Msg("rabbit dial")
		}
		defer conn.Close()
		reg.Register("rabbitmq", rabbitmq.NewFactory(conn, rabbitmq.Config{
			Exchange:      cfg.RabbitExchange,
			OutboundQueue: cfg.RabbitOutboundQueue,
		}))
	}
	if err := requireTransport(reg, cfg.Transport); err != nil {
		log.Fatal().Err(err).Msg("unsupported TRANSPORT")
	}

	views := chat.NewManager(chat.ManagerConfig{
		Transports:    reg,
		TransportName: cfg.Transport,
		History:       history,
		Journal:       journal,
		SendTimeout:   cfg.SendTimeout,
	})

	h := handlers.NewHandler(cfg, views, mkt)
	r := httpapi.NewRouter(h)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Str("transport", cfg.Transport).Bool("history_cache", cfg.HistoryCache).Msg("syncd listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("syncd shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := drain(shutdownCtx, srv, views, 100*time.Millisecond); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
}

// historyStack puts the gorm cache in front of remote when HISTORY_CACHE is
// on. The journal is nil otherwise: nothing would read what it writes.
func historyStack(cfg config.Config, remote chat.HistoryFetcher, open func(dsn string) (*gorm.DB, error)) (chat.HistoryFetcher, chat.Journal, error) {
	if !cfg.HistoryCache {
		return remote, nil, nil
	}
	gdb, err := open(cfg.DBDSN)
	if err != nil {
		return nil, nil, err
	}
	repo := chat.NewRepo(gdb)
	if err := repo.AutoMigrate(); err != nil {
		return nil, nil, err
	}
	return &chat.CachedHistory{Remote: remote, Repo: repo, Limit: cfg.HistoryCacheLimit}, repo, nil
}

func requireTransport(reg *transport.Registry, name string) error {
	names := reg.Names()
	if slices.Contains(names, name) {
		return nil
	}
	return fmt.Errorf("%w: %q (registered: %s)", transport.ErrUnknownTransport, name, strings.Join(names, ", "))
}

// drain stops the server and keeps closing views until it has shut down.
// SSE streams only end when their view closes, including views opened while
// the listener was going down.
func drain(ctx context.Context, srv *http.Server, views *chat.Manager, every time.Duration) error {
	srv.SetKeepAlivesEnabled(false)
	done := make(chan error, 1)
	go func() { done <- srv.Shutdown(ctx) }()

	tick := time.NewTicker(every)
	defer tick.Stop()
	for {
		views.CloseAll()
		select {
		case err := <-done:
			views.CloseAll()
			return err
		case <-tick.C:
		}
	}
}
