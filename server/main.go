// Command server is the CollabText sync server. Editors and agents connect
// over WebSockets; edits are persisted to PostgreSQL and relayed to the
// other server processes through Redis.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"collabtext/internal/collab"
	"collabtext/internal/config"
	"collabtext/internal/eventbus"
	"collabtext/internal/logging"
	"collabtext/internal/session"
	"collabtext/internal/store/postgres"
	"collabtext/internal/transport"
)

var (
	configPath string
	verbose    bool
	addr       string
)

var rootCmd = &cobra.Command{
	Use:   "collabtext-server",
	Short: "CollabText sync server",
	Long: `The sync server hosts collaborative documents for editors and agents.
Documents are stored in PostgreSQL; edits fan out to every server process
through Redis pub/sub.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath, config.DefaultServer())
		if err != nil {
			return err
		}
		if addr != "" {
			cfg.Addr = addr
		}
		logger, err := logging.Setup(os.Stderr, cfg.LogLevel, verbose)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return run(ctx, cfg, logger)
	},
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("could not connect to Redis at %s: %w", cfg.Redis.Addr, err)
	}
	logger.Info("connected to Redis", "addr", cfg.Redis.Addr)

	st, err := postgres.Connect(ctx, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("unable to connect to database: %w", err)
	}
	defer st.Close()
	logger.Info("connected to PostgreSQL")

	origin := uuid.New()
	events := eventbus.NewRedisPublisher(rdb,
		eventbus.WithChannelPrefix(cfg.Redis.ChannelPrefix),
		eventbus.WithOrigin(origin),
		eventbus.WithRedisLogger(logger))
	defer events.Close()

	sessions := session.NewManager(
		session.WithStore(st),
		session.WithPublisher(events),
		session.WithLogger(logger))

	relay := transport.NewRedisRelay(rdb, cfg.Redis.ChannelPrefix, origin, logger)
	hub := transport.NewHub(sessions,
		transport.WithRelay(relay),
		transport.WithRateLimit(cfg.RateLimit.PerSecond, cfg.RateLimit.Burst),
		transport.WithHubLogger(logger))

	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go hub.Run(hubCtx)
	go func() {
		if err := relay.Run(ctx, hub); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("relay stopped", "error", err)
		}
	}()
	go flushLoop(ctx, sessions, time.Duration(cfg.FlushInterval), logger)

	presence, err := eventbus.NewRedisSubscriber(rdb,
		eventbus.WithChannelPrefix(cfg.Redis.ChannelPrefix),
		eventbus.WithOrigin(origin),
		eventbus.WithRedisLogger(logger)).Subscribe(ctx, collab.DomainCollaboration)
	if err != nil {
		return fmt.Errorf("subscribe to collaboration events: %w", err)
	}
	go hub.ForwardPresence(ctx, presence)

	router := mux.NewRouter()
	hub.RegisterRoutes(router)
	newAPI(sessions, st, logger).register(router)

	srv := &http.Server{Addr: cfg.Addr, Handler: router, ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() {
		logger.Info("CollabText sync server starting", "addr", cfg.Addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("failed to start server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	stopHub()
	return sessions.Flush(shutdownCtx)
}

// flushLoop saves open documents every interval until ctx is done.
func flushLoop(ctx context.Context, sessions *session.Manager, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sessions.Flush(ctx); err != nil {
				logger.Warn("flush failed", "error", err)
			}
		}
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a TOML or YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides config)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
