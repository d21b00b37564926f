// Command agent is the local-first CollabText agent. It serves the editor UI
// and document sockets on the local machine, stores documents in a bbolt
// file, and finds other agents on the LAN over mDNS to sync with them.
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
	"github.com/spf13/cobra"

	"collabtext/internal/collab"
	"collabtext/internal/config"
	"collabtext/internal/connection"
	"collabtext/internal/eventbus"
	"collabtext/internal/logging"
	"collabtext/internal/session"
	"collabtext/internal/store/bolt"
	"collabtext/internal/transport"
)

var (
	configPath string
	verbose    bool
	addr       string
	dataDir    string
	uiDir      string
	peers      []string
)

var rootCmd = &cobra.Command{
	Use:   "collabtext-agent",
	Short: "CollabText local agent",
	Long: `The agent keeps documents on this machine and syncs them with other agents.
Peers are found over mDNS or given with --peer host:port.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath, config.DefaultAgent())
		if err != nil {
			return err
		}
		if addr != "" {
			cfg.Addr = addr
		}
		if dataDir != "" {
			cfg.DataDir = dataDir
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
	docs, err := parseDocuments(cfg.Discovery.Documents)
	if err != nil {
		return err
	}

	st, err := bolt.Open(cfg.DataDir)
	if err != nil {
		return err
	}
	defer st.Close()
	logger.Info("opened local store", "path", st.Path())

	docs, err = documentsToSync(ctx, docs, st)
	if err != nil {
		return fmt.Errorf("listing stored documents: %w", err)
	}
	logger.Info("documents to sync", "count", len(docs))

	bus := eventbus.NewMemory(256, logger)
	defer bus.Close()
	go logEvents(ctx, bus, logger)

	sessions := session.NewManager(
		session.WithStore(st),
		session.WithPublisher(bus),
		session.WithLogger(logger))

	hub := transport.NewHub(sessions,
		transport.WithRateLimit(cfg.RateLimit.PerSecond, cfg.RateLimit.Burst),
		transport.WithHubLogger(logger))
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go hub.Run(hubCtx)

	conns := connection.NewManager(connection.Config{
		InitialBackoff: time.Duration(cfg.Connection.InitialBackoff),
		MaxBackoff:     time.Duration(cfg.Connection.MaxBackoff),
		MaxRetries:     cfg.Connection.MaxRetries,
	}, connection.WithLogger(logger))
	links := newLinker(transport.NewPeerLink(hub, conns, logger), docs, logger)

	for _, peer := range peers {
		links.connect(ctx, peer, peer)
	}
	if cfg.Discovery.Enabled {
		port, err := cfg.Port()
		if err != nil {
			return err
		}
		d := &discovery{
			service:  cfg.Discovery.Service,
			domain:   cfg.Discovery.Domain,
			port:     port,
			instance: instanceName(),
			links:    links,
			logger:   logger,
		}
		go func() {
			if err := d.run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("mDNS discovery stopped", "error", err)
			}
		}()
	}

	router := mux.NewRouter()
	hub.RegisterRoutes(router)
	(&status{sessions: sessions, bus: bus, conns: conns, logger: logger}).register(router)
	if uiDir != "" {
		router.PathPrefix("/").Handler(http.FileServer(http.Dir(uiDir)))
	}

	srv := &http.Server{Addr: cfg.Addr, Handler: router, ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() {
		logger.Info("CollabText agent is running", "addr", cfg.Addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("failed to start server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	links.wait()
	stopHub()
	return sessions.Flush(shutdownCtx)
}

func parseDocuments(raw []string) ([]uuid.UUID, error) {
	docs := make([]uuid.UUID, 0, len(raw))
	for _, s := range raw {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("discovery.documents: %q: %w", s, err)
		}
		docs = append(docs, id)
	}
	return docs, nil
}

// logEvents reports document activity from the local bus.
func logEvents(ctx context.Context, bus *eventbus.Memory, logger *slog.Logger) {
	events, cancel := bus.Subscribe(eventbus.Filter{Domain: collab.DomainCollaboration})
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			logger.Debug("event", "name", e.Name, "event_id", e.ID)
		}
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a TOML or YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides config)")
	rootCmd.Flags().StringVar(&dataDir, "data-dir", "", "Directory for the local database (overrides config)")
	rootCmd.Flags().StringVar(&uiDir, "ui", "../ui", "Directory of the editor UI to serve; empty disables it")
	rootCmd.Flags().StringSliceVar(&peers, "peer", nil, "Static peer address host:port (repeatable)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
