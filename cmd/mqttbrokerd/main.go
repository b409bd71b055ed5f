// Command mqttbrokerd wires the broker core to a TCP listener: it owns
// process lifecycle, configuration loading, the session store backend, and
// the per-connection CONNECT handshake plus online/offline loop handoff.
// None of the protocol logic lives here; this is assembly only.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/axmq/broker/broker"
	"github.com/axmq/broker/config"
	"github.com/axmq/broker/handlers"
	"github.com/axmq/broker/hook"
	"github.com/axmq/broker/metrics"
	"github.com/axmq/broker/network"
	"github.com/axmq/broker/online"
	"github.com/axmq/broker/pkg/logger"
	"github.com/axmq/broker/session"
	"github.com/axmq/broker/store"
	"github.com/axmq/broker/topic"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML config file (defaults applied if empty)")
	usersPath := flag.String("users", "", "optional username:password file for basic auth")
	logLevel := flag.String("log-level", "info", "debug, info, warn, or error")
	flag.Parse()

	log := logger.NewSlogLogger(parseLevel(*logLevel), os.Stdout)

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			log.Error("config load failed", "error", err)
			os.Exit(1)
		}
	}

	if err := run(cfg, *usersPath, log); err != nil {
		log.Error("mqttbrokerd exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, usersPath string, log *logger.SlogLogger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	sessionCfg := session.Config{
		MaxInflight:         cfg.MaxInflightClient,
		MaxInMemPending:     cfg.MaxInMemPendingMessages,
		InflightTimeout:     cfg.InflightTimeout,
		MaxQoS2Dedup:        cfg.MaxQoS2Dedup,
		BroadcastQueueDepth: cfg.BroadcastQueueDepth,
	}

	sessionStore, err := buildSessionStore(cfg.Store, sessionCfg)
	if err != nil {
		return fmt.Errorf("build session store: %w", err)
	}
	defer sessionStore.Close()

	manager := session.NewManager(session.ManagerConfig{
		Store:            sessionStore,
		AssignedIDPrefix: cfg.AssignedIDPrefix,
		SessionCfg:       sessionCfg,
	})

	registry := broker.NewRegistry(broker.Config{Manager: manager})

	hookManager := hook.NewManager()
	if err := wireAuthHooks(hookManager, cfg.AllowAnonymous, usersPath); err != nil {
		return fmt.Errorf("wire auth hooks: %w", err)
	}
	dispatcher := hook.NewDispatcher(hookManager)

	m := metrics.New()
	reg := prometheus.DefaultRegisterer
	if err := m.Register(reg); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	g := &handlers.Global{
		Router:   topic.NewRouter(),
		Retained: store.NewRetainedStore(),
		Registry: registry,
		Metrics:  m,
		Config:   cfg,
		Matcher:  topic.NewTopicMatcher(),
	}

	metricsServer := &http.Server{
		Addr:    cfg.Listen.MetricsAddress,
		Handler: promhttp.Handler(),
	}
	go func() {
		log.Info("metrics endpoint listening", "addr", cfg.Listen.MetricsAddress)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server stopped", "error", err)
		}
	}()
	defer metricsServer.Close()

	listener, err := network.NewListener(network.DefaultListenerConfig(cfg.Listen.Address), nil)
	if err != nil {
		return fmt.Errorf("build listener: %w", err)
	}
	listener.OnConnection(func(conn *network.Connection) error {
		serveConnection(ctx, conn, manager, registry, dispatcher, g, log)
		return nil
	})

	if err := listener.Start(); err != nil {
		return fmt.Errorf("start listener: %w", err)
	}
	log.Info("mqttbrokerd listening", "addr", cfg.Listen.Address, "store", cfg.Store.Backend)

	<-ctx.Done()
	log.Info("shutting down")
	return listener.Close()
}

// serveConnection runs one client's entire lifecycle: the CONNECT
// handshake, the online loop while it stays connected, and (for sessions
// that survive disconnect) the offline loop that watches for expiry or a
// resuming CONNECT. One goroutine per client for the whole lifetime,
// matching the online package's single-goroutine-per-session design.
func serveConnection(ctx context.Context, conn *network.Connection, manager *session.Manager, registry *broker.Registry, dispatcher *hook.Dispatcher, g *handlers.Global, log *logger.SlogLogger) {
	loop, err := online.Handshake(ctx, conn, manager, registry, dispatcher, g)
	if err != nil {
		log.Warn("connect handshake failed", "remote", conn.RemoteAddr(), "error", err)
		conn.Close()
		return
	}

	g.Metrics.ClientsTotal.Inc()
	g.Metrics.ClientsConnected.Inc()
	log.Info("client connected", "client_id", loop.Session.ClientIdentifier, "remote", conn.RemoteAddr())

	willFires, runErr := loop.Run(ctx)
	conn.Close()
	g.Metrics.ClientsConnected.Dec()
	g.Metrics.ClientsDisconnected.Inc()

	sess := loop.Session
	handle := loop.Handle
	log.Info("client disconnected", "client_id", sess.ClientIdentifier, "error", runErr)

	current, stillOwner := registry.Lookup(sess.ClientIdentifier)
	if !stillOwner || current.ClientID != handle.ClientID {
		// Another connection already took this identifier over; its own
		// Handshake owns the session from here.
		return
	}

	if willFires {
		publishWill(ctx, sess, g)
	}

	if derr := manager.DisconnectSession(ctx, sess.ClientIdentifier); derr != nil {
		log.Error("disconnect session persist failed", "client_id", sess.ClientIdentifier, "error", derr)
	}

	if sess.CleanStart || sess.ExpiryInterval == 0 {
		registry.Unregister(sess.ClientIdentifier, handle.ClientID)
		return
	}

	online.NewOfflineLoop(sess, handle, registry).Run()
}

// publishWill routes a disconnecting session's last-will message through
// the normal publish path, as if the client itself had sent it.
func publishWill(ctx context.Context, sess *session.Session, g *handlers.Global) {
	will := sess.GetWill()
	if will == nil {
		return
	}
	req := &handlers.PublishRequest{
		Topic:      will.Topic,
		QoS:        will.QoS,
		Retain:     will.Retain,
		Payload:    will.Payload,
		Properties: will.Properties,
	}
	if _, err := handlers.HandlePublish(ctx, sess, req, g, sess.ClientIdentifier); err != nil {
		g.Metrics.MessagesDropped.Inc()
	}
}

func buildSessionStore(cfg config.StoreConfig, sessionCfg session.Config) (session.Store, error) {
	switch cfg.Backend {
	case "pebble":
		return session.NewPebbleStore(session.PebbleStoreConfig{Path: cfg.PebblePath, SessionCfg: sessionCfg})
	case "redis":
		return session.NewRedisStore(session.RedisStoreConfig{
			Addr:       cfg.RedisAddr,
			Password:   cfg.RedisPassword,
			DB:         cfg.RedisDB,
			SessionCfg: sessionCfg,
		})
	default:
		return session.NewMemoryStore(), nil
	}
}

// wireAuthHooks installs the anonymous-access gate and, if usersPath is
// non-empty, a basic-auth hook loaded from it. File format is one
// "username:password" pair per line; blank lines and lines starting with
// # are skipped.
func wireAuthHooks(m *hook.Manager, allowAnonymous bool, usersPath string) error {
	if err := m.Add(hook.NewAnonymousAuthHook(allowAnonymous)); err != nil {
		return err
	}
	if usersPath == "" {
		return nil
	}
	basic := hook.NewBasicAuthHook()
	users, err := loadUsersFile(usersPath)
	if err != nil {
		return err
	}
	basic.LoadUsers(users)
	return m.Add(basic)
}

func loadUsersFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	users := make(map[string]string)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, password, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("users file %s: malformed line %q", path, line)
		}
		users[name] = password
	}
	return users, nil
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
