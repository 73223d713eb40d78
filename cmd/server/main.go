// Command server runs the realtime coordination engine: the Session
// Manager, Chunk Store, Realtime Broker, and Streaming Download Endpoint
// wired together behind one HTTP listener.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/cryptorelay/internal/audit"
	"github.com/kenneth/cryptorelay/internal/config"
	"github.com/kenneth/cryptorelay/internal/debug"
	"github.com/kenneth/cryptorelay/internal/download"
	"github.com/kenneth/cryptorelay/internal/metrics"
	"github.com/kenneth/cryptorelay/internal/middleware"
	"github.com/kenneth/cryptorelay/internal/realtime"
	"github.com/kenneth/cryptorelay/internal/session"
	"github.com/kenneth/cryptorelay/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file (optional)")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	if lvl, err := logrus.ParseLevel(*logLevel); err == nil {
		logger.SetLevel(lvl)
	}
	debug.InitFromLogLevel(*logLevel)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.WithError(err).Fatal("load config")
	}

	watcher, err := config.NewWatcher(*configPath, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("start config watcher")
	}
	defer watcher.Close()

	st, err := store.Open(store.Options{
		StorageRoot:        cfg.Store.StoragePath,
		LargeFileThreshold: cfg.Store.LargeFileThreshold,
	})
	if err != nil {
		logger.WithError(err).Fatal("open chunk store")
	}
	defer st.Close()

	if fixed, err := st.FixLargeFileMetadata(); err != nil {
		logger.WithError(err).Warn("fixLargeFileMetadata migration failed")
	} else if fixed > 0 {
		logger.WithField("records_fixed", fixed).Info("fixLargeFileMetadata migration applied")
	}

	sessions := session.NewManager()

	auditLogger, err := audit.NewLoggerFromConfig(cfg.Audit)
	if err != nil {
		logger.WithError(err).Fatal("build audit logger")
	}
	if sink, ok := auditLogger.(interface{ Close() error }); ok {
		defer sink.Close()
	}

	m := metrics.NewMetrics()
	metrics.SetVersion("dev")

	var backplane realtime.Backplane = realtime.LocalBackplane{}
	if cfg.Server.RedisAddr != "" {
		rb, err := realtime.NewRedisBackplane(cfg.Server.RedisAddr, logger)
		if err != nil {
			logger.WithError(err).Fatal("connect redis backplane")
		}
		backplane = rb
		defer backplane.Close()
	}

	hub := realtime.NewHub(logger)
	hub.SetMetrics(m)

	broker := realtime.NewBroker(hub, sessions, st, auditLogger, backplane, cfg.Store.MaxPinnedItemsPerSession, logger)
	broker.SetMetrics(m)

	downloadHandler := download.NewHandler(st, sessions, logger)
	downloadHandler.SetMetrics(m)

	stopCleanup := startCleanupLoop(sessions, st, cfg, logger, m)
	defer stopCleanup()

	router := mux.NewRouter()
	router.HandleFunc("/health", metrics.HealthHandler()).Methods(http.MethodGet)
	router.HandleFunc("/healthz/live", metrics.LivenessHandler()).Methods(http.MethodGet)
	router.HandleFunc("/healthz/ready", metrics.ReadinessHandler(nil)).Methods(http.MethodGet)
	router.Handle("/metrics", m.Handler()).Methods(http.MethodGet)
	downloadHandler.Register(router)
	router.HandleFunc("/ws", wsUpgradeHandler(hub, cfg, logger))

	var handler http.Handler = router
	handler = corsMiddleware(cfg)(handler)
	handler = middleware.LoggingMiddleware(logger)(handler)
	handler = middleware.RecoveryMiddleware(logger)(handler)

	addr := ":" + strconv.Itoa(cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	go func() {
		logger.WithField("addr", addr).Info("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("http server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("graceful shutdown failed")
	}
}

// startCleanupLoop runs the periodic sweep described in spec.md §4.1 and
// §4.2: idle session expiry and non-pinned content eviction, on the
// configured interval. It returns a stop function.
func startCleanupLoop(sessions *session.Manager, st *store.Store, cfg *config.Config, logger *logrus.Logger, m *metrics.Metrics) func() {
	interval := cfg.Store.CleanupInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ticker.C:
				runCleanupSweep(sessions, st, cfg, logger, m)
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	return func() { close(done) }
}

func runCleanupSweep(sessions *session.Manager, st *store.Store, cfg *config.Config, logger *logrus.Logger, m *metrics.Metrics) {
	expired := sessions.ExpireIdle(time.Now(), cfg.Session.SessionExpiry)
	for _, sessionID := range expired {
		if err := st.CleanupAllSessionContent(sessionID); err != nil {
			logger.WithError(err).WithField("session_id", sessionID).Warn("cleanup content for expired session")
		}
	}
	if len(expired) > 0 {
		logger.WithField("count", len(expired)).Info("expired idle sessions")
	}

	for _, sessionID := range sessions.SessionIDs() {
		removed, err := st.CleanupOldContent(sessionID, cfg.Store.MaxItemsPerSession)
		if err != nil {
			logger.WithError(err).WithField("session_id", sessionID).Warn("cleanup old content")
			continue
		}
		if len(removed) > 0 {
			if m != nil {
				m.RecordEviction("quota-sweep", len(removed))
			}
			logger.WithFields(logrus.Fields{"session_id": sessionID, "removed": len(removed)}).Info("evicted content over quota")
		}
	}
}

// corsMiddleware applies the CORS policy of spec.md §4.5/§6: "*" allows
// any origin; a comma-separated list or single origin is matched via
// Config.CORSAllows (shell-glob, so wildcard subdomains work too).
func corsMiddleware(cfg *config.Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && cfg.CORSAllows(origin) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
				w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsUpgradeHandler accepts the realtime transport's WebSocket connections
// and hands each off to the Hub's read/write pumps. CORS for the upgrade
// itself is governed by the same origin policy as the rest of the API: the
// handler rejects a disallowed Origin with 403 before upgrading, which is
// why the upgrader's CheckOrigin above accepts every request.
func wsUpgradeHandler(hub *realtime.Hub, cfg *config.Config, logger *logrus.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && !cfg.CORSAllows(origin) {
			http.Error(w, "origin not allowed", http.StatusForbidden)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.WithError(err).Warn("websocket upgrade failed")
			return
		}
		clientID := uuid.NewString()
		hub.Serve(ws, clientID)
	}
}
