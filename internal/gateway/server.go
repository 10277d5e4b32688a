package gateway

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/wudi/gateway/internal/config"
	"github.com/wudi/gateway/internal/dnscache"
	"github.com/wudi/gateway/internal/logging"
	"github.com/wudi/gateway/internal/metrics"
	"github.com/wudi/gateway/internal/retry"
	"github.com/wudi/gateway/internal/store"
	"golang.org/x/sync/errgroup"
	"go.uber.org/zap"
)

// Server owns the process-level concerns around a Gateway: the config
// source backend, the HTTP/HTTPS/metrics listeners, and graceful
// shutdown. Grounded on the teacher's internal/gateway Server (Start/Run/
// Shutdown, signal-driven reload), trimmed to the listeners this system
// actually has — no admin dashboard, no L4 listener manager.
type Server struct {
	gw       *Gateway
	settings *config.Settings

	store      *store.Store
	fileSource *store.FileBackend
	etcdSource *store.EtcdBackend

	httpServer    *http.Server
	httpsServer   *http.Server
	metricsServer *http.Server

	metrics *metrics.Collector
	log     *zap.Logger
}

// NewServer builds the Config Snapshot Store's source backend, the
// Gateway, and every listener settings describes.
func NewServer(settings *config.Settings) (*Server, error) {
	st := store.New()

	var fileSource *store.FileBackend
	var etcdSource *store.EtcdBackend
	switch settings.Source.Type {
	case "etcd":
		eb, err := store.NewEtcdBackend(st, settings.Source.Etcd.Endpoints, settings.Source.Etcd.DialTimeout)
		if err != nil {
			return nil, fmt.Errorf("connect etcd source: %w", err)
		}
		etcdSource = eb
	default:
		fb, err := store.NewFileBackend(st, settings.Source.File.Path)
		if err != nil {
			return nil, fmt.Errorf("load file source: %w", err)
		}
		fileSource = fb
	}

	var redisClient *redis.Client
	if settings.Redis.Address != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     settings.Redis.Address,
			Password: settings.Redis.Password,
			DB:       settings.Redis.DB,
		})
	}

	dns := dnscache.NewCache(dnscache.NewResolver(settings.DNS.Nameservers, 5*time.Second), settings.DNS.TTL)
	budget := retry.NewBudget(settings.RetryBudget.Ratio, settings.RetryBudget.MinRetries, settings.RetryBudget.Window)
	collector := metrics.NewCollector()

	gw, err := New(Deps{Store: st, DNS: dns, RetryBudget: budget, Redis: redisClient, Metrics: collector})
	if err != nil {
		return nil, fmt.Errorf("build gateway: %w", err)
	}

	s := &Server{
		gw:         gw,
		settings:   settings,
		store:      st,
		fileSource: fileSource,
		etcdSource: etcdSource,
		metrics:    collector,
		log:        logging.Global().Named("server"),
	}
	s.buildListeners()
	return s, nil
}

func (s *Server) buildListeners() {
	s.httpServer = &http.Server{
		Addr:         s.settings.Listen,
		Handler:      s.gw,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  90 * time.Second,
	}

	if s.settings.TLSListen != "" {
		s.httpsServer = &http.Server{
			Addr:         s.settings.TLSListen,
			Handler:      s.gw,
			TLSConfig:    s.gw.SSLRegistry().TLSConfig(),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
		}
	}

	if s.settings.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", s.metrics.Handler())
		mux.HandleFunc("/healthz", s.handleHealthz)
		s.metricsServer = &http.Server{Addr: s.settings.Metrics.Listen, Handler: mux}
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if !s.store.Healthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintf(w, `{"status":"degraded","error":%q}`, s.store.LastError())
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, `{"status":"ok"}`)
}

// Start begins serving every configured listener and the config source's
// watch, returning once all of them have been launched (not once they
// exit — use Run to block until shutdown).
func (s *Server) Start() error {
	if s.fileSource != nil {
		if err := s.fileSource.Start(); err != nil {
			return fmt.Errorf("start file source watch: %w", err)
		}
	}
	if s.etcdSource != nil {
		s.etcdSource.Start()
	}

	go s.serve(s.httpServer, "http", func() error { return s.httpServer.ListenAndServe() })
	if s.httpsServer != nil {
		go s.serve(s.httpsServer, "https", func() error { return s.httpsServer.ListenAndServeTLS("", "") })
	}
	if s.metricsServer != nil {
		go s.serve(s.metricsServer, "metrics", func() error { return s.metricsServer.ListenAndServe() })
	}
	return nil
}

func (s *Server) serve(srv *http.Server, name string, listen func() error) {
	s.log.Info("listener starting", zap.String("listener", name), zap.String("addr", srv.Addr))
	if err := listen(); err != nil && err != http.ErrServerClosed {
		s.log.Error("listener exited", zap.String("listener", name), zap.Error(err))
	}
}

// Run starts every listener and blocks until SIGINT/SIGTERM, then performs
// a graceful shutdown bounded by settings.Shutdown.Timeout.
func (s *Server) Run() error {
	if err := s.Start(); err != nil {
		return err
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	s.log.Info("shutting down")
	return s.Shutdown(s.settings.Shutdown.Timeout)
}

// Shutdown drains every listener in parallel, bounded by timeout.
func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var g errgroup.Group
	for _, srv := range []*http.Server{s.httpServer, s.httpsServer, s.metricsServer} {
		if srv == nil {
			continue
		}
		srv := srv
		g.Go(func() error { return srv.Shutdown(ctx) })
	}
	err := g.Wait()

	if s.etcdSource != nil {
		_ = s.etcdSource.Stop()
	}
	s.gw.Close()
	logging.Sync()
	return err
}

// Handler exposes the Gateway's http.Handler, for tests that want to drive
// requests without opening a real listener.
func (s *Server) Handler() http.Handler { return s.gw }
