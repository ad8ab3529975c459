package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	apihttp "github.com/mossmaurice/iceoryx/internal/api/http"
	"github.com/mossmaurice/iceoryx/internal/api/middleware"
	"github.com/mossmaurice/iceoryx/internal/infrastructure/config"
	"github.com/mossmaurice/iceoryx/internal/infrastructure/logging"
	"github.com/mossmaurice/iceoryx/internal/infrastructure/monitoring"
	"github.com/mossmaurice/iceoryx/internal/ipc"
	"github.com/mossmaurice/iceoryx/internal/roudi"
	"github.com/mossmaurice/iceoryx/internal/shared/id"
	"github.com/mossmaurice/iceoryx/internal/shm"
)

// ShutdownTimeout bounds the HTTP drain in Run. The process kill delay
// is added on top so SIGKILL escalation is never cut short.
const ShutdownTimeout = 5 * time.Second

// Server owns one broker together with its memory and the optional
// introspection HTTP surface.
type Server struct {
	config   *config.Config
	logger   *logging.Logger
	log      *zap.Logger
	metrics  *monitoring.Metrics
	broker   *roudi.RouDi
	http     *http.Server
	listener net.Listener
}

// NewServer builds logger, metrics, memory, ports, broker and HTTP
// surface in that order. On error everything built so far is released.
func NewServer(cfg *config.Config) (*Server, error) {
	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return newServer(cfg, logger)
}

func newServer(cfg *config.Config, logger *logging.Logger) (*Server, error) {
	layout, err := cfg.MemoryLayout()
	if err != nil {
		return nil, err
	}

	log := logger.Component("server")
	log.Info("Initializing RouDi",
		zap.String("monitoring_mode", cfg.RouDi.MonitoringMode.String()),
		zap.Bool("kill_processes", cfg.RouDi.KillProcesses),
		zap.String("compatibility", cfg.RouDi.Compatibility.String()),
		zap.String("channel", cfg.RouDi.ChannelName),
		zap.Int("max_processes", cfg.Memory.MaxProcesses),
	)

	metrics := monitoring.NewMetrics()

	roudiID := id.NewRouDiID()
	memory, err := shm.NewMemoryManager(layout, roudiID.String(), logger.Logger)
	if err != nil {
		return nil, err
	}
	ports := roudi.NewPortManager(cfg.Memory.MaxProcesses)
	if err := memory.AddBlock(ports); err != nil {
		return nil, err
	}
	if err := memory.CreateMemory(); err != nil {
		return nil, fmt.Errorf("failed to create shared memory: %w", err)
	}

	transport, err := ipc.NewUnixTransport(cfg.RouDi.ChannelDir)
	if err != nil {
		return nil, multierr.Append(err, memory.DestroyMemory())
	}

	opts := cfg.Options()
	opts.Transport = transport
	opts.Logger = logger.Logger
	opts.Metrics = metrics

	broker, err := roudi.New(memory, ports, opts)
	if err != nil {
		return nil, multierr.Append(err, memory.DestroyMemory())
	}

	s := &Server{
		config:  cfg,
		logger:  logger,
		log:     log,
		metrics: metrics,
		broker:  broker,
	}

	if cfg.Introspection.Enabled {
		if err := s.listen(); err != nil {
			return nil, multierr.Append(err, broker.Shutdown(context.Background()))
		}
	}

	log.Info("RouDi initialized", zap.String("roudi_id", roudiID.String()))
	return s, nil
}

func (s *Server) listen() error {
	routerCfg := apihttp.RouterConfig{
		Metrics: s.metrics,
		Release: !s.config.Logging.Development,
	}
	cors := middleware.DefaultCORSConfig()
	routerCfg.CORS = &cors
	if s.config.RateLimit.Enabled {
		s.log.Info("Rate limiting enabled",
			zap.Int("rps", s.config.RateLimit.RequestsPerSecond),
			zap.Int("burst", s.config.RateLimit.Burst),
		)
		routerCfg.RateLimit = &middleware.RateLimitConfig{
			RequestsPerSecond: s.config.RateLimit.RequestsPerSecond,
			Burst:             s.config.RateLimit.Burst,
		}
	}
	router := apihttp.NewRouter(apihttp.NewHandlers(s.broker, s.metrics), routerCfg)

	ln, err := net.Listen("tcp", s.config.Introspection.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Introspection.Addr, err)
	}
	s.listener = ln
	s.http = &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return nil
}

// Broker returns the running broker.
func (s *Server) Broker() *roudi.RouDi { return s.broker }

// Metrics returns the broker's metrics.
func (s *Server) Metrics() *monitoring.Metrics { return s.metrics }

// Addr returns the introspection listen address, or "" when disabled.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Run serves introspection until ctx is done, then shuts down.
func (s *Server) Run(ctx context.Context) error {
	serveErr := make(chan error, 1)
	if s.http != nil {
		s.log.Info("Starting introspection server", zap.String("addr", s.Addr()))
		go func() {
			err := s.http.Serve(s.listener)
			if errors.Is(err, http.ErrServerClosed) {
				err = nil
			}
			serveErr <- err
		}()
	}

	var err error
	select {
	case <-ctx.Done():
	case err = <-serveErr:
		if err != nil {
			s.log.Error("Introspection server failed", zap.Error(err))
		}
	}

	closeCtx, cancel := context.WithTimeout(context.Background(),
		ShutdownTimeout+s.config.RouDi.ProcessKillDelay)
	defer cancel()
	return multierr.Append(err, s.Close(closeCtx))
}

// Close stops the HTTP surface first, then the broker, which kills the
// registered processes if configured and removes the shared memory.
func (s *Server) Close(ctx context.Context) error {
	s.log.Info("Shutting down RouDi...")

	var err error
	if s.http != nil {
		if herr := s.http.Shutdown(ctx); herr != nil && !errors.Is(herr, http.ErrServerClosed) {
			s.log.Error("Failed to stop introspection server", zap.Error(herr))
			err = multierr.Append(err, fmt.Errorf("failed to stop introspection server: %w", herr))
		}
		// Shutdown only closes listeners that Serve was handed.
		if lerr := s.listener.Close(); lerr != nil && !errors.Is(lerr, net.ErrClosed) {
			err = multierr.Append(err, lerr)
		}
	}

	if berr := s.broker.Shutdown(ctx); berr != nil {
		s.log.Error("RouDi teardown reported errors",
			zap.Error(berr),
			zap.Int("errors", len(multierr.Errors(berr))),
		)
		err = multierr.Append(err, berr)
	}

	s.log.Info("RouDi stopped")
	err = multierr.Append(err, s.logger.Close())
	return err
}
