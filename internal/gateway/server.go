package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/ruberoo/gateway/internal/config"
	"github.com/ruberoo/gateway/internal/registry"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Server wraps the gateway with its client and admin listeners.
type Server struct {
	gateway *Gateway
	config  *config.Config
	logger  *zap.Logger

	httpServer  *http.Server
	adminServer *http.Server
	listener    net.Listener
	adminLn     net.Listener

	startTime    time.Time
	readyMu      sync.Mutex // orders ready against Shutdown
	ready        atomic.Bool
	registeredID string
	done         chan struct{}
	shutdownOnce sync.Once
}

// NewServer creates a new gateway server.
func NewServer(cfg *config.Config, opts ...Option) (*Server, error) {
	gw, err := New(cfg, opts...)
	if err != nil {
		return nil, err
	}

	s := &Server{
		gateway:   gw,
		config:    cfg,
		logger:    gw.logger,
		startTime: time.Now(),
		done:      make(chan struct{}),
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Listener.Address,
		Handler:           gw.Handler(),
		ReadTimeout:       cfg.Listener.ReadTimeout,
		ReadHeaderTimeout: cfg.Listener.ReadHeaderTimeout,
		WriteTimeout:      cfg.Listener.WriteTimeout,
		IdleTimeout:       cfg.Listener.IdleTimeout,
		MaxHeaderBytes:    cfg.Listener.MaxHeaderBytes,
	}

	if cfg.Admin.Enabled {
		s.adminServer = &http.Server{
			Addr:         cfg.Admin.Address,
			Handler:      s.adminHandler(),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
	}

	return s, nil
}

// Listen binds the client and admin listeners without serving.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("gateway listener: %w", err)
	}
	s.listener = ln

	if s.adminServer != nil {
		adminLn, err := net.Listen("tcp", s.adminServer.Addr)
		if err != nil {
			ln.Close()
			return fmt.Errorf("admin listener: %w", err)
		}
		s.adminLn = adminLn
	}
	return nil
}

// Addr returns the bound client address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// AdminAddr returns the bound admin address, or nil when admin is disabled.
func (s *Server) AdminAddr() net.Addr {
	if s.adminLn == nil {
		return nil
	}
	return s.adminLn.Addr()
}

// Serve serves both listeners until ctx is done or one of them fails, then
// shuts everything down. Listen is called first if needed.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			s.gateway.Close()
			return err
		}
	}

	s.register(ctx)

	s.readyMu.Lock()
	select {
	case <-s.done:
	default:
		s.ready.Store(true)
	}
	s.readyMu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("gateway listening", zap.String("address", s.listener.Addr().String()))
		if err := s.httpServer.Serve(s.listener); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("gateway listener: %w", err)
		}
		return nil
	})
	if s.adminServer != nil {
		g.Go(func() error {
			s.logger.Info("admin listening", zap.String("address", s.adminLn.Addr().String()))
			if err := s.adminServer.Serve(s.adminLn); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin listener: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-s.done:
		}
		return s.Shutdown()
	})

	return g.Wait()
}

// Run serves until SIGINT or SIGTERM.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.Serve(ctx)
}

// Shutdown drains both listeners within the configured timeout and closes
// the gateway. Only the first call does any work.
func (s *Server) Shutdown() error {
	var err error
	s.shutdownOnce.Do(func() {
		s.readyMu.Lock()
		s.ready.Store(false)
		close(s.done)
		s.readyMu.Unlock()
		s.logger.Info("shutting down")

		timeout := s.config.Listener.ShutdownTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		s.deregister(ctx)

		if s.adminServer != nil {
			if e := s.adminServer.Shutdown(ctx); e != nil {
				s.logger.Error("admin shutdown", zap.Error(e))
				err = multierr.Append(err, e)
			}
		}
		if e := s.httpServer.Shutdown(ctx); e != nil {
			s.logger.Error("gateway shutdown", zap.Error(e))
			err = multierr.Append(err, e)
		}
		if e := s.gateway.Close(); e != nil {
			s.logger.Error("gateway close", zap.Error(e))
			err = multierr.Append(err, e)
		}
		s.logger.Info("shutdown complete")
	})
	return err
}

// register announces the gateway in the registry. Failure is logged and the
// gateway keeps serving.
func (s *Server) register(ctx context.Context) {
	rc := s.config.Discovery.Consul.Register
	if !rc.Enabled {
		return
	}

	svc := &registry.Service{
		ID:      rc.ServiceID,
		Name:    rc.ServiceName,
		Address: rc.Address,
		Port:    rc.Port,
		Tags:    []string{"gateway"},
		Metadata: map[string]string{
			"version": Version,
		},
	}
	if svc.Port == 0 {
		if _, port, err := net.SplitHostPort(s.listener.Addr().String()); err == nil {
			svc.Port, _ = strconv.Atoi(port)
		}
	}
	if svc.ID == "" {
		host, _ := os.Hostname()
		svc.ID = fmt.Sprintf("%s-%s-%d", rc.ServiceName, host, svc.Port)
	}

	if err := s.gateway.Registry().Register(ctx, svc); err != nil {
		s.logger.Error("self registration failed",
			zap.String("service", svc.Name),
			zap.Error(err),
		)
		return
	}
	s.registeredID = svc.ID
	s.logger.Info("registered",
		zap.String("service", svc.Name),
		zap.String("id", svc.ID),
	)
}

func (s *Server) deregister(ctx context.Context) {
	if s.registeredID == "" {
		return
	}
	if err := s.gateway.Registry().Deregister(ctx, s.registeredID); err != nil {
		s.logger.Warn("deregistration failed",
			zap.String("id", s.registeredID),
			zap.Error(err),
		)
	}
	s.registeredID = ""
}

// Gateway returns the underlying gateway.
func (s *Server) Gateway() *Gateway {
	return s.gateway
}

// Ready reports whether the server is serving traffic.
func (s *Server) Ready() bool {
	return s.ready.Load()
}

// adminHandler creates the admin API handler
func (s *Server) adminHandler() http.Handler {
	r := httprouter.New()

	r.GET("/health", s.handleHealth)
	r.GET("/ready", s.handleReady)
	r.GET("/routes", s.handleRoutes)
	r.GET("/routes/:id", s.handleRoute)
	r.GET("/circuit-breakers", s.handleCircuitBreakers)
	r.GET("/ratelimit", s.handleRateLimit)

	metricsPath := s.config.Admin.MetricsPath
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	r.Handler(http.MethodGet, metricsPath, s.gateway.Metrics().Handler())

	return r
}
