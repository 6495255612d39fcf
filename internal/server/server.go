package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/go-chi/chi/v5"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"example.com/hlsserve/internal/config"
	"example.com/hlsserve/internal/logger"
	"example.com/hlsserve/internal/util"
)

// Server owns the listener and the http.Server that fronts the HLS route.
type Server struct {
	cfg        *config.Config
	log        *logger.Logger
	handler    http.Handler
	httpServer *http.Server

	mu       sync.Mutex
	listener net.Listener
}

// NewServer builds the router and http.Server. fileHandler is mounted at
// <route_prefix>/*; everything else answers 404.
func NewServer(cfg *config.Config, lg *logger.Logger, fileHandler http.Handler) (*Server, error) {
	if cfg == nil || cfg.Server == nil || cfg.HLS == nil {
		return nil, fmt.Errorf("config cannot be nil and must be defaulted")
	}
	if lg == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if fileHandler == nil {
		return nil, fmt.Errorf("file handler cannot be nil")
	}

	s := &Server{cfg: cfg, log: lg}
	s.handler = s.buildHandler(fileHandler)
	s.httpServer = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout.Duration(),
		ReadTimeout:       cfg.Server.ReadTimeout.Duration(),
		WriteTimeout:      cfg.Server.WriteTimeout.Duration(),
		IdleTimeout:       cfg.Server.IdleTimeout.Duration(),
	}
	return s, nil
}

// RoutePattern returns the chi pattern the file handler is mounted on.
func RoutePattern(prefix string) string {
	return strings.TrimSuffix(prefix, "/") + "/*"
}

func (s *Server) buildHandler(fileHandler http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(requestID, accessLog(s.log), recoverer(s.log))

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		WriteErrorResponse(w, req, http.StatusNotFound, "")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		WriteErrorResponse(w, req, http.StatusMethodNotAllowed, "")
	})
	r.Handle(RoutePattern(s.cfg.HLS.RoutePrefix), fileHandler)

	if s.cfg.Server.EnableH2C != nil && *s.cfg.Server.EnableH2C {
		return h2c.NewHandler(r, &http2.Server{IdleTimeout: s.cfg.Server.IdleTimeout.Duration()})
	}
	return r
}

// Handler returns the fully wrapped request handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Listen binds the configured address, or adopts the first socket passed through
// LISTEN_FDS when present. Bind failures are returned for the caller to treat as fatal.
func (s *Server) Listen() (net.Listener, error) {
	fds, err := util.ParseInheritedListenerFDs(os.LookupEnv)
	if err != nil {
		return nil, err
	}

	var l net.Listener
	if len(fds) > 0 {
		l, err = util.NewListenerFromFD(fds[0])
		if err != nil {
			return nil, err
		}
		s.log.Info("Using inherited listener", logger.LogFields{"fd": fds[0], "address": l.Addr().String()})
	} else {
		l, err = util.CreateListener("tcp", *s.cfg.Server.Address)
		if err != nil {
			return nil, err
		}
		s.log.Info("Listening", logger.LogFields{"address": l.Addr().String()})
	}

	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
	return l, nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections on l until ctx is cancelled, then shuts down gracefully
// within the configured timeout. It returns nil after a clean shutdown.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.Serve(l)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	timeout := s.cfg.Server.GracefulShutdownTimeout.Duration()
	s.log.Info("Shutting down", logger.LogFields{"timeout": timeout.String()})
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.httpServer.Close()
		return fmt.Errorf("graceful shutdown did not complete: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Start binds, serves and blocks until SIGINT or SIGTERM. SIGHUP reopens log files.
func (s *Server) Start() error {
	l, err := s.Listen()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-hup:
				if err := s.log.ReopenLogFiles(); err != nil {
					s.log.Error("Failed to reopen log files", logger.LogFields{"error": err.Error()})
				} else {
					s.log.Info("Reopened log files", nil)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return s.Serve(ctx, l)
}
