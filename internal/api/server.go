package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/orrn/httprint/internal/config"
)

const (
	readHeaderTimeout    = 10 * time.Second
	defaultShutdownGrace = time.Minute
)

var ErrTLSRequired = errors.New("tls is required but the certificate or key file is missing")

// ResolveTLS reports whether both TLS files exist. Missing material is an
// error only when require_tls is set.
func ResolveTLS(cfg config.ServerConfig) (bool, error) {
	ok := cfg.TLSCert != "" && cfg.TLSKey != "" && isFile(cfg.TLSCert) && isFile(cfg.TLSKey)
	if !ok && cfg.RequireTLS {
		return false, ErrTLSRequired
	}
	return ok, nil
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

type Server struct {
	http   *http.Server
	tls    bool
	cert   string
	key    string
	grace  time.Duration
	logger *zap.Logger
}

func NewServer(cfg *config.Config, handler http.Handler, useTLS bool, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	grace := cfg.Server.ShutdownGrace
	if grace <= 0 {
		grace = defaultShutdownGrace
	}
	return &Server{
		http: &http.Server{
			Addr:              cfg.ListenAddr(),
			Handler:           handler,
			ReadHeaderTimeout: readHeaderTimeout,
			ReadTimeout:       cfg.Server.ReadTimeout,
			WriteTimeout:      cfg.Server.WriteTimeout,
		},
		tls:    useTLS,
		cert:   cfg.Server.TLSCert,
		key:    cfg.Server.TLSKey,
		grace:  grace,
		logger: logger,
	}
}

// Run binds the listener and serves until ctx is done, then shuts down
// gracefully. Bind failures are returned before anything is served.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.http.Addr, err)
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	scheme := "http"
	if s.tls {
		scheme = "https"
	}
	s.logger.Info("server starting", zap.String("addr", ln.Addr().String()), zap.String("scheme", scheme))

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.tls {
			err = s.http.ServeTLS(ln, s.cert, s.key)
		} else {
			err = s.http.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.grace)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return <-errCh
}
