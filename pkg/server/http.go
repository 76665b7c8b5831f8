package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"sync"

	"freight-controlplane/pkg/config"

	"github.com/fsnotify/fsnotify"
	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ProvideHTTPServer = fx.Module("http.server",
	fx.Provide(NewHttpServer),
	fx.Invoke(Run),
)

// Server serves the gin engine, optionally over TLS with a certificate that
// is swapped in place whenever the files on disk change.
type Server struct {
	server   *http.Server
	certPath string
	keyPath  string

	mu   sync.RWMutex
	cert *tls.Certificate

	watcher *fsnotify.Watcher
}

type Params struct {
	fx.In
	Config  *config.Config
	Handler *gin.Engine
}

func NewHttpServer(p Params) *Server {
	cfg := p.Config
	srv := &Server{
		server: &http.Server{
			Addr:         net.JoinHostPort("", cfg.Server.Addr),
			Handler:      p.Handler,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			IdleTimeout:  cfg.Server.IdleTimeout,
		},
		certPath: cfg.TLS.CertPath,
		keyPath:  cfg.TLS.KeyPath,
	}

	if cfg.TLS.Enable {
		srv.server.TLSConfig = &tls.Config{
			MinVersion:     tls.VersionTLS12,
			GetCertificate: srv.getCertificate,
		}
	}
	return srv
}

func (s *Server) tlsEnabled() bool { return s.server.TLSConfig != nil }

func (s *Server) getCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cert == nil {
		return nil, errors.New("no TLS certificate loaded")
	}
	return s.cert, nil
}

func (s *Server) loadCert() error {
	cert, err := tls.LoadX509KeyPair(s.certPath, s.keyPath)
	if err != nil {
		return fmt.Errorf("load TLS key pair: %w", err)
	}
	s.mu.Lock()
	s.cert = &cert
	s.mu.Unlock()
	return nil
}

// watch reloads the key pair on changes to either file. The parent
// directories are watched so atomic renames (kubernetes secret mounts) are
// seen too. A failed reload keeps the previous certificate.
func (s *Server) watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create TLS watcher: %w", err)
	}
	dirs := map[string]struct{}{
		filepath.Dir(s.certPath): {},
		filepath.Dir(s.keyPath):  {},
	}
	for dir := range dirs {
		if err := w.Add(dir); err != nil {
			_ = w.Close()
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}
	s.watcher = w

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if !s.isKeyPairFile(ev.Name) || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := s.loadCert(); err != nil {
					zap.L().Error("TLS certificate reload failed", zap.Error(err))
					continue
				}
				zap.L().Info("TLS certificate reloaded", zap.String("file", ev.Name))
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				zap.L().Error("TLS watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}

func (s *Server) isKeyPairFile(name string) bool {
	name = filepath.Clean(name)
	return name == filepath.Clean(s.certPath) || name == filepath.Clean(s.keyPath)
}

func Run(lc fx.Lifecycle, srv *Server) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if !srv.tlsEnabled() {
				zap.L().Info("Starting HTTP server without tls", zap.String("addr", srv.server.Addr))
				go serve(srv.server.ListenAndServe)
				return nil
			}

			if err := srv.loadCert(); err != nil {
				return err
			}
			if err := srv.watch(); err != nil {
				return err
			}
			zap.L().Info("Starting HTTP server with tls", zap.String("addr", srv.server.Addr))
			go serve(func() error { return srv.server.ListenAndServeTLS("", "") })
			return nil
		},
		OnStop: func(ctx context.Context) error {
			zap.L().Info("Shutting down HTTP server gracefully...")
			if srv.watcher != nil {
				_ = srv.watcher.Close()
			}
			return srv.server.Shutdown(ctx)
		},
	})
}

func serve(listen func() error) {
	if err := listen(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		zap.L().Error("HTTP server stopped", zap.Error(err))
	}
}
