// Package server wires the stores, services and the two HTTP listeners.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/bosunhq/bosun/internal/auth"
	"github.com/bosunhq/bosun/internal/config"
	"github.com/bosunhq/bosun/internal/distribution"
	"github.com/bosunhq/bosun/internal/mgmt"
	"github.com/bosunhq/bosun/internal/middleware"
	"github.com/bosunhq/bosun/internal/registry"
	"github.com/bosunhq/bosun/internal/storage"
	"github.com/bosunhq/bosun/internal/store"
)

// Server holds the assembled application.
type Server struct {
	cfg       *config.Config
	store     *store.Store
	uploads   *registry.UploadManager
	collector *registry.Collector

	registrySrv *http.Server
	mgmtSrv     *echo.Echo
}

// New builds all components from cfg but does not start listening.
func New(cfg *config.Config) (*Server, error) {
	st, err := store.Open(filepath.Join(cfg.Server.DataDir, "bosun.db"))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	blobs, err := storage.NewBlobStore(filepath.Join(cfg.Server.DataDir, "blobs"))
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("creating blob store: %w", err)
	}
	manifests, err := storage.NewManifestStore(filepath.Join(cfg.Server.DataDir, "manifests"), blobs)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("creating manifest store: %w", err)
	}
	uploads, err := registry.NewUploadManager(filepath.Join(cfg.Server.DataDir, "uploads"), blobs, cfg.Uploads.TTL)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("creating upload manager: %w", err)
	}

	svc := registry.NewService(st, blobs, manifests, uploads)
	authn := auth.NewService(st, []byte(cfg.Auth.TokenSecret), cfg.Auth.TokenExpiry, cfg.Auth.BcryptCost)
	authz := auth.NewAuthorizer(st)

	dist := distribution.NewHandler(svc, authn, authz)
	registrySrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.RegistryPort),
		Handler:      middleware.Chain(middleware.PanicRecovery, middleware.RequestLogger)(dist),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	mgmt.NewHandler(st, authn, authz).Register(e)

	return &Server{
		cfg:         cfg,
		store:       st,
		uploads:     uploads,
		collector:   registry.NewCollector(st, blobs, manifests, cfg.GC.Grace),
		registrySrv: registrySrv,
		mgmtSrv:     e,
	}, nil
}

// Run starts both listeners and the background loops, blocking until ctx is
// cancelled or a listener fails.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", s.registrySrv.Addr).Msg("registry API listening")
		if err := s.registrySrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("registry server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		addr := fmt.Sprintf(":%d", s.cfg.Server.Port)
		log.Info().Str("addr", addr).Msg("management API listening")
		if err := s.mgmtSrv.Start(addr); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("management server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		s.sweepLoop(ctx)
		return nil
	})
	if s.cfg.GC.Interval > 0 {
		g.Go(func() error {
			s.gcLoop(ctx)
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		return s.shutdown()
	})

	return g.Wait()
}

func (s *Server) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Uploads.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := s.uploads.Sweep(now); n > 0 {
				log.Info().Int("expired", n).Msg("reclaimed upload sessions")
			}
		}
	}
}

func (s *Server) gcLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.GC.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.collector.Run(ctx); err != nil {
				log.Error().Err(err).Msg("garbage collection failed")
			}
		}
	}
}

func (s *Server) shutdown() error {
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var errs []error
	if err := s.registrySrv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("registry shutdown: %w", err))
	}
	if err := s.mgmtSrv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("management shutdown: %w", err))
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing database: %w", err))
	}
	return errors.Join(errs...)
}
