package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/ethereumidentitykit/ens-market-bot-sub004/internal/config"
)

const shutdownGrace = 10 * time.Second

// Server hosts the health probes and the JWT-protected admin API.
type Server struct {
	srv    *http.Server
	logger zerolog.Logger
}

// NewServer assembles the gin engine and binds it to cfg.ListenAddr.
func NewServer(cfg config.APIConfig, environment string, bot Bot, db Pinger, logger zerolog.Logger) *Server {
	if environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	return &Server{
		srv: &http.Server{
			Addr:    cfg.ListenAddr,
			Handler: newEngine(cfg.JWTSecret, bot, db),
		},
		logger: logger.With().Str("component", "httpapi").Logger(),
	}
}

func newEngine(secret string, bot Bot, db Pinger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	health := &healthHandler{db: db}
	health.register(r)

	admin := &adminHandler{bot: bot}
	admin.register(r, secret)

	return r
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.srv.Addr).Msg("admin api listening")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info().Msg("admin api stopped")
	return <-errCh
}
