package api

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/telekom/request-gatekeeper/pkg/audit"
	"github.com/telekom/request-gatekeeper/pkg/config"
	"github.com/telekom/request-gatekeeper/pkg/gatekeeper"
	"github.com/telekom/request-gatekeeper/pkg/metrics"
	"github.com/telekom/request-gatekeeper/pkg/ratelimit"
	"github.com/telekom/request-gatekeeper/pkg/version"
)

// APIController registers application routes behind the gatekeeper.
type APIController interface {
	BasePath() string
	Register(rg *gin.RouterGroup) error
	Handlers() []gin.HandlerFunc
}

type Server struct {
	gin    *gin.Engine
	config config.Config
	log    *zap.SugaredLogger

	gk      *gatekeeper.Gatekeeper
	limiter *ratelimit.Limiter
	router  *ratelimit.Router
	audit   audit.Sink

	httpServer *http.Server
}

// ServerOptions carries the collaborators built by the caller.
type ServerOptions struct {
	Gatekeeper *gatekeeper.Gatekeeper
	// Limiter and Router back the admin endpoints. A nil Limiter disables them.
	Limiter *ratelimit.Limiter
	Router  *ratelimit.Router
	Audit   audit.Sink
	// EnableAdmin registers the /admin routes.
	EnableAdmin bool
	// InlineMetrics serves /metrics on the main listener.
	InlineMetrics bool
	EnableHTTP2   bool
}

func NewServer(log *zap.Logger, cfg config.Config, debug bool, opts ServerOptions) *Server {
	if !debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(
		ginzap.Ginzap(log, time.RFC3339, true),
		ginzap.RecoveryWithZap(log, true),
	)
	if len(cfg.Server.TrustedProxies) > 0 {
		if err := engine.SetTrustedProxies(cfg.Server.TrustedProxies); err != nil {
			log.Warn("Ignoring invalid trusted proxies", zap.Error(err))
		}
	}

	router := opts.Router
	if router == nil {
		router = ratelimit.DefaultRouter()
	}

	s := &Server{
		gin:     engine,
		config:  cfg,
		log:     log.Sugar().Named("api"),
		gk:      opts.Gatekeeper,
		limiter: opts.Limiter,
		router:  router,
		audit:   opts.Audit,
	}

	engine.GET("/healthz", s.healthz)
	engine.GET("/version", s.version)
	if opts.InlineMetrics {
		engine.GET("/metrics", gin.WrapH(metrics.MetricsHandler()))
	}

	api := engine.Group("api", s.protect()...)
	api.GET("csrf-token", s.issueCSRFToken)

	if opts.EnableAdmin && s.limiter != nil {
		admin := engine.Group("admin", append(s.protect(), s.requireAdmin)...)
		s.registerAdmin(admin)
	}

	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if !opts.EnableHTTP2 {
		tlsConfig.NextProtos = []string{"http/1.1"}
	}
	s.httpServer = &http.Server{
		Addr:              cfg.Server.ListenAddress,
		Handler:           engine,
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if !opts.EnableHTTP2 {
		s.httpServer.TLSNextProto = map[string]func(*http.Server, *tls.Conn, http.Handler){}
	}

	return s
}

func (s *Server) protect() []gin.HandlerFunc {
	if s.gk == nil {
		return nil
	}
	return []gin.HandlerFunc{s.gk.Middleware()}
}

// RegisterAll mounts application controllers under /api.
func (s *Server) RegisterAll(controllers []APIController) error {
	r := s.gin.Group("api", s.protect()...)
	for _, c := range controllers {
		if err := c.Register(r.Group(c.BasePath(), c.Handlers()...)); err != nil {
			return err
		}
	}
	return nil
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.gin
}

// Listen serves until ctx is cancelled, then shuts down gracefully within
// the configured shutdown timeout.
func (s *Server) Listen(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.config.Server.TLSCertFile != "" && s.config.Server.TLSKeyFile != "" {
			err = s.httpServer.ListenAndServeTLS(s.config.Server.TLSCertFile, s.config.Server.TLSKeyFile)
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Infow("HTTP server listening", "address", s.config.Server.ListenAddress)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	timeout := s.config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	s.log.Infow("Shutting down HTTP server", "timeout", timeout)
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) version(c *gin.Context) {
	c.JSON(http.StatusOK, version.GetBuildInfo())
}
