// Package web exposes the engine over an admin HTTP API.
package web

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"

	"github.com/vadiminshakov/spendflow/internal/domain"
)

const shutdownTimeout = 5 * time.Second

type planExecutor interface {
	ExecutePlan(ctx context.Context, planID string, trigger domain.Trigger) (*domain.ExecutionRecord, error)
	SetPlanStatus(ctx context.Context, planID string, action domain.StatusAction) (*domain.Plan, error)
}

type dueRunner interface {
	ExecuteDue(ctx context.Context) (domain.RunSummary, error)
}

type planStore interface {
	CreatePlan(p *domain.Plan) error
	GetPlan(id string) (*domain.Plan, error)
	Executions(planID string) ([]domain.ExecutionRecord, error)
	SaveAuthorization(a *domain.SpendAuthorization) error
	RevokeAuthorization(id string) error
}

// Server serves the admin API.
type Server struct {
	Addr string

	executor planExecutor
	runner   dueRunner
	store    planStore
	events   eventSource
	acme     *autocert.Manager
	domains  []string
	token    string
	l        *zap.Logger
	now      func() time.Time
}

// NewServer creates the admin server. A non-empty token enables bearer auth
// on every /api route.
func NewServer(addr string, executor planExecutor, runner dueRunner, store planStore, token string, l *zap.Logger) *Server {
	if l == nil {
		l = zap.NewNop()
	}

	return &Server{
		Addr:     addr,
		executor: executor,
		runner:   runner,
		store:    store,
		token:    token,
		l:        l,
		now:      time.Now,
	}
}

// Handler builds the gin engine with all routes registered.
func (s *Server) Handler() http.Handler {
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(s.requestLogger())

	engine.GET("/healthz", s.health)

	api := engine.Group("/api")
	api.Use(s.requireBearer())
	api.POST("/executions/due", s.executeDue)
	api.POST("/plans", s.createPlan)
	api.GET("/plans/:id", s.getPlan)
	api.POST("/plans/:id/execute", s.executePlan)
	api.POST("/plans/:id/status", s.setPlanStatus)
	api.GET("/plans/:id/executions", s.listExecutions)
	api.POST("/plans/:id/authorizations", s.createAuthorization)
	api.POST("/authorizations/:id/revoke", s.revokeAuthorization)
	api.GET("/events", s.streamEvents)

	return engine
}

// WithAutoTLS switches Start to HTTPS with ACME certificates for domains,
// cached under cacheDir. HTTP-01 challenges are answered on :80.
func (s *Server) WithAutoTLS(domains []string, cacheDir string) (*Server, error) {
	if len(domains) == 0 {
		return nil, errors.New("auto TLS needs at least one domain")
	}
	if cacheDir == "" {
		cacheDir = "cert-cache"
	}

	s.domains = domains
	s.acme = &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(domains...),
		Cache:      autocert.DirCache(cacheDir),
	}

	return s, nil
}

// Start serves the admin API until ctx is cancelled, over HTTPS when
// WithAutoTLS was applied and plain HTTP otherwise.
func (s *Server) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	api := newHTTPServer(s.Addr, s.Handler())
	servers := []*http.Server{api}

	if s.acme != nil {
		api.TLSConfig = s.acme.TLSConfig()
		api.TLSConfig.MinVersion = tls.VersionTLS12

		challenges := newHTTPServer(":80", s.acme.HTTPHandler(nil))
		servers = append(servers, challenges)
		go func() {
			if err := challenges.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.l.Error("acme challenge listener failed", zap.Error(err))
			}
		}()
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				s.l.Warn("listener shutdown", zap.String("addr", srv.Addr), zap.Error(err))
			}
		}
	}()

	var err error
	if s.acme != nil {
		s.l.Info("admin API listening with auto TLS", zap.String("addr", s.Addr), zap.Strings("domains", s.domains))
		err = api.ListenAndServeTLS("", "")
	} else {
		s.l.Info("admin API listening", zap.String("addr", s.Addr))
		err = api.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

func newHTTPServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

func (s *Server) requireBearer() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.token == "" {
			c.Next()
			return
		}

		got := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
			Error(c, http.StatusUnauthorized, "unauthorized", nil)
			c.Abort()
			return
		}
		c.Next()
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.l.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)))
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
