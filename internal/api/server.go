// Package api exposes scoring and matching over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.uber.org/zap"

	"github.com/spigell/qcs-matcher/internal/logger"
	"github.com/spigell/qcs-matcher/internal/matching"
	"github.com/spigell/qcs-matcher/internal/metrics"
	"github.com/spigell/qcs-matcher/internal/qcs"
)

// Config holds the listener settings.
type Config struct {
	Addr            string        `mapstructure:"addr" validate:"required"`
	ReadTimeout     time.Duration `mapstructure:"read-timeout"`
	WriteTimeout    time.Duration `mapstructure:"write-timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown-timeout"`
}

// DefaultConfig listens on :8080. The write timeout leaves room for the AI phase.
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    90 * time.Second,
		ShutdownTimeout: 15 * time.Second,
	}
}

// Scorer is the scoring service.
type Scorer interface {
	Score(ctx context.Context, req qcs.Request) (*qcs.Response, error)
	Fallback(requestID string) *qcs.Response
}

// Matcher is the matching engine.
type Matcher interface {
	Find(ctx context.Context, userID string, limit int) (*matching.Result, error)
}

// Server wires the handlers into an echo instance.
type Server struct {
	echo    *echo.Echo
	cfg     Config
	scorer  Scorer
	matcher Matcher
	logger  *zap.Logger
	metrics *metrics.Manager
	version string
}

// New builds the server. service names the otel instrumentation.
func New(cfg Config, scorer Scorer, matcher Matcher, log *zap.Logger, m *metrics.Manager, service, version string) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = newRequestValidator()

	s := &Server{
		echo:    e,
		cfg:     cfg,
		scorer:  scorer,
		matcher: matcher,
		logger:  logger.WithFields(log),
		metrics: m,
		version: version,
	}
	e.HTTPErrorHandler = s.handleError

	e.Use(middleware.RequestID())
	e.Use(otelecho.Middleware(service))
	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{DisablePrintStack: true}))
	e.Use(s.observe)

	e.GET("/healthz", s.health)
	e.GET("/metrics", echo.WrapHandler(m.Handler()))

	v1 := e.Group("/v1")
	v1.POST("/qcs", s.score)
	v1.GET("/matches/:userID", s.matches)

	return s
}

// Handler returns the root handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	srv := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.echo,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	s.logger.Info("http server listening", zap.String("addr", s.cfg.Addr))
	if err := s.echo.StartServer(srv); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve http: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
		defer cancel()
	}
	return s.echo.Shutdown(ctx)
}

type requestValidator struct {
	v *validator.Validate
}

// newRequestValidator reports fields by their JSON names.
func newRequestValidator() *requestValidator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &requestValidator{v: v}
}

func (rv *requestValidator) Validate(i any) error {
	if err := rv.v.Struct(i); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return echo.NewHTTPError(http.StatusBadRequest,
				fmt.Sprintf("field %s failed rule %s", fe.Field(), fe.Tag()))
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}
