package server

import (
	"context"
	"log/slog"
	"net/http"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"llmgate/internal/core"
	"llmgate/internal/gateway"
	"llmgate/internal/usage"
)

type Config struct {
	Port            string
	MasterKey       string
	BodySizeLimit   string
	MetricsEnabled  bool
	MetricsEndpoint string
	MetricsRegistry *prometheus.Registry
}

// Server wraps the echo instance and its route setup.
type Server struct {
	echo   *echo.Echo
	cfg    Config
	logger *slog.Logger
}

func New(gw *gateway.Gateway, store usage.Store, cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BodySizeLimit == "" {
		cfg.BodySizeLimit = "10M"
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	metricsPath := path.Clean("/" + cfg.MetricsEndpoint)
	skipPaths := []string{"/health"}
	if cfg.MetricsEnabled {
		skipPaths = append(skipPaths, metricsPath)
	}

	e.Use(requestIDMiddleware())
	e.Use(requestLogger(logger))
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit(cfg.BodySizeLimit))
	e.Use(AuthMiddleware(cfg.MasterKey, skipPaths))

	h := NewHandler(gw, store, logger)
	e.POST("/v1/chat/completions", h.ChatCompletion)
	e.GET("/v1/usage/summary", h.UsageSummary)
	e.GET("/health", h.Health)

	if cfg.MetricsEnabled {
		var mh http.Handler
		if cfg.MetricsRegistry != nil {
			mh = promhttp.HandlerFor(cfg.MetricsRegistry, promhttp.HandlerOpts{})
		} else {
			mh = promhttp.Handler()
		}
		e.GET(metricsPath, echo.WrapHandler(mh))
	}

	return &Server{echo: e, cfg: cfg, logger: logger}
}

// requestIDMiddleware honors an incoming X-Request-ID header, generating one
// otherwise, and threads it through the request context and the response.
func requestIDMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id := c.Request().Header.Get(echo.HeaderXRequestID)
			if id == "" {
				id = uuid.NewString()
			}
			ctx := core.WithRequestID(c.Request().Context(), id)
			c.SetRequest(c.Request().WithContext(ctx))
			c.Response().Header().Set(echo.HeaderXRequestID, id)
			return next(c)
		}
	}
}

func requestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogURI:     true,
		LogMethod:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []slog.Attr{
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Int64("latency_ms", v.Latency.Milliseconds()),
				slog.String("request_id", core.GetRequestID(c.Request().Context())),
			}
			level := slog.LevelInfo
			if v.Error != nil {
				level = slog.LevelError
				attrs = append(attrs, slog.String("error", v.Error.Error()))
			}
			logger.LogAttrs(c.Request().Context(), level, "http request", attrs...)
			return nil
		},
	})
}

func (s *Server) Start() error {
	s.logger.Info("http server listening", slog.String("port", s.cfg.Port))
	err := s.echo.Start(":" + s.cfg.Port)
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	return s.echo.Shutdown(shutdownCtx)
}

// ServeHTTP lets tests drive the router without binding a port.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}
