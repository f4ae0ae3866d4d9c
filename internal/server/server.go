package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/finsight-labs/finsight/config"
	"github.com/finsight-labs/finsight/internal/ratelimit"
	"github.com/finsight-labs/finsight/internal/session"
	"github.com/finsight-labs/finsight/internal/telemetry"
)

// Deps are the collaborators the HTTP surface is built on.
type Deps struct {
	Orchestrator *session.Orchestrator
	Limiter      *ratelimit.Limiter
	Telemetry    *telemetry.Telemetry
	RateLimits   config.RateLimitConfig
	Logger       *log.Logger
}

// Server hosts the HTTP API.
type Server struct {
	echo   *echo.Echo
	addr   string
	logger *log.Logger
}

// New assembles the echo engine, middleware, and routes.
func New(cfg config.ServerConfig, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		logger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Content-Type"},
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := e.Group("/api")
	api.Use(ratelimit.Middleware(deps.Limiter, profile("default", deps.RateLimits.Default)))

	sh := &SessionHandler{Orchestrator: deps.Orchestrator, Logger: logger}
	sh.Register(api, ratelimit.Middleware(deps.Limiter, profile("upload", deps.RateLimits.Upload)))

	if deps.Telemetry != nil {
		tel := deps.Telemetry
		api.GET("/stats", func(c echo.Context) error {
			snap := tel.GetSnapshot()
			return c.JSON(http.StatusOK, map[string]interface{}{
				"total_sessions":           snap.TotalSessions,
				"success_sessions":         snap.SuccessSessions,
				"cache_hits":               snap.CacheHits,
				"average_duration_seconds": snap.AverageDuration.Seconds(),
			})
		})
	}

	return &Server{echo: e, addr: cfg.Address, logger: logger}
}

// Start blocks serving HTTP until Shutdown or a listener failure.
func (s *Server) Start() error {
	s.logger.Printf("listening on %s", s.addr)
	if err := s.echo.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler exposes the routing tree, used by tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func profile(name string, p config.RateProfileConfig) ratelimit.Profile {
	return ratelimit.Profile{Name: name, Limit: p.Limit, Window: p.Window}
}

// httpError converts session error types to transport status codes.
// Validation problems are the caller's fault, rate limiting carries its
// reset time, and collaborator failures surface as bad gateway.
func httpError(c echo.Context, err error) error {
	var invalid *session.ValidationError
	if errors.As(err, &invalid) {
		return echo.NewHTTPError(http.StatusBadRequest, invalid.Message)
	}
	var limited *session.RateLimitedError
	if errors.As(err, &limited) {
		c.Response().Header().Set("X-RateLimit-Reset", strconv.FormatInt(limited.ResetAt.Unix(), 10))
		return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
	}
	var collab *session.CollaboratorError
	if errors.As(err, &collab) {
		return echo.NewHTTPError(http.StatusBadGateway, collab.Error())
	}
	return err
}
