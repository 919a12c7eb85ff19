package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/rendis/chainflow/internal/service"
)

// serviceName names the server in request spans.
const serviceName = "chainflow-api"

// Deps holds the dependencies for the HTTP server.
type Deps struct {
	Service *service.Service
	Logger  *slog.Logger
}

// Server exposes workflow definition, webhook triggers, execution status and
// credits over HTTP.
type Server struct {
	svc    *service.Service
	logger *slog.Logger
	echo   *echo.Echo
}

// NewServer builds the echo router.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{svc: deps.Service, logger: deps.Logger, echo: e}
	e.HTTPErrorHandler = s.handleError

	e.Use(middleware.Recover())
	e.Use(otelecho.Middleware(serviceName))
	e.Use(middleware.RequestID())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
				"request_id", v.RequestID,
			}
			if v.Error != nil {
				s.logger.Warn("request failed", append(attrs, "error", v.Error)...)
				return nil
			}
			s.logger.Debug("request", attrs...)
			return nil
		},
	}))

	s.routes()
	return s
}

func (s *Server) routes() {
	s.echo.GET("/healthz", s.handleHealth)

	// Webhook triggers only run workflows whose trigger declares type webhook.
	s.echo.POST("/hooks/:workflowID", s.handleWebhook)

	api := s.echo.Group("/api")
	api.POST("/workflows", s.handleDefine)
	api.GET("/workflows", s.handleListWorkflows)
	api.GET("/workflows/:id", s.handleGetWorkflow)
	api.GET("/workflows/:id/estimate", s.handleEstimate)
	api.GET("/workflows/:id/diagram", s.handleDiagram)
	api.GET("/actions", s.handleListActions)
	api.POST("/workflows/:id/executions", s.handleRun)

	api.GET("/executions", s.handleListExecutions)
	api.GET("/executions/:id", s.handleStatus)
	api.GET("/executions/:id/events", s.handleEvents)
	api.GET("/executions/:id/stream", s.handleStream)
	api.POST("/executions/:id/cancel", s.handleCancel)

	api.GET("/organizations/:org/credits", s.handleBalance)
	api.POST("/organizations/:org/credits", s.handleDeposit)
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully within shutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	server := &http.Server{
		Addr:        addr,
		Handler:     s.echo,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("http server starting", "address", addr)
		serverErrors <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("http server shutdown", "error", err)
			return server.Close()
		}
		s.logger.Info("http server stopped")
		return nil
	}
}

// Mount serves h for every path under prefix.
func (s *Server) Mount(prefix string, h http.Handler) {
	s.echo.Any(prefix+"/*", echo.WrapHandler(h))
}
