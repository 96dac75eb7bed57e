package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/stepherg/gatedash/internal/logging"
)

// Dependencies holds everything the router mounts.
type Dependencies struct {
	Session       Session
	WebSocket     http.Handler        // mounted at /ws when set
	Webhook       http.Handler        // mounted at /webhook/events when set
	Gatherer      prometheus.Gatherer // /metrics is served only when set
	AllowedOrigin string              // empty or "*" allows any origin
	Logger        *zap.Logger
	Version       string
}

// NewServer builds the echo instance with middleware and all routes.
func NewServer(deps Dependencies) *echo.Echo {
	log := logging.OrNop(deps.Logger)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = ErrorHandler(log)

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		Skipper: func(c echo.Context) bool {
			path := c.Request().URL.Path
			return path == "/api/health" || path == "/metrics" || path == "/ws"
		},
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				log.Warn("request", append(fields, zap.Error(v.Error))...)
				return nil
			}
			log.Debug("request", fields...)
			return nil
		},
	}))
	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		StackSize: 1024 * 4,
		LogErrorFunc: func(c echo.Context, err error, stack []byte) error {
			log.Error("handler panic", zap.String("uri", c.Request().RequestURI), zap.Error(err), zap.ByteString("stack", stack))
			return err
		},
	}))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: origins(deps.AllowedOrigin),
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept},
	}))

	RegisterRoutes(e, NewHandler(deps.Session, deps.Version))

	if deps.Gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}
	if deps.WebSocket != nil {
		e.GET("/ws", echo.WrapHandler(deps.WebSocket))
	}
	if deps.Webhook != nil {
		e.POST("/webhook/events", echo.WrapHandler(deps.Webhook), middleware.BodyLimit("1M"))
	}
	return e
}

// RegisterRoutes mounts the /api group.
func RegisterRoutes(e *echo.Echo, h *Handler) {
	g := e.Group("/api")
	g.GET("/health", h.HandleHealth)
	g.GET("/snapshot", h.HandleSnapshot)
	g.GET("/devices", h.HandleDevices)
	g.POST("/devices/select", h.HandleSelectDevice)

	g.GET("/logs/events", h.HandleEventLog)
	g.GET("/logs/status", h.HandleStatusLog)
	g.GET("/logs/events/msgpack", h.HandleEventLogMsgpack)
	g.GET("/logs/status/msgpack", h.HandleStatusLogMsgpack)
}

func origins(s string) []string {
	var out []string
	for _, o := range strings.Split(s, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// Serve runs e on addr with the given timeouts until it is shut down.
func Serve(e *echo.Echo, addr string, read, write, idle time.Duration) error {
	srv := &http.Server{
		Addr:         addr,
		ReadTimeout:  read,
		WriteTimeout: write,
		IdleTimeout:  idle,
	}
	if err := e.StartServer(srv); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
