package api

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/contrib/otelfiber"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/acme/lead-delivery/internal/api/handlers"
	"github.com/acme/lead-delivery/internal/app"
)

const shutdownTimeout = 10 * time.Second

// Paths that carry a raw phone number in the URL, or are polled, get no span.
var untracedPrefixes = []string{
	"/metrics",
	"/healthz",
	"/api/v1/optouts/",
	"/api/v1/attempts/",
	"/api/v1/phones/",
}

func skipTracing(path string) bool {
	for _, p := range untracedPrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

func tracing(opts ...otelfiber.Option) fiber.Handler {
	traced := otelfiber.Middleware(opts...)
	return func(c *fiber.Ctx) error {
		if skipTracing(c.Path()) {
			return c.Next()
		}
		return traced(c)
	}
}

// Server wraps the Fiber application.
type Server struct {
	app  *fiber.App
	deps *app.Container
}

// NewServer constructs a new HTTP server.
func NewServer(deps *app.Container) *Server {
	components := deps.Delivery()
	wa := deps.Channels().WhatsApp
	hs := handlers.NewHandlerSet(handlers.Deps{
		Delivery:     components.Orchestrator,
		Dispatcher:   deps.Dispatchers().Requests,
		Normalizer:   components.Normalizer,
		OptOuts:      deps.Repositories().OptOuts,
		Attempts:     deps.Repositories().Attempts,
		Session:      wa,
		Catalog:      components.Renderer.Catalog(),
		HealthChecks: deps.HealthChecks(),
		Logger:       deps.Logger,
	})

	cfg := fiber.Config{
		AppName:      deps.Config.App.Name,
		ReadTimeout:  deps.Config.HTTP.ReadTimeout,
		WriteTimeout: deps.Config.HTTP.WriteTimeout,
		IdleTimeout:  deps.Config.HTTP.IdleTimeout,
		ErrorHandler: hs.ErrorHandler,
	}

	fiberApp := fiber.New(cfg)
	fiberApp.Use(recover.New())
	fiberApp.Use(tracing())
	if deps.Config.Telemetry.MetricsEnabled {
		fiberApp.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(deps.Metrics, promhttp.HandlerOpts{})))
	}
	hs.Register(fiberApp)

	return &Server{app: fiberApp, deps: deps}
}

// App exposes the underlying fiber application.
func (s *Server) App() *fiber.App {
	return s.app
}

// Start begins serving HTTP traffic.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.deps.Config.HTTP.Port)
	go func() {
		<-ctx.Done()
		_ = s.Shutdown()
	}()
	return s.app.Listen(addr)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.app.ShutdownWithContext(ctx)
}
