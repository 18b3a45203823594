package api

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"

	"github.com/basekick-labs/pvexport/internal/logger"
	"github.com/basekick-labs/pvexport/internal/metrics"
)

// Server represents the HTTP API server
type Server struct {
	app    *fiber.App
	logger zerolog.Logger
	config *ServerConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	BodyLimit       int
	APITokenHash    string // bcrypt; empty disables authentication
	TLSCertFile     string
	TLSKeyFile      string
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Port:            8080,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    300 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 30 * time.Second,
		BodyLimit:       4 * 1024 * 1024,
	}
}

// NewServer creates a new HTTP server with Fiber
func NewServer(config *ServerConfig, logger zerolog.Logger) *Server {
	if config == nil {
		config = DefaultServerConfig()
	}

	app := fiber.New(fiber.Config{
		AppName:               "pvexport",
		ReadTimeout:           config.ReadTimeout,
		WriteTimeout:          config.WriteTimeout,
		IdleTimeout:           config.IdleTimeout,
		BodyLimit:             config.BodyLimit,
		DisableStartupMessage: true,
		ErrorHandler:          customErrorHandler(logger),
	})

	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization,x-api-key",
	}))

	app.Use(securityHeaders())
	app.Use(requestLogger(logger))
	app.Use(tokenAuth(config.APITokenHash, publicRoutes))

	return &Server{
		app:    app,
		logger: logger.With().Str("component", "api-server").Logger(),
		config: config,
	}
}

// Routes that never require a token.
var publicRoutes = map[string]bool{
	"/health":  true,
	"/ready":   true,
	"/metrics": true,
}

// RegisterRoutes registers the operational routes. Export routes are added by
// ExportHandler.RegisterRoutes.
func (s *Server) RegisterRoutes() {
	s.app.Get("/health", s.healthHandler)
	s.app.Get("/ready", s.readyHandler)
	s.app.Get("/metrics", s.metricsHandler)
	s.app.Get("/api/v1/metrics", s.apiMetricsHandler)
	s.app.Get("/api/v1/logs", s.logsHandler)
}

var startTime = time.Now()

// healthHandler returns server health status
func (s *Server) healthHandler(c *fiber.Ctx) error {
	uptime := time.Since(startTime)
	return c.JSON(fiber.Map{
		"status":     "ok",
		"time":       time.Now().UTC().Format(time.RFC3339),
		"uptime":     uptime.String(),
		"uptime_sec": uptime.Seconds(),
	})
}

// readyHandler returns server readiness status (for Kubernetes readiness probes)
func (s *Server) readyHandler(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":     "ready",
		"time":       time.Now().UTC().Format(time.RFC3339),
		"uptime_sec": time.Since(startTime).Seconds(),
	})
}

// metricsHandler returns metrics in Prometheus format or JSON
func (s *Server) metricsHandler(c *fiber.Ctx) error {
	m := metrics.Get()
	if c.Get("Accept") == "application/json" {
		return c.JSON(m.Snapshot())
	}
	c.Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	return c.SendString(m.PrometheusFormat())
}

// apiMetricsHandler returns all metrics in JSON format (API v1)
func (s *Server) apiMetricsHandler(c *fiber.Ctx) error {
	snapshot := metrics.Get().Snapshot()
	snapshot["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	return c.JSON(snapshot)
}

// logsHandler returns recent application logs, newest first
func (s *Server) logsHandler(c *fiber.Ctx) error {
	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 1000 {
			limit = parsed
		}
	}
	level := c.Query("level")

	entries := logger.GetBuffer().Recent(limit, level)
	return c.JSON(fiber.Map{
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
		"count":        len(entries),
		"limit":        limit,
		"level_filter": level,
		"logs":         entries,
	})
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
}

// Serve listens until Close is called. It returns nil after a clean shutdown.
func (s *Server) Serve() error {
	addr := s.Addr()
	s.logger.Info().
		Str("addr", addr).
		Bool("tls", s.config.TLSCertFile != "").
		Bool("auth", s.config.APITokenHash != "").
		Msg("Starting pvexport HTTP server")

	var err error
	if s.config.TLSCertFile != "" {
		err = s.app.ListenTLS(addr, s.config.TLSCertFile, s.config.TLSKeyFile)
	} else {
		err = s.app.Listen(addr)
	}
	if err != nil {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Close gracefully shuts down the server, waiting for in-flight exports.
func (s *Server) Close() error {
	s.logger.Info().Msg("Shutting down server gracefully...")
	if err := s.app.ShutdownWithTimeout(s.config.ShutdownTimeout); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	s.logger.Info().Msg("Server stopped")
	return nil
}

// GetApp returns the underlying Fiber app (for registering routes and tests)
func (s *Server) GetApp() *fiber.App {
	return s.app
}

// customErrorHandler handles Fiber errors
func customErrorHandler(logger zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		if e, ok := err.(*fiber.Error); ok {
			code = e.Code
		}

		if code >= 500 {
			logger.Error().
				Err(err).
				Int("status", code).
				Str("method", c.Method()).
				Str("path", c.Path()).
				Msg("Request error")
		}

		return c.Status(code).JSON(fiber.Map{
			"success": false,
			"error":   err.Error(),
		})
	}
}

// securityHeaders adds security headers to all responses
func securityHeaders() fiber.Handler {
	return func(c *fiber.Ctx) error {
		c.Set("X-Frame-Options", "DENY")
		c.Set("X-Content-Type-Options", "nosniff")
		c.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		return c.Next()
	}
}

// requestLogger logs failed requests and collects HTTP metrics
func requestLogger(logger zerolog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		duration := time.Since(start)
		status := c.Response().StatusCode()
		if err != nil {
			if e, ok := err.(*fiber.Error); ok {
				status = e.Code
			} else {
				status = fiber.StatusInternalServerError
			}
		}

		m := metrics.Get()
		m.IncHTTPRequests()
		m.RecordHTTPLatency(duration.Microseconds())
		if status >= 400 {
			m.IncHTTPError()
		} else {
			m.IncHTTPSuccess()
		}

		if status >= 400 {
			logEvent := logger.Warn()
			if status >= 500 {
				logEvent = logger.Error()
			}
			logEvent.
				Str("method", c.Method()).
				Str("path", c.Path()).
				Int("status", status).
				Dur("duration_ms", duration).
				Str("ip", c.IP()).
				Msg("HTTP request error")
		}
		return err
	}
}
