// Package http 提供HTTP服务器功能
package http

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"voyage/config"
	"voyage/monitoring"
)

// Server HTTP服务器
type Server struct {
	server  *http.Server
	config  ServerConfig
	models  ModelService
	planner TripPlanner
	data    DataService
	ws      *monitoring.WebSocketServer
	logger  *zap.Logger
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Port           int
	Timeout        time.Duration
	AllowedOrigins []string
	RateLimit      float64
	Burst          int
	// TrustedProxies may set X-Forwarded-For; empty means RemoteAddr is used.
	TrustedProxies []string
}

// DefaultServerConfig 默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Port:           5000,
		Timeout:        30 * time.Second,
		AllowedOrigins: []string{"*"},
		RateLimit:      50,
		Burst:          100,
	}
}

// ServerConfigFrom maps the http section of the config file.
func ServerConfigFrom(c *config.Config) ServerConfig {
	return ServerConfig{
		Port:           c.Http.Port,
		Timeout:        c.Http.Timeout,
		AllowedOrigins: c.Http.AllowedOrigins,
		RateLimit:      c.Http.RateLimit,
		Burst:          c.Http.Burst,
		TrustedProxies: c.Http.TrustedProxies,
	}
}

// NewServer 创建HTTP服务器
func NewServer(cfg ServerConfig, models ModelService, planner TripPlanner, data DataService, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultServerConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = defaults.AllowedOrigins
	}

	s := &Server{
		config:  cfg,
		models:  models,
		planner: planner,
		data:    data,
		logger:  logger,
	}
	s.ws = monitoring.NewWebSocketServer(cfg.AllowedOrigins, s.planStream, logger)

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	// 创建中间件链
	middlewares := []Middleware{
		RecoveryMiddleware(logger),          // 1. 恢复中间件（最先执行，捕获panic）
		LoggerMiddleware(logger),            // 2. 日志中间件
		SecurityHeadersMiddleware,           // 3. 安全头中间件
		CORSMiddleware(cfg.AllowedOrigins),  // 4. CORS中间件
		RequestSizeMiddleware(maxBodyBytes), // 5. 请求大小限制
		TimeoutMiddleware(cfg.Timeout),      // 6. 超时中间件
	}
	if cfg.RateLimit > 0 {
		proxies, err := ParseTrustedProxies(cfg.TrustedProxies)
		if err != nil {
			logger.Warn("ignoring trusted proxies, keying rate limits on the peer address", zap.Error(err))
			proxies = nil
		}
		middlewares = append(middlewares, RateLimitMiddleware(NewRateLimiter(cfg.RateLimit, cfg.Burst, 0), proxies))
	}

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           Chain(middlewares...)(mux),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Timeout,
		// the timeout middleware answers first
		WriteTimeout: cfg.Timeout + 5*time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// handle registers fn and records request metrics under its route pattern.
func (s *Server) handle(mux *http.ServeMux, pattern string, fn http.HandlerFunc) {
	route := pattern
	if i := strings.IndexByte(pattern, ' '); i >= 0 {
		route = pattern[i+1:]
	}
	route = strings.TrimSuffix(route, "{$}")
	if route == "" {
		route = "/"
	}

	mux.Handle(pattern, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		fn(wrapped, r)
		monitoring.RecordAPIRequest(r.Method, route, wrapped.statusCode, time.Since(start))
	}))
}

// Handler returns the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start 启动服务器
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.server.Addr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Stop is called.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("HTTP server listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("websocket", "/ws/plan_trips"))

	if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Stop 停止服务器
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	// hijacked websocket connections are not tracked by Shutdown
	s.ws.Shutdown()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	return nil
}
