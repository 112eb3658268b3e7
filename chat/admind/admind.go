// Package admind serves the optional admin HTTP interface: a status
// and user-list API plus the Prometheus metrics endpoint.
package admind

import (
	"context"
	"net/http"
	"sync"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/presbrey/chatd/chat"
)

// Server wraps the chat server with an echo HTTP server
type Server struct {
	Chat *chat.Server

	echoServer *echo.Echo
	onceSetup  sync.Once
}

// New creates an admin server for the given chat server
func New(c *chat.Server) *Server {
	return &Server{Chat: c}
}

func (s *Server) setup() {
	s.onceSetup.Do(func() {
		s.echoServer = echo.New()
		s.echoServer.HideBanner = true
		s.route(s.echoServer)
	})
}

func (s *Server) route(e *echo.Echo) {
	e.GET("/api/status", s.handleStatus)
	e.GET("/api/users", s.handleUsers)
	e.GET("/metrics", echo.WrapHandler(
		promhttp.HandlerFor(chat.Registry, promhttp.HandlerOpts{})))
}

// Start starts the HTTP server on addr and blocks until shutdown
func (s *Server) Start(addr string) error {
	s.setup()
	return s.echoServer.Start(addr)
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.setup()
	return s.echoServer.Shutdown(ctx)
}

func (s *Server) handleStatus(c echo.Context) error {
	accounts, err := s.Chat.Accounts().Count()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"server_name":    s.Chat.Config().ServerName,
		"uptime_seconds": int64(s.Chat.Uptime().Seconds()),
		"sessions":       s.Chat.Registry().Len(),
		"accounts":       accounts,
	})
}

func (s *Server) handleUsers(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"users": s.Chat.Registry().Nicks(),
	})
}
