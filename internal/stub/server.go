// Package stub provides a local terminal backend for development and tests.
// It serves the negotiation and broker connect endpoints and an echo
// terminal over WebSocket.
package stub

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/remote-agent-terminal/dualterm/internal/resolver"
)

// Config controls what the stub advertises.
type Config struct {
	// Mode is returned by the negotiation endpoint.
	Mode string

	// AgentID is returned when the request names no agent.
	AgentID string

	// BrokerAddress is returned by the broker connect endpoint.
	BrokerAddress string

	// BrokerUnavailable makes the broker connect endpoint answer available:false.
	BrokerUnavailable bool

	// Prompt is written after every echoed line.
	Prompt string

	// Shell, when set, runs this program on a pseudo-terminal for each
	// client instead of the echo shell.
	Shell string
}

// Server is the stub backend.
type Server struct {
	cfg    Config
	log    zerolog.Logger
	engine *gin.Engine

	mu        sync.RWMutex
	terminals map[*terminal]bool
	observer  func(agentID string, msg Message)
	infoHits  int
}

// New builds the stub router.
func New(cfg Config, logger zerolog.Logger) *Server {
	if cfg.Mode == "" {
		cfg.Mode = "socket"
	}
	if cfg.Prompt == "" {
		cfg.Prompt = "$ "
	}

	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		cfg:       cfg,
		log:       logger.With().Str("component", "stub").Logger(),
		engine:    gin.New(),
		terminals: make(map[*terminal]bool),
	}

	s.engine.Use(gin.Recovery(), s.requestLogger(), corsMiddleware())
	s.engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	s.engine.GET(resolver.DefaultNegotiatePath, s.handleInfo)
	s.engine.GET(resolver.DefaultBrokerConnectPath, s.handleBrokerConnect)
	s.engine.GET(resolver.DefaultTerminalPath, s.handleTerminal)
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Observe registers a callback for every message a terminal receives.
func (s *Server) Observe(fn func(agentID string, msg Message)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observer = fn
}

// InfoRequests returns how many negotiation requests were served.
func (s *Server) InfoRequests() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.infoHits
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Msg("stub backend listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.log.Info().Msg("shutting down stub backend")
	s.CloseAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) agentFor(c *gin.Context) string {
	if agent := c.Query("agent"); agent != "" {
		return agent
	}
	return s.cfg.AgentID
}

// handleInfo handles GET /admin/api/terminal/info.
func (s *Server) handleInfo(c *gin.Context) {
	s.mu.Lock()
	s.infoHits++
	s.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{
		"mode":      s.cfg.Mode,
		"agentId":   s.agentFor(c),
		"agentUUID": s.agentFor(c),
	})
}

// handleBrokerConnect handles GET /admin/api/terminal/mqtt/connect.
func (s *Server) handleBrokerConnect(c *gin.Context) {
	agent := s.agentFor(c)
	if s.cfg.BrokerUnavailable || s.cfg.BrokerAddress == "" {
		c.JSON(http.StatusOK, gin.H{"available": false, "agentId": agent})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"available":     true,
		"sessionId":     "mqtty-" + uuid.NewString()[:8],
		"agentId":       agent,
		"brokerAddress": s.cfg.BrokerAddress,
	})
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("request")
	}
}

// corsMiddleware allows the terminal page to be served from another origin.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Authorization, Origin")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
