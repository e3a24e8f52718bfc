package rpc

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fleetctl/coordinator/internal/pkg/logger"
)

// Server binds the worker's control-plane RPC surface (spec.md §4.4) to a
// host/port from the configured range, the way §4.3's startup sequence
// requires. It is a thin gin.Engine wrapped in an *http.Server configured
// for mutual TLS.
type Server struct {
	engine *gin.Engine
	http   *http.Server
	log    *logger.Logger
}

func NewServer(handler Handler, tlsFiles TLSFiles, log *logger.Logger) (*Server, error) {
	tlsCfg, err := ServerTLSConfig(tlsFiles)
	if err != nil {
		return nil, err
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	registerRoutes(engine, handler, log)

	return &Server{
		engine: engine,
		http: &http.Server{
			Handler:   engine,
			TLSConfig: tlsCfg,
		},
		log: log.With("component", "rpc.Server"),
	}, nil
}

func registerRoutes(engine *gin.Engine, h Handler, log *logger.Logger) {
	group := engine.Group("/rpc")
	group.POST("/ping", func(c *gin.Context) {
		var req PingRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		resp, err := h.Ping(req)
		respond(c, log, resp, err)
	})
	group.GET("/status", func(c *gin.Context) {
		resp, err := h.GetStatus()
		respond(c, log, resp, err)
	})
	group.POST("/start_job", func(c *gin.Context) {
		var req StartJobRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusOK, StartJobResponse{Result: StartJobRejectedInvalid})
			return
		}
		resp, err := h.StartJob(req)
		respond(c, log, resp, err)
	})
	group.POST("/cancel_job", func(c *gin.Context) {
		var req CancelJobRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		resp, err := h.CancelJob(req)
		respond(c, log, resp, err)
	})
	group.POST("/drain", func(c *gin.Context) {
		var req DrainRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		resp, err := h.Drain(req)
		respond(c, log, resp, err)
	})
	group.POST("/confirm_continuation", func(c *gin.Context) {
		var req ConfirmContinuationRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		resp, err := h.ConfirmContinuation(req)
		respond(c, log, resp, err)
	})
}

func respond(c *gin.Context, log *logger.Logger, resp any, err error) {
	if err != nil {
		log.Warn("rpc handler error", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Bind tries each port in [portRangeStart, portRangeStart+portRangeSize)
// (spec.md §4.3: "a port from a configured range") and returns the first
// one it can listen on. It is synchronous and separate from Serve so a
// caller can learn the bound port before the server starts blocking on
// accept loops — the directory entry publish step (spec.md §4.3 startup
// step 2) needs that port and must not wait for shutdown to learn it.
func (s *Server) Bind(host string, portRangeStart, portRangeSize int) (net.Listener, int, error) {
	var lastErr error
	for p := portRangeStart; p < portRangeStart+portRangeSize; p++ {
		addr := fmt.Sprintf("%s:%d", host, p)
		ln, err := tls.Listen("tcp", addr, s.http.TLSConfig)
		if err == nil {
			return ln, p, nil
		}
		lastErr = err
	}
	return nil, 0, fmt.Errorf("rpc: no free port in range [%d,%d): %w", portRangeStart, portRangeStart+portRangeSize, lastErr)
}

// Serve blocks accepting connections on ln until ctx is canceled or the
// listener fails.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = s.http.Close()
	}()

	s.log.Info("rpc server listening", "addr", ln.Addr().String())
	if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
