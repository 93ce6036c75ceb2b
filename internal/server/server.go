// Package server is the verifying service: preflight checks, batch token reads, order decode
// and an order ledger over HTTP, plus a websocket that re-checks an order on an interval.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"castswap/internal/chain"
	"castswap/internal/check"
	"castswap/internal/config"
	"castswap/internal/order"
	"castswap/internal/store"
)

// Checker runs preflight checks. *check.Engine satisfies it.
type Checker interface {
	Check(ctx context.Context, o *order.Order, viewer common.Address) (*check.Result, error)
}

// TokenReader answers batch token reads. *chain.Reader satisfies it.
type TokenReader interface {
	ReadToken(ctx context.Context, token, owner, spender common.Address) (*chain.TokenRead, error)
}

// Relay forwards a submitted order to the distribution channel.
type Relay interface {
	Publish(ctx context.Context, o *order.Order, compressed string) error
}

// Network is one chain the service can answer for.
type Network struct {
	Config  config.NetworkConfig
	Checker Checker
	Tokens  TokenReader
}

// Options wires the service. Repo and Relay are optional.
type Options struct {
	Networks        []Network
	Repo            store.Repository
	Relay           Relay
	JWTSecret       string
	RefreshInterval time.Duration
	Logger          *logrus.Logger
	// Now replaces time.Now for expiry decisions on submitted orders.
	Now func() time.Time
}

type Server struct {
	networks map[uint64]*Network
	repo     store.Repository
	relay    Relay
	auth     *Auth
	refresh  time.Duration
	now      func() time.Time
	log      *logrus.Entry
	logger   *logrus.Logger
}

func New(opts Options) (*Server, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.JWTSecret == "" {
		return nil, errors.New("server.jwtSecret is required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = 12 * time.Second
	}
	s := &Server{
		networks: make(map[uint64]*Network),
		repo:     opts.Repo,
		relay:    opts.Relay,
		auth:     NewAuth(opts.JWTSecret, opts.Logger),
		refresh:  opts.RefreshInterval,
		now:      opts.Now,
		log:      opts.Logger.WithField("component", "server"),
		logger:   opts.Logger,
	}
	for i := range opts.Networks {
		n := opts.Networks[i]
		s.networks[n.Config.ChainID] = &n
	}
	return s, nil
}

func (s *Server) Auth() *Auth {
	return s.auth
}

// Router builds the gin engine.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger(), corsMiddleware())

	// ============ Health Check ============
	r.GET("/health", func(c *gin.Context) {
		chains := make([]uint64, 0, len(s.networks))
		for id := range s.networks {
			chains = append(chains, id)
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "castswap",
			"chains":  chains,
			"ledger":  s.repo != nil,
		})
	})

	// ============ Prometheus Metrics ============
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// ============ Live checks ============
	r.GET("/ws/check", s.handleCheckStream)

	// ============ API Routes ============
	v1 := r.Group("/api/v1")
	{
		v1.GET("/auth/challenge", s.handleChallenge)
		v1.POST("/auth/login", s.handleLogin)

		v1.POST("/check", s.handleCheck)
		v1.POST("/tokens/read", s.handleTokenRead)
		v1.POST("/orders/decode", s.handleDecode)
		v1.POST("/orders", s.auth.RequireAuth(), s.handleSubmit)
		v1.GET("/orders/:signer", s.handleListOrders)
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"message": "API endpoint not found",
			"path":    c.Request.URL.Path,
		})
	})
	return r
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", addr).Info("🚀 verifying service listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	s.log.Info("🔌 shutting down verifying service")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) network(chainID uint64) (*Network, bool) {
	n, ok := s.networks[chainID]
	return n, ok
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		entry := s.log.WithFields(logrus.Fields{
			"path":    c.Request.URL.Path,
			"method":  c.Request.Method,
			"status":  c.Writer.Status(),
			"elapsed": time.Since(start),
			"client":  c.ClientIP(),
		})
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Warn("request failed")
			return
		}
		entry.Debug("request served")
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Header("Access-Control-Max-Age", "3600")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
