// Copyright (C) 2024 Creditor Corp. Group.
// See LICENSE for copying information.

// Package server exposes marketplace operations over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/BoostyLabs/runemarket/market"
)

const defaultShutdownTimeout = 10 * time.Second

// Market is the marketplace served by Server.
type Market interface {
	CreateOffer(ctx context.Context, req market.CreateOfferRequest) (*market.Offer, error)
	UnlistOffers(ctx context.Context, ids []int64, signature string) ([]int64, error)
	CheckOffers(ctx context.Context, ids []int64) ([]int64, error)
	PrepareSettlement(ctx context.Context, req market.PrepareSettlementRequest) (*market.PreparedSettlement, error)
	SubmitSettlement(ctx context.Context, req market.SubmitSettlementRequest) (*market.SubmittedSettlement, error)
	TipHeight(ctx context.Context) (int64, error)
}

// Config defines configurable values of the HTTP server.
type Config struct {
	Listen          string        `long:"listen" env:"LISTEN" description:"Address to listen on for HTTP clients."`
	ReadTimeout     time.Duration `long:"read-timeout" description:"Maximum duration for reading the entire request."`
	WriteTimeout    time.Duration `long:"write-timeout" description:"Maximum duration before timing out writes of the response."`
	ShutdownTimeout time.Duration `long:"shutdown-timeout" description:"Time given to in-flight requests on shutdown."`
}

// Server serves marketplace REST API and prometheus metrics.
type Server struct {
	config Config
	market Market
	engine *gin.Engine
}

// New is a constructor for Server.
func New(config Config, m Market, gatherer prometheus.Gatherer) *Server {
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = defaultShutdownTimeout
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger())

	s := &Server{
		config: config,
		market: m,
		engine: engine,
	}

	api := engine.Group("/api")
	api.GET("/health", s.health)

	offer := api.Group("/offer")
	offer.POST("/create", s.createOffer)
	offer.POST("/delete", s.deleteOffers)
	offer.POST("/check", s.checkOffers)

	order := api.Group("/order")
	order.POST("/prepare", s.prepareOrder)
	order.POST("/create", s.createOrder)

	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	return s
}

// Handler returns HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves requests until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.engine,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("listen", s.config.Listen).Info("http server started")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}

	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	log.Info("http server stopped")
	return nil
}

// requestLogger logs every request with logrus.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := log.WithFields(log.Fields{
			"method":  c.Request.Method,
			"path":    c.FullPath(),
			"status":  c.Writer.Status(),
			"latency": time.Since(start),
		})
		if len(c.Errors) != 0 {
			entry.WithError(c.Errors.Last()).Warn("request failed")
			return
		}

		entry.Debug("request served")
	}
}
