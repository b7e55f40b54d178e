// Package server exposes the plugin over HTTP: transfer operations,
// messaging, account queries, the websocket event feed, health, and
// metrics.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/ledgerlink/internal/events"
	"github.com/mbd888/ledgerlink/internal/health"
	"github.com/mbd888/ledgerlink/internal/metrics"
	"github.com/mbd888/ledgerlink/internal/plugin"
	"github.com/mbd888/ledgerlink/internal/transfer"
)

// Server is the HTTP surface over one plugin instance.
type Server struct {
	plugin *plugin.Plugin
	hub    *events.WSHub
	health *health.Registry
	logger *slog.Logger
	engine *gin.Engine
}

// New builds the router. Set production to silence gin's debug output.
func New(p *plugin.Plugin, hub *events.WSHub, reg *health.Registry, logger *slog.Logger, production bool) *Server {
	if production {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		plugin: p,
		hub:    hub,
		health: reg,
		logger: logger,
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.Middleware())
	r.Use(s.requestLogger())

	r.POST("/transfers", s.sendTransfer)
	r.POST("/transfers/:id/fulfillment", s.fulfillTransfer)
	r.POST("/transfers/:id/rejection", s.rejectTransfer)
	r.GET("/transfers/:id/fulfillment", s.getFulfillment)
	r.POST("/messages", s.sendMessage)
	r.GET("/account", s.getAccount)
	r.GET("/balance", s.getBalance)
	r.GET("/info", s.getInfo)
	r.GET("/healthz", s.healthz)
	r.GET("/metrics", metrics.Handler())
	r.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	s.engine = r
	return s
}

// Handler returns the http handler for the server.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.FullPath() == "/healthz" || c.FullPath() == "/metrics" {
			return
		}
		s.logger.Info("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start).String(),
		)
	}
}

type transferRequest struct {
	ID                 string          `json:"id" binding:"required"`
	To                 string          `json:"to" binding:"required"`
	Amount             int64           `json:"amount" binding:"required"`
	ExecutionCondition string          `json:"executionCondition" binding:"required"`
	ILP                []byte          `json:"ilp,omitempty"`
	Custom             json.RawMessage `json:"custom,omitempty"`
	NoteToSelf         json.RawMessage `json:"noteToSelf,omitempty"`
	ExpiresAt          time.Time       `json:"expiresAt" binding:"required"`
}

func (s *Server) sendTransfer(c *gin.Context) {
	var req transferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	t := &transfer.Transfer{
		ID:                 req.ID,
		To:                 req.To,
		Amount:             req.Amount,
		ExecutionCondition: req.ExecutionCondition,
		ILP:                req.ILP,
		Custom:             req.Custom,
		NoteToSelf:         req.NoteToSelf,
		ExpiresAt:          req.ExpiresAt,
	}
	if err := s.plugin.SendTransfer(c.Request.Context(), t); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": t.ID, "status": "proposed"})
}

type fulfillRequest struct {
	Fulfillment string `json:"fulfillment" binding:"required"`
}

func (s *Server) fulfillTransfer(c *gin.Context) {
	var req fulfillRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.plugin.FulfillCondition(c.Request.Context(), c.Param("id"), req.Fulfillment); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "status": "fulfill proposed"})
}

func (s *Server) rejectTransfer(c *gin.Context) {
	var reason transfer.RejectionReason
	if err := c.ShouldBindJSON(&reason); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.plugin.RejectIncomingTransfer(c.Request.Context(), c.Param("id"), &reason); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "status": "reject proposed"})
}

func (s *Server) getFulfillment(c *gin.Context) {
	preimage, err := s.plugin.GetFulfillment(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "fulfillment": preimage})
}

type messageRequest struct {
	To   string          `json:"to" binding:"required"`
	Data json.RawMessage `json:"data" binding:"required"`
}

func (s *Server) sendMessage(c *gin.Context) {
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	msg := &transfer.Message{To: req.To, Data: req.Data}
	if err := s.plugin.SendMessage(c.Request.Context(), msg); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": msg.ID, "status": "sent"})
}

func (s *Server) getAccount(c *gin.Context) {
	addr, err := s.plugin.GetAccount()
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": addr})
}

func (s *Server) getBalance(c *gin.Context) {
	balance, err := s.plugin.GetBalance(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": balance})
}

func (s *Server) getInfo(c *gin.Context) {
	info, err := s.plugin.GetInfo()
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) healthz(c *gin.Context) {
	healthy, statuses := s.health.CheckAll(c.Request.Context())
	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"healthy": healthy, "checks": statuses})
}

// writeError maps domain errors onto HTTP statuses.
func (s *Server) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, transfer.ErrNotConnected):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	case errors.Is(err, transfer.ErrDuplicateTransfer):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, transfer.ErrInsufficientFunds):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, transfer.ErrTransferNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, transfer.ErrNotFulfilled):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, transfer.ErrContractCreation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		s.logger.Error("request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
