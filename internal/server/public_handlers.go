package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/watchparty/internal/show"
	"github.com/MarcoPoloResearchLab/watchparty/internal/tickets"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type validateTicketRequest struct {
	Ticket string `json:"ticket"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	connected := h.store.Ping(c.Request.Context()) == nil
	status := "ok"
	if !connected {
		status = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":      status,
		"connected":   connected,
		"connections": h.connections.Total(),
	})
}

func (h *httpHandler) handleEvent(c *gin.Context) {
	snapshot, err := h.showService.Snapshot(c.Request.Context())
	if err != nil {
		h.logger.Error("event snapshot failed", zap.Error(err))
		respondServiceError(c, http.StatusInternalServerError, "event_unavailable", err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

func (h *httpHandler) handleOffset(c *gin.Context) {
	offset, settings, err := h.showService.CurrentOffset(c.Request.Context())
	if err != nil {
		h.logger.Error("offset lookup failed", zap.Error(err))
		respondServiceError(c, http.StatusInternalServerError, "offset_unavailable", err)
		return
	}
	response := gin.H{"offset_seconds": offset, "show_start": nil}
	if start, ok := settings.StartTime(h.showService.Location()); ok {
		response["show_start"] = start.UTC().Format(time.RFC3339)
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleChats(c *gin.Context) {
	messages, err := h.showService.RecentChats(c.Request.Context())
	if err != nil {
		h.logger.Error("chat history failed", zap.Error(err))
		respondServiceError(c, http.StatusInternalServerError, "chats_unavailable", err)
		return
	}
	if messages == nil {
		messages = []show.ChatMessage{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

func (h *httpHandler) handleValidateTicket(c *gin.Context) {
	var request validateTicketRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	validation, err := h.registry.Validate(request.Ticket)
	switch {
	case errors.Is(err, tickets.ErrEmptyCode):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	case errors.Is(err, tickets.ErrNotLoaded):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "tickets_not_loaded"})
		return
	case err != nil:
		h.logger.Error("ticket validation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "validation_failed"})
		return
	}
	response := gin.H{"valid": validation.Valid}
	if validation.Valid {
		response["kind"] = validation.Kind
	}
	c.JSON(http.StatusOK, response)
}
