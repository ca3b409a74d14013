package server

import (
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/watchparty/internal/show"
	"github.com/MarcoPoloResearchLab/watchparty/internal/tickets"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type adminLoginRequest struct {
	Password string `json:"password"`
}

type addTicketRequest struct {
	Code string `json:"code"`
	Kind string `json:"kind"`
}

type toggleMemberRequest struct {
	MemberID *int `json:"member_id"`
}

func (h *httpHandler) handleAdminLogin(c *gin.Context) {
	var request adminLoginRequest
	if err := c.ShouldBindJSON(&request); err != nil || request.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.passwords.Check(request.Password); err != nil {
		h.logger.Warn("admin login rejected", zap.String("client_ip", c.ClientIP()))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_credentials"})
		return
	}
	token, expiresIn, err := h.tokens.IssueToken(c.Request.Context(), h.adminSubject)
	if err != nil {
		h.logger.Error("admin token issue failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"access_token": token,
		"expires_in":   expiresIn,
		"token_type":   "Bearer",
	})
}

func (h *httpHandler) handleGetState(c *gin.Context) {
	state, err := h.showService.LoadState(c.Request.Context())
	if err != nil {
		respondServiceError(c, http.StatusInternalServerError, "state_unavailable", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"settings":      state.Settings,
		"lineup":        nonNilInts(state.Lineup),
		"tickets":       nonNilStrings(state.Tickets),
		"publicTickets": nonNilStrings(state.PublicTickets),
		"connected":     h.store.Ping(c.Request.Context()) == nil,
		"connections":   h.connections.Total(),
	})
}

func (h *httpHandler) handlePutState(c *gin.Context) {
	var state show.State
	if err := c.ShouldBindJSON(&state); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	err := h.showService.SaveState(c.Request.Context(), state)
	switch {
	case err == nil:
		c.Status(http.StatusNoContent)
	case errors.Is(err, show.ErrSaveTimeout):
		respondServiceError(c, http.StatusGatewayTimeout, "save_timeout", err)
	case errors.Is(err, show.ErrInvalidTicketCode), errors.Is(err, show.ErrTicketInBothPools):
		respondServiceError(c, http.StatusBadRequest, "invalid_state", err)
	default:
		respondServiceError(c, http.StatusInternalServerError, "save_failed", err)
	}
}

func (h *httpHandler) handleAddTicket(c *gin.Context) {
	var request addTicketRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	kind, err := tickets.ParseKind(request.Kind)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_kind"})
		return
	}
	err = h.showService.AddTicket(c.Request.Context(), kind, request.Code)
	switch {
	case err == nil:
		c.JSON(http.StatusCreated, gin.H{"code": request.Code, "kind": kind})
	case errors.Is(err, show.ErrInvalidTicketCode):
		respondServiceError(c, http.StatusBadRequest, "invalid_ticket_code", err)
	case errors.Is(err, show.ErrDuplicateTicket):
		respondServiceError(c, http.StatusConflict, "duplicate_ticket", err)
	default:
		respondServiceError(c, http.StatusInternalServerError, "ticket_update_failed", err)
	}
}

func (h *httpHandler) handleRemoveTicket(c *gin.Context) {
	kind, err := tickets.ParseKind(c.Param("kind"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_kind"})
		return
	}
	err = h.showService.RemoveTicket(c.Request.Context(), kind, c.Param("code"))
	switch {
	case err == nil:
		c.Status(http.StatusNoContent)
	case errors.Is(err, show.ErrTicketNotFound):
		respondServiceError(c, http.StatusNotFound, "ticket_not_found", err)
	default:
		respondServiceError(c, http.StatusInternalServerError, "ticket_update_failed", err)
	}
}

func (h *httpHandler) handleToggleLineup(c *gin.Context) {
	var request toggleMemberRequest
	if err := c.ShouldBindJSON(&request); err != nil || request.MemberID == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	lineup, err := h.showService.ToggleMember(c.Request.Context(), *request.MemberID)
	if err != nil {
		respondServiceError(c, http.StatusInternalServerError, "lineup_update_failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"lineup": nonNilInts(lineup)})
}

func nonNilInts(values []int) []int {
	if values == nil {
		return []int{}
	}
	return values
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
