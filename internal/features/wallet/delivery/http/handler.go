package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"plebchat-backend/internal/common/logger"
	"plebchat-backend/internal/features/wallet/service"
)

// Handler serves the public wallet API: token pre-flight, payment intake
// and balance.
type Handler struct {
	gate        *service.PaymentGate
	coordinator *service.Coordinator
	log         zerolog.Logger
}

func NewHandler(gate *service.PaymentGate, coordinator *service.Coordinator) *Handler {
	return &Handler{
		gate:        gate,
		coordinator: coordinator,
		log:         logger.With("wallet_handler"),
	}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	wallet := r.Group("/wallet")
	{
		wallet.POST("/check", h.check)
		wallet.POST("/receive", h.receive)
		wallet.GET("/balance", h.balance)
	}
}

type checkRequest struct {
	Token string `json:"token" binding:"required"`
}

type checkResponse struct {
	Valid  bool   `json:"valid"`
	Spent  bool   `json:"spent"`
	Amount uint64 `json:"amount"`
	Mint   string `json:"mint,omitempty"`
	Error  string `json:"error,omitempty"`
}

// check reports what a token is worth and whether it could currently be
// accepted, without consuming it.
func (h *Handler) check(c *gin.Context) {
	var req checkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "token is required"})
		return
	}

	result := h.gate.Check(c.Request.Context(), req.Token)
	c.JSON(http.StatusOK, checkResponse{
		Valid:  result.Valid,
		Spent:  result.Spent,
		Amount: result.Amount,
		Mint:   result.Mint,
		Error:  result.Reason,
	})
}

type receiveRequest struct {
	Token string `json:"token" binding:"required"`
	// RequiredAmount, when set, rejects tokens worth less without
	// consuming them.
	RequiredAmount uint64 `json:"required_amount"`
}

type receiveResponse struct {
	Success    bool   `json:"success"`
	Amount     uint64 `json:"amount,omitempty"`
	Mint       string `json:"mint,omitempty"`
	Error      string `json:"error,omitempty"`
	Refundable bool   `json:"refundable"`
}

// receive runs the full payment pipeline on a token. A refundable failure
// means the sender still holds the value and may resubmit; a
// non-refundable one means they must not.
func (h *Handler) receive(c *gin.Context) {
	var req receiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, receiveResponse{
			Error:      "token is required",
			Refundable: true,
		})
		return
	}

	outcome := h.gate.Accept(c.Request.Context(), req.Token, req.RequiredAmount)
	switch outcome.Verdict {
	case service.VerdictRedeemed:
		c.JSON(http.StatusOK, receiveResponse{
			Success: true,
			Amount:  outcome.Amount,
			Mint:    outcome.Mint,
		})
	case service.VerdictRefund:
		c.JSON(http.StatusPaymentRequired, receiveResponse{
			Error:      outcome.Reason,
			Refundable: true,
		})
	default:
		c.JSON(http.StatusInternalServerError, receiveResponse{
			Error:      outcome.Reason,
			Refundable: false,
		})
	}
}

type balanceResponse struct {
	Balance uint64 `json:"balance"`
	Unit    string `json:"unit"`
}

func (h *Handler) balance(c *gin.Context) {
	balance, appErr := h.coordinator.Balance(c.Request.Context())
	if appErr != nil {
		h.log.Error().Err(appErr).Msg("Failed to read balance")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read balance"})
		return
	}
	c.JSON(http.StatusOK, balanceResponse{Balance: balance, Unit: "sat"})
}
