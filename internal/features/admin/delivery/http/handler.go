package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/rs/zerolog"

	"plebchat-backend/internal/auth/nip98"
	apperrors "plebchat-backend/internal/common/errors"
	"plebchat-backend/internal/common/logger"
	"plebchat-backend/internal/features/wallet/repository"
	"plebchat-backend/internal/features/wallet/service"
)

// Handler serves the operator API. Every route sits behind NIP-98 auth.
type Handler struct {
	verifier    *nip98.Verifier
	coordinator *service.Coordinator
	payouts     *service.PayoutScheduler
	ledger      repository.Ledger
	validator   *service.TokenValidator
	log         zerolog.Logger
}

func NewHandler(verifier *nip98.Verifier, coordinator *service.Coordinator, payouts *service.PayoutScheduler, ledger repository.Ledger, validator *service.TokenValidator) *Handler {
	return &Handler{
		verifier:    verifier,
		coordinator: coordinator,
		payouts:     payouts,
		ledger:      ledger,
		validator:   validator,
		log:         logger.With("admin_handler"),
	}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	admin := r.Group("/admin", h.verifier.Middleware())
	{
		admin.GET("/auth/info", h.authInfo)
		admin.GET("/stats", h.stats)
		admin.POST("/withdraw", h.withdraw)
		admin.POST("/sweep", h.sweep)
		admin.POST("/payout", h.payout)
	}
}

// authInfo lets an admin client confirm its credentials work before doing
// anything destructive.
func (h *Handler) authInfo(c *gin.Context) {
	pubkey := c.GetString(nip98.ContextPubkey)
	npub, err := nip19.EncodePublicKey(pubkey)
	if err != nil {
		npub = ""
	}
	c.JSON(http.StatusOK, gin.H{
		"authorized": true,
		"pubkey":     pubkey,
		"npub":       npub,
	})
}

type statsResponse struct {
	Balance      uint64   `json:"balance"`
	Unit         string   `json:"unit"`
	ProofCount   int      `json:"proof_count"`
	Keysets      []string `json:"keysets"`
	TrustedMints []string `json:"trusted_mints"`
}

func (h *Handler) stats(c *gin.Context) {
	ctx := c.Request.Context()

	proofs, err := h.ledger.Proofs(ctx)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to read proofs for stats")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read wallet state"})
		return
	}
	keysets, err := h.ledger.KeysetIDs(ctx)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to read keysets for stats")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read wallet state"})
		return
	}

	c.JSON(http.StatusOK, statsResponse{
		Balance:      proofs.Amount(),
		Unit:         "sat",
		ProofCount:   len(proofs),
		Keysets:      keysets,
		TrustedMints: h.validator.TrustedMints(),
	})
}

type withdrawRequest struct {
	Amount uint64 `json:"amount" binding:"required"`
	Memo   string `json:"memo"`
}

type withdrawResponse struct {
	Token  string `json:"token"`
	Amount uint64 `json:"amount"`
}

// withdraw carves value out of the wallet as a bearer token.
func (h *Handler) withdraw(c *gin.Context) {
	var req withdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "amount is required"})
		return
	}

	token, appErr := h.coordinator.Withdraw(c.Request.Context(), req.Amount, req.Memo)
	if appErr != nil {
		h.respondError(c, appErr)
		return
	}
	c.JSON(http.StatusOK, withdrawResponse{Token: token, Amount: req.Amount})
}

// sweep withdraws the entire balance as a single bearer token.
func (h *Handler) sweep(c *gin.Context) {
	ctx := c.Request.Context()

	balance, appErr := h.coordinator.Balance(ctx)
	if appErr != nil {
		h.respondError(c, appErr)
		return
	}
	if balance == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "wallet is empty"})
		return
	}

	token, appErr := h.coordinator.Withdraw(ctx, balance, "sweep")
	if appErr != nil {
		h.respondError(c, appErr)
		return
	}
	c.JSON(http.StatusOK, withdrawResponse{Token: token, Amount: balance})
}

type payoutRequest struct {
	// Amount 0 sweeps the full balance minus a routing-fee allowance.
	Amount uint64 `json:"amount"`
	// Address overrides the configured payout address for this call.
	Address string `json:"ln_address"`
}

type payoutResponse struct {
	AmountSent uint64 `json:"amount_sent"`
	FeePaid    uint64 `json:"fee_paid"`
	Preimage   string `json:"preimage,omitempty"`
}

// payout pays the wallet balance out over Lightning immediately.
func (h *Handler) payout(c *gin.Context) {
	var req payoutRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}

	outcome, appErr := h.payouts.Payout(c.Request.Context(), req.Amount, req.Address)
	if appErr != nil {
		h.respondError(c, appErr)
		return
	}
	c.JSON(http.StatusOK, payoutResponse{
		AmountSent: outcome.AmountSent,
		FeePaid:    outcome.FeePaid,
		Preimage:   outcome.Preimage,
	})
}

func (h *Handler) respondError(c *gin.Context, appErr *apperrors.AppError) {
	h.log.Error().Err(appErr).Str("code", string(appErr.Code)).Str("path", c.Request.URL.Path).
		Msg("Admin operation failed")

	status := http.StatusInternalServerError
	switch appErr.Code {
	case apperrors.ErrCodeValidation, apperrors.ErrCodeInsufficientBalance, apperrors.ErrCodePayout:
		status = http.StatusBadRequest
	case apperrors.ErrCodeMintUnreachable:
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"error": appErr.Message, "code": appErr.Code})
}
