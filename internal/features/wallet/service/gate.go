package service

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	apperrors "plebchat-backend/internal/common/errors"
	"plebchat-backend/internal/common/logger"
	"plebchat-backend/internal/features/wallet/models"
)

// Verdict is the terminal classification of a payment attempt.
type Verdict string

const (
	// VerdictRedeemed: value captured, the gated work may run.
	VerdictRedeemed Verdict = "redeemed"
	// VerdictRefund: the token was not consumed; the sender keeps it and
	// may retry.
	VerdictRefund Verdict = "refund"
	// VerdictFatal: a redemption was attempted and its outcome is failed
	// or unknown. The token must be treated as consumed.
	VerdictFatal Verdict = "fatal"
)

// Outcome is the gate's answer for one payment attempt.
type Outcome struct {
	Verdict Verdict
	Amount  uint64
	Mint    string
	Code    apperrors.ErrorCode
	Reason  string
}

// Redeemed reports whether the gated work is paid for and may proceed.
func (o Outcome) Redeemed() bool { return o.Verdict == VerdictRedeemed }

// CheckResult is the read-only pre-flight answer: what a token is worth
// and whether it could currently be accepted.
type CheckResult struct {
	Valid  bool
	Spent  bool
	Amount uint64
	Mint   string
	Reason string
}

// PaymentGate runs the full acceptance pipeline for incoming tokens:
// format, trust, spend state, amount, then redemption. Every check before
// redemption is side-effect free; failures there refund. Once redemption
// starts, any failure is fatal for the token.
type PaymentGate struct {
	validator   *TokenValidator
	gateways    GatewayResolver
	coordinator *Coordinator
	log         zerolog.Logger
}

func NewPaymentGate(validator *TokenValidator, gateways GatewayResolver, coordinator *Coordinator) *PaymentGate {
	return &PaymentGate{
		validator:   validator,
		gateways:    gateways,
		coordinator: coordinator,
		log:         logger.With("payment_gate"),
	}
}

// Accept validates and redeems a token, requiring at least requiredAmount
// sats when that is non-zero. All-or-nothing: the full token value is
// captured or none of it is.
func (g *PaymentGate) Accept(ctx context.Context, rawToken string, requiredAmount uint64) Outcome {
	attemptID := uuid.New().String()
	log := g.log.With().Str("attempt", attemptID).Logger()

	token, appErr := g.validator.ValidateFormat(rawToken)
	if appErr != nil {
		log.Warn().Str("code", string(appErr.Code)).Msg("Token rejected: bad format")
		return refund(appErr)
	}
	log = log.With().Str("mint", token.Mint).Uint64("amount", token.Amount()).Logger()

	if appErr := g.validator.ValidateTrust(token); appErr != nil {
		log.Warn().Msg("Token rejected: untrusted mint")
		return refund(appErr)
	}

	gw, ok := g.gateways(token.Mint)
	if !ok {
		log.Error().Msg("Trusted mint has no gateway")
		return refund(apperrors.Newf(apperrors.ErrCodeUntrustedMint,
			"token from untrusted mint: %s", token.Mint))
	}

	if appErr := g.checkUnspent(ctx, gw, token); appErr != nil {
		log.Warn().Str("code", string(appErr.Code)).Msg("Token rejected before redemption")
		return refund(appErr)
	}

	if requiredAmount > 0 && token.Amount() < requiredAmount {
		log.Warn().Uint64("required", requiredAmount).Msg("Token rejected: amount too low")
		return refund(apperrors.Newf(apperrors.ErrCodeInsufficientAmount,
			"token worth %d sat, %d sat required", token.Amount(), requiredAmount))
	}

	// Point of no return. From here the token must be treated as consumed
	// whatever happens.
	result := g.coordinator.Redeem(ctx, token)
	if result.Err != nil {
		log.Error().Err(result.Err).Str("code", string(result.Err.Code)).
			Msg("Redemption failed after attempt started")
		return Outcome{
			Verdict: VerdictFatal,
			Mint:    token.Mint,
			Code:    result.Err.Code,
			Reason:  fatalReason(result.Err.Code),
		}
	}

	log.Info().Bool("recovered", result.Recovered).Msg("Payment accepted")
	return Outcome{
		Verdict: VerdictRedeemed,
		Amount:  result.Amount,
		Mint:    token.Mint,
	}
}

// Check runs the side-effect-free checks only: format, trust, spend state.
// It never redeems and is safe to call any number of times.
func (g *PaymentGate) Check(ctx context.Context, rawToken string) CheckResult {
	token, appErr := g.validator.ValidateFormat(rawToken)
	if appErr != nil {
		return CheckResult{Reason: appErr.Message}
	}

	if appErr := g.validator.ValidateTrust(token); appErr != nil {
		return CheckResult{Amount: token.Amount(), Mint: token.Mint, Reason: appErr.Message}
	}

	gw, ok := g.gateways(token.Mint)
	if !ok {
		return CheckResult{Amount: token.Amount(), Mint: token.Mint, Reason: "no gateway for mint"}
	}

	if appErr := g.checkUnspent(ctx, gw, token); appErr != nil {
		spent := appErr.Code == apperrors.ErrCodeAlreadySpent
		return CheckResult{
			Spent:  spent,
			Amount: token.Amount(),
			Mint:   token.Mint,
			Reason: appErr.Message,
		}
	}

	return CheckResult{Valid: true, Amount: token.Amount(), Mint: token.Mint}
}

// checkUnspent asks the mint for spend state and rejects anything not
// fully unspent. Pending counts as unavailable: the proofs may clear or
// roll back, so the sender keeps the token either way.
func (g *PaymentGate) checkUnspent(ctx context.Context, gw MintGateway, token *models.Token) *apperrors.AppError {
	states, err := gw.CheckSpent(ctx, token.Proofs)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeMintUnreachable,
			"mint temporarily unreachable, try again")
	}

	for _, st := range states {
		switch st.State {
		case models.ProofStateUnspent:
		case models.ProofStatePending:
			return apperrors.New(apperrors.ErrCodeAlreadySpent,
				"token is pending at the mint, try again later")
		default:
			return apperrors.New(apperrors.ErrCodeAlreadySpent, "token already spent")
		}
	}
	return nil
}

func refund(appErr *apperrors.AppError) Outcome {
	return Outcome{
		Verdict: VerdictRefund,
		Code:    appErr.Code,
		Reason:  appErr.Message,
	}
}

// fatalReason maps internal failure codes to the message the sender sees.
// Details about the mint exchange stay in the server log.
func fatalReason(code apperrors.ErrorCode) string {
	switch code {
	case apperrors.ErrCodeCounterDesync:
		return "wallet sync error during redemption, contact the operator before retrying"
	case apperrors.ErrCodeRedemptionAmbiguous:
		return "redemption outcome unknown, do not resend this token, contact the operator"
	default:
		return "payment processing failed, do not resend this token, contact the operator"
	}
}
