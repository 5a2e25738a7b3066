package service

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	apperrors "plebchat-backend/internal/common/errors"
	"plebchat-backend/internal/common/logger"
	"plebchat-backend/internal/features/wallet/models"
	"plebchat-backend/internal/features/wallet/repository"
	"plebchat-backend/internal/platform/mint"
)

// RedemptionResult reports one redemption attempt. Err nil means the proofs
// are committed to the ledger and custody of Amount is permanent.
type RedemptionResult struct {
	Amount    uint64
	Recovered bool
	Err       *apperrors.AppError
}

// Coordinator serializes every operation that derives secrets or mutates
// the ledger behind a single mutex. Redemptions, withdrawals and melts for
// all callers pass through here one at a time, which is what keeps the
// derivation counter consistent with the proofs the mint has signed.
type Coordinator struct {
	mu       sync.Mutex
	ledger   repository.Ledger
	gateways GatewayResolver
	primary  string
	log      zerolog.Logger
}

func NewCoordinator(ledger repository.Ledger, gateways GatewayResolver, primaryMint string) *Coordinator {
	return &Coordinator{
		ledger:   ledger,
		gateways: gateways,
		primary:  normalizeMintURL(primaryMint),
		log:      logger.With("coordinator"),
	}
}

// Redeem swaps the token's proofs at its mint for fresh seed-derived proofs
// and commits them with the advanced counter in one atomic write. A counter
// desync at the mint triggers exactly one recovery-and-retry cycle.
func (c *Coordinator) Redeem(ctx context.Context, token *models.Token) RedemptionResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	gw, ok := c.gateways(token.Mint)
	if !ok {
		return RedemptionResult{Err: apperrors.Newf(apperrors.ErrCodeUntrustedMint,
			"no gateway for mint %s", token.Mint)}
	}
	return c.redeemLocked(ctx, gw, token, false)
}

func (c *Coordinator) redeemLocked(ctx context.Context, gw MintGateway, token *models.Token, isRetry bool) RedemptionResult {
	keysetID, err := gw.ActiveKeysetID(ctx)
	if err != nil {
		return RedemptionResult{Err: apperrors.Wrap(err, apperrors.ErrCodeMintError,
			"failed to load mint keyset")}
	}

	counter, err := c.ledger.Counter(ctx, keysetID)
	if err != nil {
		return RedemptionResult{Err: apperrors.Wrap(err, apperrors.ErrCodeLedgerError,
			"failed to read derivation counter")}
	}

	newProofs, next, err := gw.Redeem(ctx, token.Proofs, counter)
	if err != nil {
		switch {
		case mint.IsAlreadySigned(err) && !isRetry:
			return c.recoverAndRetry(ctx, gw, token, keysetID, counter)

		case mint.IsAlreadySigned(err):
			// Recovery already ran once. Do not loop; the token state at
			// the mint is unknown, so treat the attempt as consumed.
			c.logStranded(token, err)
			return RedemptionResult{Recovered: true, Err: apperrors.Wrap(err,
				apperrors.ErrCodeCounterDesync, "counter recovery did not converge")}

		case mint.IsAmbiguous(err):
			// The swap may have completed at the mint without us seeing the
			// response. Retrying could double-spend our own outputs and the
			// client must not reuse the token either.
			c.logStranded(token, err)
			return RedemptionResult{Err: apperrors.Wrap(err,
				apperrors.ErrCodeRedemptionAmbiguous, "redemption outcome unknown")}

		default:
			return RedemptionResult{Err: apperrors.Wrap(err,
				apperrors.ErrCodeMintError, "mint rejected redemption")}
		}
	}

	if err := c.ledger.CommitRedemption(ctx, keysetID, next, newProofs); err != nil {
		// The mint signed our outputs but the commit failed. The value is
		// recoverable from the seed via restore, so log enough to do that.
		c.log.Error().Err(err).
			Str("keyset", keysetID).
			Uint32("counter", counter).
			Uint32("next", next).
			Uint64("amount", newProofs.Amount()).
			Msg("CRITICAL: redeemed proofs not committed to ledger")
		return RedemptionResult{Err: apperrors.Wrap(err,
			apperrors.ErrCodeLedgerError, "failed to commit redeemed proofs")}
	}

	c.log.Info().
		Str("mint", gw.MintURL()).
		Str("keyset", keysetID).
		Uint64("amount", newProofs.Amount()).
		Int("proofs", len(newProofs)).
		Bool("recovered", isRetry).
		Msg("Token redeemed")
	return RedemptionResult{Amount: newProofs.Amount(), Recovered: isRetry}
}

// recoverAndRetry handles the outputs-already-signed desync: scan the mint
// for the highest signed derivation position, bump the counter past it and
// retry the redemption exactly once.
func (c *Coordinator) recoverAndRetry(ctx context.Context, gw MintGateway, token *models.Token, keysetID string, counter uint32) RedemptionResult {
	c.log.Warn().
		Str("keyset", keysetID).
		Uint32("counter", counter).
		Msg("Counter desync detected, starting recovery scan")

	nextSafe, err := gw.RecoverCounter(ctx, keysetID, counter)
	if err != nil {
		c.logStranded(token, err)
		return RedemptionResult{Err: apperrors.Wrap(err,
			apperrors.ErrCodeCounterDesync, "counter recovery scan failed")}
	}
	if nextSafe <= counter {
		// The mint claims nothing is signed at or past our position, yet it
		// rejected those positions. Nothing sane to retry with.
		c.logStranded(token, nil)
		return RedemptionResult{Err: apperrors.Newf(apperrors.ErrCodeCounterDesync,
			"recovery scan returned position %d, not past %d", nextSafe, counter)}
	}

	if err := c.ledger.BumpCounter(ctx, keysetID, nextSafe); err != nil {
		c.logStranded(token, err)
		return RedemptionResult{Err: apperrors.Wrap(err,
			apperrors.ErrCodeLedgerError, "failed to persist recovered counter")}
	}

	c.log.Info().
		Str("keyset", keysetID).
		Uint32("from", counter).
		Uint32("next_safe", nextSafe).
		Msg("Counter recovered, retrying redemption once")
	return c.redeemLocked(ctx, gw, token, true)
}

// logStranded records the full serialized token when an attempt ends in a
// state where neither we nor the sender can safely reuse it. The log line
// is the operator's only handle for manual recovery.
func (c *Coordinator) logStranded(token *models.Token, cause error) {
	c.log.Error().
		Err(cause).
		Str("mint", token.Mint).
		Uint64("amount", token.Amount()).
		Str("token", token.Raw).
		Msg("CRITICAL: token stranded, manual recovery may be required")
}

// Withdraw removes amount sats from the inventory and returns them encoded
// as a bearer token issued against the primary mint.
func (c *Coordinator) Withdraw(ctx context.Context, amount uint64, memo string) (string, *apperrors.AppError) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if amount == 0 {
		return "", apperrors.New(apperrors.ErrCodeValidation, "withdraw amount must be positive")
	}

	sendSet, appErr := c.splitOutLocked(ctx, amount)
	if appErr != nil {
		return "", appErr
	}

	token := &models.Token{Mint: c.primary, Unit: "sat", Memo: memo, Proofs: sendSet}
	encoded, err := token.Encode()
	if err != nil {
		// Proofs are already out of the inventory. Put them back rather
		// than strand them.
		if restoreErr := c.ledger.StoreProofs(ctx, sendSet); restoreErr != nil {
			c.log.Error().Err(restoreErr).Uint64("amount", amount).
				Msg("CRITICAL: failed to restore proofs after encode failure")
		}
		return "", apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to encode token")
	}

	c.log.Info().Uint64("amount", amount).Int("proofs", len(sendSet)).Msg("Withdrawal token issued")
	return encoded, nil
}

// PayoutOutcome reports a completed melt: the invoice amount delivered and
// the total fees consumed on top of it.
type PayoutOutcome struct {
	AmountSent uint64
	FeePaid    uint64
	Preimage   string
}

// MeltToInvoice pays a BOLT11 invoice from the inventory through the
// primary mint. Inputs cover the quote amount plus the mint's fee reserve;
// unused reserve comes back as change proofs.
func (c *Coordinator) MeltToInvoice(ctx context.Context, invoice string) (*PayoutOutcome, *apperrors.AppError) {
	c.mu.Lock()
	defer c.mu.Unlock()

	gw, ok := c.gateways(c.primary)
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrCodeInternal, "no gateway for primary mint %s", c.primary)
	}

	quote, err := gw.MeltQuote(ctx, invoice)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeMintError, "melt quote failed")
	}
	needed := quote.Amount + quote.FeeReserve

	inputs, appErr := c.splitOutLocked(ctx, needed)
	if appErr != nil {
		return nil, appErr
	}

	keysetID, err := gw.ActiveKeysetID(ctx)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeMintError, "failed to load mint keyset")
	}
	counter, err := c.ledger.Counter(ctx, keysetID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeLedgerError, "failed to read derivation counter")
	}

	result, next, err := gw.Melt(ctx, quote.ID, inputs, counter)
	if err != nil {
		if mint.IsAmbiguous(err) {
			// Payment may have gone through, in which case the inputs are
			// burned. They stay out of the inventory; the log line carries
			// them for manual reconciliation against the mint.
			c.logStrandedInputs(quote.ID, inputs, err)
			return nil, apperrors.Wrap(err, apperrors.ErrCodeRedemptionAmbiguous, "melt outcome unknown")
		}
		c.restoreInputs(ctx, inputs)
		return nil, apperrors.Wrap(err, apperrors.ErrCodeMintError, "melt failed")
	}
	if !result.Paid {
		c.restoreInputs(ctx, inputs)
		return nil, apperrors.New(apperrors.ErrCodePayout, "mint reported invoice unpaid")
	}

	if err := c.ledger.CommitSwap(ctx, keysetID, next, result.Change, nil); err != nil {
		c.log.Error().Err(err).
			Str("keyset", keysetID).
			Uint64("consumed", inputs.Amount()).
			Uint64("change", result.Change.Amount()).
			Msg("CRITICAL: melt paid but ledger commit failed")
		return nil, apperrors.Wrap(err, apperrors.ErrCodeLedgerError, "failed to commit melt outcome")
	}

	outcome := &PayoutOutcome{
		AmountSent: quote.Amount,
		FeePaid:    inputs.Amount() - quote.Amount - result.Change.Amount(),
		Preimage:   result.Preimage,
	}
	c.log.Info().
		Uint64("amount_sent", outcome.AmountSent).
		Uint64("fee_paid", outcome.FeePaid).
		Msg("Invoice paid")
	return outcome, nil
}

// Balance returns the inventory total. Exposed through the coordinator so
// reads during a mutation see either the old or the new state, not a mix.
func (c *Coordinator) Balance(ctx context.Context) (uint64, *apperrors.AppError) {
	c.mu.Lock()
	defer c.mu.Unlock()

	balance, err := c.ledger.Balance(ctx)
	if err != nil {
		return 0, apperrors.Wrap(err, apperrors.ErrCodeLedgerError, "failed to read balance")
	}
	return balance, nil
}

// splitOutLocked carves exactly amount sats out of the inventory, swapping
// at the primary mint when no exact proof subset exists. The returned
// proofs are removed from the inventory before this returns; callers that
// fail to use them must put them back.
func (c *Coordinator) splitOutLocked(ctx context.Context, amount uint64) (models.Proofs, *apperrors.AppError) {
	proofs, err := c.ledger.Proofs(ctx)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeLedgerError, "failed to read proofs")
	}
	if proofs.Amount() < amount {
		return nil, apperrors.Newf(apperrors.ErrCodeInsufficientBalance,
			"balance %d sat below requested %d sat", proofs.Amount(), amount)
	}

	selected := selectProofs(proofs, amount)
	if selected.Amount() == amount {
		if err := c.ledger.RemoveProofs(ctx, selected); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeLedgerError, "failed to reserve proofs")
		}
		return selected, nil
	}

	gw, ok := c.gateways(c.primary)
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrCodeInternal, "no gateway for primary mint %s", c.primary)
	}
	keysetID, err := gw.ActiveKeysetID(ctx)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeMintError, "failed to load mint keyset")
	}
	counter, err := c.ledger.Counter(ctx, keysetID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeLedgerError, "failed to read derivation counter")
	}

	sendAmounts := models.SplitAmount(amount)
	keepAmounts := models.SplitAmount(selected.Amount() - amount)
	newProofs, next, err := gw.Swap(ctx, selected, append(sendAmounts, keepAmounts...), counter)
	if err != nil {
		if mint.IsAmbiguous(err) {
			c.log.Error().Err(err).Uint64("amount", selected.Amount()).
				Msg("CRITICAL: split swap outcome unknown, reconcile against mint")
			return nil, apperrors.Wrap(err, apperrors.ErrCodeRedemptionAmbiguous, "split swap outcome unknown")
		}
		return nil, apperrors.Wrap(err, apperrors.ErrCodeMintError, "split swap failed")
	}

	sendSet := newProofs[:len(sendAmounts)]
	keepSet := newProofs[len(sendAmounts):]
	if err := c.ledger.CommitSwap(ctx, keysetID, next, keepSet, selected); err != nil {
		c.log.Error().Err(err).Str("keyset", keysetID).
			Msg("CRITICAL: split swap done at mint but ledger commit failed")
		return nil, apperrors.Wrap(err, apperrors.ErrCodeLedgerError, "failed to commit split swap")
	}
	return sendSet, nil
}

// restoreInputs returns reserved proofs to the inventory after an
// operation that definitively did not consume them.
func (c *Coordinator) restoreInputs(ctx context.Context, inputs models.Proofs) {
	if err := c.ledger.StoreProofs(ctx, inputs); err != nil {
		c.logStrandedInputs("", inputs, err)
	}
}

// logStrandedInputs serializes reserved proofs as a token and logs it, so
// an operator can recover value that left the inventory without a
// confirmed outcome.
func (c *Coordinator) logStrandedInputs(quoteID string, inputs models.Proofs, cause error) {
	token := &models.Token{Mint: c.primary, Unit: "sat", Proofs: inputs}
	encoded, err := token.Encode()
	if err != nil {
		encoded = "(unencodable)"
	}
	c.log.Error().
		Err(cause).
		Str("quote", quoteID).
		Uint64("amount", inputs.Amount()).
		Str("token", encoded).
		Msg("CRITICAL: reserved proofs stranded, manual recovery may be required")
}

// selectProofs greedily picks the smallest subset covering amount, largest
// denominations first. The result may overshoot; callers swap for exact
// change when it does.
func selectProofs(proofs models.Proofs, amount uint64) models.Proofs {
	sorted := make(models.Proofs, len(proofs))
	copy(sorted, proofs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Amount > sorted[j].Amount })

	var selected models.Proofs
	var total uint64
	for _, p := range sorted {
		if total >= amount {
			break
		}
		selected = append(selected, p)
		total += p.Amount
	}
	return selected
}
