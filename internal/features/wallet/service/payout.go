package service

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	apperrors "plebchat-backend/internal/common/errors"
	"plebchat-backend/internal/common/logger"
	"plebchat-backend/internal/platform/lnurl"
)

// payoutFeePpm is the routing-fee allowance reserved when sweeping the
// full balance: 1% with the estimator's floor.
const payoutFeePpm = 10000

// PayoutScheduler periodically sweeps the wallet balance to a Lightning
// address once it crosses the configured threshold.
type PayoutScheduler struct {
	coordinator *Coordinator
	lnurl       *lnurl.Client
	address     string
	threshold   uint64
	interval    time.Duration
	log         zerolog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPayoutScheduler(coordinator *Coordinator, lnurlClient *lnurl.Client, address string, threshold uint64, interval time.Duration) *PayoutScheduler {
	return &PayoutScheduler{
		coordinator: coordinator,
		lnurl:       lnurlClient,
		address:     address,
		threshold:   threshold,
		interval:    interval,
		log:         logger.With("payout_scheduler"),
	}
}

// Start launches the background sweep loop.
func (s *PayoutScheduler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go s.run(ctx)

	s.log.Info().
		Str("address", s.address).
		Uint64("threshold", s.threshold).
		Dur("interval", s.interval).
		Msg("Payout scheduler started")
}

// Stop terminates the loop and waits for an in-flight sweep to finish.
func (s *PayoutScheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.log.Info().Msg("Payout scheduler stopped")
}

func (s *PayoutScheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *PayoutScheduler) tick(ctx context.Context) {
	balance, appErr := s.coordinator.Balance(ctx)
	if appErr != nil {
		s.log.Error().Err(appErr).Msg("Failed to read balance for payout check")
		return
	}
	if balance < s.threshold {
		s.log.Debug().Uint64("balance", balance).Uint64("threshold", s.threshold).
			Msg("Balance below payout threshold")
		return
	}

	outcome, appErr := s.Payout(ctx, 0, s.address)
	if appErr != nil {
		s.log.Error().Err(appErr).Str("code", string(appErr.Code)).Msg("Scheduled payout failed")
		return
	}
	s.log.Info().
		Uint64("amount_sent", outcome.AmountSent).
		Uint64("fee_paid", outcome.FeePaid).
		Msg("Scheduled payout complete")
}

// Payout sweeps amount sats (0 means the full balance minus a routing-fee
// allowance) to the given Lightning address. Used by the scheduler tick
// and by the admin payout endpoint.
func (s *PayoutScheduler) Payout(ctx context.Context, amount uint64, address string) (*PayoutOutcome, *apperrors.AppError) {
	if address == "" {
		address = s.address
	}
	if address == "" {
		return nil, apperrors.New(apperrors.ErrCodePayout, "no payout address configured")
	}

	balance, appErr := s.coordinator.Balance(ctx)
	if appErr != nil {
		return nil, appErr
	}

	if amount == 0 {
		fee := lnurl.EstimateFee(balance, payoutFeePpm)
		if balance <= fee {
			return nil, apperrors.Newf(apperrors.ErrCodePayout,
				"balance %d sat does not cover the %d sat fee allowance", balance, fee)
		}
		amount = balance - fee
	} else if amount > balance {
		return nil, apperrors.Newf(apperrors.ErrCodeInsufficientBalance,
			"balance %d sat below requested %d sat", balance, amount)
	}

	payData, err := s.lnurl.PayData(ctx, address)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeLNURL, "failed to resolve Lightning address")
	}

	amountMsat := amount * 1000
	if amountMsat < payData.MinSendable || amountMsat > payData.MaxSendable {
		return nil, apperrors.Newf(apperrors.ErrCodeLNURL,
			"amount %d sat outside receiver's range [%d, %d] msat",
			amount, payData.MinSendable, payData.MaxSendable)
	}

	invoice, err := s.lnurl.Invoice(ctx, payData.CallbackURL, amountMsat)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeLNURL, "failed to fetch invoice")
	}

	return s.coordinator.MeltToInvoice(ctx, invoice)
}
