package repository

import (
	"context"
	"errors"

	"plebchat-backend/internal/features/wallet/models"
)

// ErrCounterRegression is returned by VerifyIntegrity when a stored counter
// reads below its guard value. This means the store lost writes and secret
// reuse is possible; the process must refuse to serve payment operations.
var ErrCounterRegression = errors.New("ledger counter behind its guard value")

// Ledger is the wallet's durable state: proof inventory and per-keyset
// secret-derivation counters. Counters strictly increase and must stay
// ahead of every proof ever derived from their keyset.
//
// All mutating calls happen under the redemption coordinator's exclusive
// section; implementations only guarantee that each call commits atomically.
type Ledger interface {
	// Counter returns the next unused derivation position for a keyset.
	// A keyset never seen before starts at zero.
	Counter(ctx context.Context, keysetID string) (uint32, error)

	// CommitRedemption persists newly received proofs and advances the
	// keyset counter in one atomic commit. After a crash the ledger holds
	// either the pre-redemption or the fully-post-redemption state.
	CommitRedemption(ctx context.Context, keysetID string, nextCounter uint32, proofs models.Proofs) error

	// CommitSwap persists the outcome of a swap in one atomic commit:
	// consumed inputs leave the inventory, kept outputs enter it and the
	// keyset counter advances past the derived outputs.
	CommitSwap(ctx context.Context, keysetID string, nextCounter uint32, add models.Proofs, remove models.Proofs) error

	// BumpCounter raises the keyset counter to at least the given value.
	// It never decreases a counter.
	BumpCounter(ctx context.Context, keysetID string, atLeast uint32) error

	// StoreProofs adds proofs to the inventory without touching counters
	// (melt change, external restores).
	StoreProofs(ctx context.Context, proofs models.Proofs) error

	// RemoveProofs deletes proofs from the inventory after they were
	// consumed (melt inputs, withdrawn tokens).
	RemoveProofs(ctx context.Context, proofs models.Proofs) error

	// Proofs returns the full proof inventory.
	Proofs(ctx context.Context) (models.Proofs, error)

	// Balance returns the total value of held proofs in sats.
	Balance(ctx context.Context) (uint64, error)

	// KeysetIDs returns every keyset the ledger has state for.
	KeysetIDs(ctx context.Context) ([]string, error)

	// VerifyIntegrity checks the counter-monotonicity invariant across
	// restarts. A violation is fatal, not a warning.
	VerifyIntegrity(ctx context.Context) error
}
