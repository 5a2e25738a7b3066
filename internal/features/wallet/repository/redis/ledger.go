package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"plebchat-backend/internal/features/wallet/models"
	"plebchat-backend/internal/features/wallet/repository"
)

const (
	keyKeysets      = "wallet:keysets"
	keyPrefixCount  = "wallet:counter:"
	keyPrefixGuard  = "wallet:counter_guard:"
	keyPrefixProofs = "wallet:proofs:"
)

// Ledger persists wallet state in Redis. Every multi-key mutation goes
// through a single MULTI/EXEC so a crash can never expose a partial write.
type Ledger struct {
	client *redis.Client
}

func NewLedger(client *redis.Client) repository.Ledger {
	return &Ledger{client: client}
}

func counterKey(keysetID string) string { return keyPrefixCount + keysetID }
func guardKey(keysetID string) string   { return keyPrefixGuard + keysetID }
func proofsKey(keysetID string) string  { return keyPrefixProofs + keysetID }

func (l *Ledger) Counter(ctx context.Context, keysetID string) (uint32, error) {
	val, err := l.client.Get(ctx, counterKey(keysetID)).Uint64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read counter for keyset %s: %w", keysetID, err)
	}
	return uint32(val), nil
}

func (l *Ledger) CommitRedemption(ctx context.Context, keysetID string, nextCounter uint32, proofs models.Proofs) error {
	fields, err := proofFields(proofs)
	if err != nil {
		return err
	}

	_, err = l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, keyKeysets, keysetID)
		pipe.Set(ctx, counterKey(keysetID), strconv.FormatUint(uint64(nextCounter), 10), 0)
		pipe.Set(ctx, guardKey(keysetID), strconv.FormatUint(uint64(nextCounter), 10), 0)
		if len(fields) > 0 {
			pipe.HSet(ctx, proofsKey(keysetID), fields)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to commit redemption for keyset %s: %w", keysetID, err)
	}
	return nil
}

func (l *Ledger) CommitSwap(ctx context.Context, keysetID string, nextCounter uint32, add models.Proofs, remove models.Proofs) error {
	fields, err := proofFields(add)
	if err != nil {
		return err
	}
	removedByKeyset := groupByKeyset(remove)

	_, err = l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, keyKeysets, keysetID)
		pipe.Set(ctx, counterKey(keysetID), strconv.FormatUint(uint64(nextCounter), 10), 0)
		pipe.Set(ctx, guardKey(keysetID), strconv.FormatUint(uint64(nextCounter), 10), 0)
		if len(fields) > 0 {
			pipe.HSet(ctx, proofsKey(keysetID), fields)
		}
		for id, ps := range removedByKeyset {
			secrets := make([]string, len(ps))
			for i, p := range ps {
				secrets[i] = p.Secret
			}
			pipe.HDel(ctx, proofsKey(id), secrets...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to commit swap for keyset %s: %w", keysetID, err)
	}
	return nil
}

func (l *Ledger) BumpCounter(ctx context.Context, keysetID string, atLeast uint32) error {
	current, err := l.Counter(ctx, keysetID)
	if err != nil {
		return err
	}
	if atLeast <= current {
		return nil
	}

	val := strconv.FormatUint(uint64(atLeast), 10)
	_, err = l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, keyKeysets, keysetID)
		pipe.Set(ctx, counterKey(keysetID), val, 0)
		pipe.Set(ctx, guardKey(keysetID), val, 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to bump counter for keyset %s: %w", keysetID, err)
	}
	return nil
}

func (l *Ledger) StoreProofs(ctx context.Context, proofs models.Proofs) error {
	byKeyset := groupByKeyset(proofs)

	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for keysetID, ps := range byKeyset {
			fields, err := proofFields(ps)
			if err != nil {
				return err
			}
			pipe.SAdd(ctx, keyKeysets, keysetID)
			pipe.HSet(ctx, proofsKey(keysetID), fields)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store proofs: %w", err)
	}
	return nil
}

func (l *Ledger) RemoveProofs(ctx context.Context, proofs models.Proofs) error {
	byKeyset := groupByKeyset(proofs)

	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for keysetID, ps := range byKeyset {
			secrets := make([]string, len(ps))
			for i, p := range ps {
				secrets[i] = p.Secret
			}
			pipe.HDel(ctx, proofsKey(keysetID), secrets...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to remove proofs: %w", err)
	}
	return nil
}

func (l *Ledger) Proofs(ctx context.Context) (models.Proofs, error) {
	keysets, err := l.KeysetIDs(ctx)
	if err != nil {
		return nil, err
	}

	var proofs models.Proofs
	for _, keysetID := range keysets {
		vals, err := l.client.HVals(ctx, proofsKey(keysetID)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read proofs for keyset %s: %w", keysetID, err)
		}
		for _, v := range vals {
			var p models.Proof
			if err := json.Unmarshal([]byte(v), &p); err != nil {
				return nil, fmt.Errorf("failed to unmarshal stored proof: %w", err)
			}
			proofs = append(proofs, p)
		}
	}
	return proofs, nil
}

func (l *Ledger) Balance(ctx context.Context) (uint64, error) {
	proofs, err := l.Proofs(ctx)
	if err != nil {
		return 0, err
	}
	return proofs.Amount(), nil
}

func (l *Ledger) KeysetIDs(ctx context.Context) ([]string, error) {
	ids, err := l.client.SMembers(ctx, keyKeysets).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read keyset registry: %w", err)
	}
	return ids, nil
}

// VerifyIntegrity checks every keyset's counter against its guard. The
// guard is written in the same EXEC as the counter, so reading a counter
// below its guard means the store lost writes after proofs were derived;
// continuing would risk secret reuse.
func (l *Ledger) VerifyIntegrity(ctx context.Context) error {
	keysets, err := l.KeysetIDs(ctx)
	if err != nil {
		return err
	}

	for _, keysetID := range keysets {
		guard, err := l.client.Get(ctx, guardKey(keysetID)).Uint64()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to read counter guard for keyset %s: %w", keysetID, err)
		}

		counter, err := l.client.Get(ctx, counterKey(keysetID)).Uint64()
		if err == redis.Nil {
			counter = 0
		} else if err != nil {
			return fmt.Errorf("failed to read counter for keyset %s: %w", keysetID, err)
		}

		if counter < guard {
			return fmt.Errorf("keyset %s: counter %d < guard %d: %w",
				keysetID, counter, guard, repository.ErrCounterRegression)
		}
	}
	return nil
}

func proofFields(proofs models.Proofs) (map[string]interface{}, error) {
	fields := make(map[string]interface{}, len(proofs))
	for _, p := range proofs {
		data, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal proof: %w", err)
		}
		fields[p.Secret] = string(data)
	}
	return fields, nil
}

func groupByKeyset(proofs models.Proofs) map[string]models.Proofs {
	byKeyset := make(map[string]models.Proofs)
	for _, p := range proofs {
		byKeyset[p.ID] = append(byKeyset[p.ID], p)
	}
	return byKeyset
}
