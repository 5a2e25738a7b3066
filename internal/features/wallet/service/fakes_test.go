package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"plebchat-backend/internal/features/wallet/models"
	"plebchat-backend/internal/features/wallet/repository"
)

// fakeLedger is an in-memory repository.Ledger for service tests.
type fakeLedger struct {
	mu       sync.Mutex
	counters map[string]uint32
	proofs   map[string]models.Proof
	keysets  map[string]struct{}

	commitErr error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		counters: make(map[string]uint32),
		proofs:   make(map[string]models.Proof),
		keysets:  make(map[string]struct{}),
	}
}

func (l *fakeLedger) Counter(_ context.Context, keysetID string) (uint32, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counters[keysetID], nil
}

func (l *fakeLedger) CommitRedemption(_ context.Context, keysetID string, nextCounter uint32, proofs models.Proofs) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.commitErr != nil {
		return l.commitErr
	}
	l.keysets[keysetID] = struct{}{}
	l.counters[keysetID] = nextCounter
	for _, p := range proofs {
		l.proofs[p.Secret] = p
	}
	return nil
}

func (l *fakeLedger) CommitSwap(_ context.Context, keysetID string, nextCounter uint32, add models.Proofs, remove models.Proofs) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.commitErr != nil {
		return l.commitErr
	}
	l.keysets[keysetID] = struct{}{}
	l.counters[keysetID] = nextCounter
	for _, p := range add {
		l.proofs[p.Secret] = p
	}
	for _, p := range remove {
		delete(l.proofs, p.Secret)
	}
	return nil
}

func (l *fakeLedger) BumpCounter(_ context.Context, keysetID string, atLeast uint32) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if atLeast > l.counters[keysetID] {
		l.counters[keysetID] = atLeast
	}
	return nil
}

func (l *fakeLedger) StoreProofs(_ context.Context, proofs models.Proofs) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, p := range proofs {
		l.proofs[p.Secret] = p
	}
	return nil
}

func (l *fakeLedger) RemoveProofs(_ context.Context, proofs models.Proofs) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, p := range proofs {
		delete(l.proofs, p.Secret)
	}
	return nil
}

func (l *fakeLedger) Proofs(context.Context) (models.Proofs, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out models.Proofs
	for _, p := range l.proofs {
		out = append(out, p)
	}
	return out, nil
}

func (l *fakeLedger) Balance(ctx context.Context) (uint64, error) {
	proofs, _ := l.Proofs(ctx)
	return proofs.Amount(), nil
}

func (l *fakeLedger) KeysetIDs(context.Context) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for id := range l.keysets {
		out = append(out, id)
	}
	return out, nil
}

func (l *fakeLedger) VerifyIntegrity(context.Context) error { return nil }

var _ repository.Ledger = (*fakeLedger)(nil)

// fakeGateway simulates a mint. Redemptions derive synthetic proofs whose
// secrets encode the keyset and counter position, so tests can assert
// which positions were consumed.
type fakeGateway struct {
	url    string
	keyset string

	mu           sync.Mutex
	states       []models.ProofState
	checkErr     error
	redeemErr    error  // returned while counter < minCounter
	minCounter   uint32
	recoverTo    uint32
	recoverErr   error
	quote        *models.MeltQuote
	meltResult   *models.MeltResult
	meltErr      error
	swapErr      error
	redeemCalls  int
	recoverCalls int

	inFlight int32
	overlap  atomic.Bool
}

func newFakeGateway(url string) *fakeGateway {
	return &fakeGateway{url: url, keyset: "fake-keyset"}
}

func (g *fakeGateway) MintURL() string { return g.url }

func (g *fakeGateway) ActiveKeysetID(context.Context) (string, error) { return g.keyset, nil }

func (g *fakeGateway) CheckSpent(_ context.Context, proofs models.Proofs) ([]models.ProofState, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.checkErr != nil {
		return nil, g.checkErr
	}
	if g.states != nil {
		return g.states, nil
	}
	states := make([]models.ProofState, len(proofs))
	for i := range states {
		states[i] = models.ProofState{State: models.ProofStateUnspent}
	}
	return states, nil
}

func (g *fakeGateway) derive(amounts []uint64, counter uint32) models.Proofs {
	proofs := make(models.Proofs, len(amounts))
	for i, a := range amounts {
		proofs[i] = models.Proof{
			Amount: a,
			ID:     g.keyset,
			Secret: fmt.Sprintf("derived-%s-%d", g.keyset, counter+uint32(i)),
			C:      "02ff",
		}
	}
	return proofs
}

func (g *fakeGateway) Redeem(_ context.Context, proofs models.Proofs, counter uint32) (models.Proofs, uint32, error) {
	if atomic.AddInt32(&g.inFlight, 1) > 1 {
		g.overlap.Store(true)
	}
	time.Sleep(time.Millisecond)
	defer atomic.AddInt32(&g.inFlight, -1)

	g.mu.Lock()
	g.redeemCalls++
	err := g.redeemErr
	min := g.minCounter
	g.mu.Unlock()

	if err != nil && counter < min {
		return nil, counter, err
	}
	amounts := models.SplitAmount(proofs.Amount())
	return g.derive(amounts, counter), counter + uint32(len(amounts)), nil
}

func (g *fakeGateway) Swap(_ context.Context, inputs models.Proofs, amounts []uint64, counter uint32) (models.Proofs, uint32, error) {
	g.mu.Lock()
	err := g.swapErr
	g.mu.Unlock()
	if err != nil {
		return nil, counter, err
	}
	return g.derive(amounts, counter), counter + uint32(len(amounts)), nil
}

func (g *fakeGateway) RecoverCounter(_ context.Context, _ string, from uint32) (uint32, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.recoverCalls++
	if g.recoverErr != nil {
		return from, g.recoverErr
	}
	return g.recoverTo, nil
}

func (g *fakeGateway) MeltQuote(context.Context, string) (*models.MeltQuote, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.quote == nil {
		return nil, fmt.Errorf("no quote configured")
	}
	return g.quote, nil
}

func (g *fakeGateway) Melt(_ context.Context, _ string, _ models.Proofs, counter uint32) (*models.MeltResult, uint32, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.meltErr != nil {
		return nil, counter, g.meltErr
	}
	return g.meltResult, counter + 4, nil
}

var _ MintGateway = (*fakeGateway)(nil)

func singleGateway(gw MintGateway) GatewayResolver {
	return StaticGateways([]MintGateway{gw})
}
