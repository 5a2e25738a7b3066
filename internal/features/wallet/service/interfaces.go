package service

import (
	"context"

	"plebchat-backend/internal/features/wallet/models"
)

// MintGateway is what the payment core needs from a mint connection. The
// production implementation is platform/mint.Client; tests substitute fakes.
type MintGateway interface {
	MintURL() string
	ActiveKeysetID(ctx context.Context) (string, error)
	CheckSpent(ctx context.Context, proofs models.Proofs) ([]models.ProofState, error)
	Redeem(ctx context.Context, proofs models.Proofs, counter uint32) (models.Proofs, uint32, error)
	Swap(ctx context.Context, inputs models.Proofs, amounts []uint64, counter uint32) (models.Proofs, uint32, error)
	RecoverCounter(ctx context.Context, keysetID string, from uint32) (uint32, error)
	MeltQuote(ctx context.Context, invoice string) (*models.MeltQuote, error)
	Melt(ctx context.Context, quoteID string, inputs models.Proofs, counter uint32) (*models.MeltResult, uint32, error)
}

// GatewayResolver maps a mint URL to its gateway. Only trusted mints
// resolve; everything else returns false.
type GatewayResolver func(mintURL string) (MintGateway, bool)

// StaticGateways builds a resolver over a fixed set of gateways, keyed by
// mint URL with any trailing slash stripped.
func StaticGateways(gateways []MintGateway) GatewayResolver {
	byURL := make(map[string]MintGateway, len(gateways))
	for _, gw := range gateways {
		byURL[normalizeMintURL(gw.MintURL())] = gw
	}
	return func(mintURL string) (MintGateway, bool) {
		gw, ok := byURL[normalizeMintURL(mintURL)]
		return gw, ok
	}
}

func normalizeMintURL(u string) string {
	for len(u) > 0 && u[len(u)-1] == '/' {
		u = u[:len(u)-1]
	}
	return u
}
