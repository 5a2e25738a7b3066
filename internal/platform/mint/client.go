package mint

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/rs/zerolog"

	"plebchat-backend/internal/common/logger"
	"plebchat-backend/internal/features/wallet/models"
)

const (
	// restoreBatchSize is how many consecutive counter positions a single
	// restore request probes during counter recovery.
	restoreBatchSize = 25
	// restoreEmptyLimit stops recovery after this many consecutive batches
	// the mint has never signed anything in.
	restoreEmptyLimit = 2
)

// Client talks to a single Cashu mint over its REST API. It implements the
// gateway operations the payment core needs: spend-state lookup, proof
// redemption (swap), counter recovery (restore) and Lightning payout (melt).
type Client struct {
	baseURL string
	http    *http.Client
	deriver *Deriver
	log     zerolog.Logger

	mu           sync.Mutex
	activeKeyset string
	keysByKeyset map[string]map[uint64]*secp256k1.PublicKey
}

// NewClient builds a client for one mint. The timeout bounds every
// round-trip; a timed-out redeem surfaces as an ambiguous outcome upstream.
func NewClient(mintURL string, deriver *Deriver, timeout time.Duration) *Client {
	return &Client{
		baseURL:      strings.TrimSuffix(mintURL, "/"),
		http:         &http.Client{Timeout: timeout},
		deriver:      deriver,
		log:          logger.With("mint").With().Str("mint", mintURL).Logger(),
		keysByKeyset: make(map[string]map[uint64]*secp256k1.PublicKey),
	}
}

// MintURL returns the mint this client is bound to.
func (c *Client) MintURL() string {
	return c.baseURL
}

type keysetInfo struct {
	ID          string `json:"id"`
	Unit        string `json:"unit"`
	Active      bool   `json:"active"`
	InputFeePpk uint   `json:"input_fee_ppk"`
}

type keysetsResponse struct {
	Keysets []keysetInfo `json:"keysets"`
}

type keysResponse struct {
	Keysets []struct {
		ID   string            `json:"id"`
		Unit string            `json:"unit"`
		Keys map[string]string `json:"keys"`
	} `json:"keysets"`
}

// ActiveKeysetID returns the mint's active sat keyset, fetching and caching
// it on first use.
func (c *Client) ActiveKeysetID(ctx context.Context) (string, error) {
	c.mu.Lock()
	cached := c.activeKeyset
	c.mu.Unlock()
	if cached != "" {
		return cached, nil
	}

	var resp keysetsResponse
	if err := c.get(ctx, "/v1/keysets", &resp); err != nil {
		return "", fmt.Errorf("failed to load keysets: %w", err)
	}
	for _, ks := range resp.Keysets {
		if ks.Active && ks.Unit == "sat" {
			c.mu.Lock()
			c.activeKeyset = ks.ID
			c.mu.Unlock()
			return ks.ID, nil
		}
	}
	return "", fmt.Errorf("mint %s has no active sat keyset", c.baseURL)
}

// keys returns the per-amount public keys of a keyset, cached after the
// first fetch.
func (c *Client) keys(ctx context.Context, keysetID string) (map[uint64]*secp256k1.PublicKey, error) {
	c.mu.Lock()
	if keys, ok := c.keysByKeyset[keysetID]; ok {
		c.mu.Unlock()
		return keys, nil
	}
	c.mu.Unlock()

	var resp keysResponse
	if err := c.get(ctx, "/v1/keys/"+keysetID, &resp); err != nil {
		return nil, fmt.Errorf("failed to load keys for keyset %s: %w", keysetID, err)
	}
	if len(resp.Keysets) == 0 {
		return nil, fmt.Errorf("mint returned no keys for keyset %s", keysetID)
	}

	keys := make(map[uint64]*secp256k1.PublicKey, len(resp.Keysets[0].Keys))
	for amountStr, pubHex := range resp.Keysets[0].Keys {
		amount, err := strconv.ParseUint(amountStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid amount %q in keyset %s: %w", amountStr, keysetID, err)
		}
		pubBytes, err := hex.DecodeString(pubHex)
		if err != nil {
			return nil, fmt.Errorf("invalid key for amount %s: %w", amountStr, err)
		}
		pub, err := secp256k1.ParsePubKey(pubBytes)
		if err != nil {
			return nil, fmt.Errorf("invalid key for amount %s: %w", amountStr, err)
		}
		keys[amount] = pub
	}

	c.mu.Lock()
	c.keysByKeyset[keysetID] = keys
	c.mu.Unlock()
	return keys, nil
}

type checkStateRequest struct {
	Ys []string `json:"Ys"`
}

type checkStateResponse struct {
	States []models.ProofState `json:"states"`
}

// CheckSpent queries the mint for the spend state of each proof. Read-only:
// it never mutates local state regardless of the answer.
func (c *Client) CheckSpent(ctx context.Context, proofs models.Proofs) ([]models.ProofState, error) {
	ys := make([]string, len(proofs))
	for i, p := range proofs {
		y, err := HashToCurve(p.Secret)
		if err != nil {
			return nil, err
		}
		ys[i] = y
	}

	var resp checkStateResponse
	if err := c.post(ctx, "/v1/checkstate", checkStateRequest{Ys: ys}, &resp); err != nil {
		return nil, fmt.Errorf("failed to check proof state: %w", err)
	}
	if len(resp.States) != len(proofs) {
		return nil, fmt.Errorf("mint returned %d states for %d proofs", len(resp.States), len(proofs))
	}
	return resp.States, nil
}

type swapRequest struct {
	Inputs  models.Proofs          `json:"inputs"`
	Outputs models.BlindedMessages `json:"outputs"`
}

type swapResponse struct {
	Signatures models.BlindedSignatures `json:"signatures"`
}

// Redeem swaps the given proofs for fresh ones derived from the wallet seed
// at the given counter. On success custody is permanent: the submitted
// proofs are void at the mint and the returned ones are ours. The second
// return value is the counter position after the consumed outputs.
func (c *Client) Redeem(ctx context.Context, proofs models.Proofs, counter uint32) (models.Proofs, uint32, error) {
	keysetID, err := c.ActiveKeysetID(ctx)
	if err != nil {
		return nil, counter, err
	}

	amounts := models.SplitAmount(proofs.Amount())
	newProofs, next, err := c.swap(ctx, keysetID, proofs, amounts, counter)
	if err != nil {
		return nil, counter, err
	}
	return newProofs, next, nil
}

// Swap exchanges held proofs for new ones in the exact denominations given.
// Used to split the inventory before withdrawals and melts.
func (c *Client) Swap(ctx context.Context, inputs models.Proofs, amounts []uint64, counter uint32) (models.Proofs, uint32, error) {
	keysetID, err := c.ActiveKeysetID(ctx)
	if err != nil {
		return nil, counter, err
	}

	var total uint64
	for _, a := range amounts {
		total += a
	}
	if total != inputs.Amount() {
		return nil, counter, fmt.Errorf("swap amounts %d do not match inputs %d", total, inputs.Amount())
	}
	return c.swap(ctx, keysetID, inputs, amounts, counter)
}

func (c *Client) swap(ctx context.Context, keysetID string, inputs models.Proofs, amounts []uint64, counter uint32) (models.Proofs, uint32, error) {
	outputs, blinding, err := c.deriver.BlindedMessages(keysetID, amounts, counter)
	if err != nil {
		return nil, counter, err
	}

	var resp swapResponse
	if err := c.post(ctx, "/v1/swap", swapRequest{Inputs: inputs, Outputs: outputs}, &resp); err != nil {
		return nil, counter, err
	}

	keys, err := c.keys(ctx, keysetID)
	if err != nil {
		return nil, counter, err
	}
	newProofs, err := Unblind(resp.Signatures, blinding, keys)
	if err != nil {
		return nil, counter, err
	}
	return newProofs, counter + uint32(len(outputs)), nil
}

type restoreRequest struct {
	Outputs models.BlindedMessages `json:"outputs"`
}

type restoreResponse struct {
	Outputs    models.BlindedMessages   `json:"outputs"`
	Signatures models.BlindedSignatures `json:"signatures"`
}

// RecoverCounter asks the mint which derivation positions it has already
// signed outputs for, scanning forward from the given position in batches.
// It returns the next position with no signature on record: the lowest
// counter value that is safe to derive from.
func (c *Client) RecoverCounter(ctx context.Context, keysetID string, from uint32) (uint32, error) {
	nextSafe := from
	emptyBatches := 0

	for position := from; emptyBatches < restoreEmptyLimit; position += restoreBatchSize {
		amounts := make([]uint64, restoreBatchSize)
		for i := range amounts {
			amounts[i] = 1
		}
		outputs, _, err := c.deriver.BlindedMessages(keysetID, amounts, position)
		if err != nil {
			return from, err
		}

		var resp restoreResponse
		if err := c.post(ctx, "/v1/restore", restoreRequest{Outputs: outputs}, &resp); err != nil {
			return from, fmt.Errorf("restore request failed: %w", err)
		}

		if len(resp.Outputs) == 0 {
			emptyBatches++
			continue
		}
		emptyBatches = 0

		// Find the highest batch position the mint recognized.
		signed := make(map[string]struct{}, len(resp.Outputs))
		for _, out := range resp.Outputs {
			signed[out.B] = struct{}{}
		}
		for i, out := range outputs {
			if _, ok := signed[out.B]; ok {
				if used := position + uint32(i) + 1; used > nextSafe {
					nextSafe = used
				}
			}
		}
	}

	c.log.Info().
		Str("keyset", keysetID).
		Uint32("from", from).
		Uint32("next_safe", nextSafe).
		Msg("Counter recovery scan complete")
	return nextSafe, nil
}

type meltQuoteRequest struct {
	Request string `json:"request"`
	Unit    string `json:"unit"`
}

type meltQuoteResponse struct {
	Quote      string `json:"quote"`
	Amount     uint64 `json:"amount"`
	FeeReserve uint64 `json:"fee_reserve"`
	State      string `json:"state"`
	Expiry     int64  `json:"expiry"`
}

// MeltQuote asks the mint what paying the invoice will cost.
func (c *Client) MeltQuote(ctx context.Context, invoice string) (*models.MeltQuote, error) {
	var resp meltQuoteResponse
	if err := c.post(ctx, "/v1/melt/quote/bolt11", meltQuoteRequest{Request: invoice, Unit: "sat"}, &resp); err != nil {
		return nil, fmt.Errorf("melt quote failed: %w", err)
	}
	return &models.MeltQuote{
		ID:         resp.Quote,
		Amount:     resp.Amount,
		FeeReserve: resp.FeeReserve,
		Expiry:     resp.Expiry,
	}, nil
}

type meltRequest struct {
	Quote   string                 `json:"quote"`
	Inputs  models.Proofs          `json:"inputs"`
	Outputs models.BlindedMessages `json:"outputs,omitempty"`
}

type meltResponse struct {
	State    string                   `json:"state"`
	Paid     bool                     `json:"paid"`
	Preimage string                   `json:"payment_preimage"`
	Change   models.BlindedSignatures `json:"change"`
}

// Melt burns the input proofs to pay the quoted Lightning invoice. Blank
// change outputs derived from the counter let the mint return any unused
// fee reserve; the second return value is the counter after those outputs.
func (c *Client) Melt(ctx context.Context, quoteID string, inputs models.Proofs, counter uint32) (*models.MeltResult, uint32, error) {
	keysetID, err := c.ActiveKeysetID(ctx)
	if err != nil {
		return nil, counter, err
	}

	// Blank outputs for fee-reserve change. The mint assigns their amounts.
	changeAmounts := make([]uint64, 4)
	for i := range changeAmounts {
		changeAmounts[i] = 1
	}
	outputs, blinding, err := c.deriver.BlindedMessages(keysetID, changeAmounts, counter)
	if err != nil {
		return nil, counter, err
	}

	var resp meltResponse
	if err := c.post(ctx, "/v1/melt/bolt11", meltRequest{Quote: quoteID, Inputs: inputs, Outputs: outputs}, &resp); err != nil {
		return nil, counter, err
	}

	paid := resp.Paid || strings.EqualFold(resp.State, "PAID")
	result := &models.MeltResult{Paid: paid, Preimage: resp.Preimage}

	next := counter + uint32(len(outputs))
	if len(resp.Change) > 0 {
		if len(resp.Change) > len(blinding) {
			return nil, counter, fmt.Errorf("mint returned %d change signatures for %d blank outputs",
				len(resp.Change), len(blinding))
		}
		keys, err := c.keys(ctx, keysetID)
		if err != nil {
			return nil, counter, err
		}
		change, err := Unblind(resp.Change, blinding[:len(resp.Change)], keys)
		if err != nil {
			return nil, counter, err
		}
		result.Change = change
	}
	return result, next, nil
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK {
		var mintErr Error
		if jsonErr := json.Unmarshal(data, &mintErr); jsonErr == nil && mintErr.Detail != "" {
			return &mintErr
		}
		return fmt.Errorf("mint returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode mint response: %w", err)
		}
	}
	return nil
}
