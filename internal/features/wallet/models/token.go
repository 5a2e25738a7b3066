package models

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// Token format prefixes. V3 tokens are base64-encoded JSON, V4 tokens are
// base64-encoded CBOR.
const (
	PrefixV3 = "cashuA"
	PrefixV4 = "cashuB"
)

var (
	ErrEmptyToken    = errors.New("empty token")
	ErrUnknownFormat = errors.New("invalid token format (must start with cashuA or cashuB)")
	ErrNoProofs      = errors.New("token contains no proofs")
)

// DLEQProof carries the optional discrete-log equality proof attached to a
// proof by the issuing mint.
type DLEQProof struct {
	E string `json:"e"`
	S string `json:"s"`
	R string `json:"r,omitempty"`
}

// Proof is a single denomination unit inside a token. Custody of the value
// it represents belongs to whoever holds the valid, unredeemed signature.
type Proof struct {
	Amount  uint64     `json:"amount"`
	ID      string     `json:"id"`
	Secret  string     `json:"secret"`
	C       string     `json:"C"`
	Witness string     `json:"witness,omitempty"`
	DLEQ    *DLEQProof `json:"dleq,omitempty"`
}

type Proofs []Proof

// Amount returns the total value of the proof set in sats.
func (ps Proofs) Amount() uint64 {
	var total uint64
	for _, p := range ps {
		total += p.Amount
	}
	return total
}

// KeysetIDs returns the distinct keyset ids the proofs were signed under,
// in first-seen order.
func (ps Proofs) KeysetIDs() []string {
	seen := make(map[string]struct{}, 1)
	var ids []string
	for _, p := range ps {
		if _, ok := seen[p.ID]; !ok {
			seen[p.ID] = struct{}{}
			ids = append(ids, p.ID)
		}
	}
	return ids
}

// Secrets returns the proofs' secrets in order.
func (ps Proofs) Secrets() []string {
	secrets := make([]string, len(ps))
	for i, p := range ps {
		secrets[i] = p.Secret
	}
	return secrets
}

// Token is an opaque bearer credential: a set of proofs tied to a single
// issuing mint. Immutable once decoded. Raw preserves the exact serialized
// form for operator-recovery logging.
type Token struct {
	Mint   string
	Unit   string
	Memo   string
	Proofs Proofs
	Raw    string
}

// Amount returns the total token value in sats.
func (t *Token) Amount() uint64 {
	return t.Proofs.Amount()
}

// tokenV3 is the JSON wire form behind the cashuA prefix.
type tokenV3 struct {
	Token []tokenV3Entry `json:"token"`
	Unit  string         `json:"unit,omitempty"`
	Memo  string         `json:"memo,omitempty"`
}

type tokenV3Entry struct {
	Mint   string `json:"mint"`
	Proofs Proofs `json:"proofs"`
}

// tokenV4 is the CBOR wire form behind the cashuB prefix.
type tokenV4 struct {
	Tokens []tokenV4Entry `cbor:"t"`
	Mint   string         `cbor:"m"`
	Unit   string         `cbor:"u"`
	Memo   string         `cbor:"d,omitempty"`
}

type tokenV4Entry struct {
	KeysetID []byte         `cbor:"i"`
	Proofs   []tokenV4Proof `cbor:"p"`
}

type tokenV4Proof struct {
	Amount  uint64       `cbor:"a"`
	Secret  string       `cbor:"s"`
	C       []byte       `cbor:"c"`
	DLEQ    *tokenV4DLEQ `cbor:"d,omitempty"`
	Witness string       `cbor:"w,omitempty"`
}

type tokenV4DLEQ struct {
	E []byte `cbor:"e"`
	S []byte `cbor:"s"`
	R []byte `cbor:"r"`
}

// DecodeToken parses a serialized ecash token in either supported format.
// It validates structure only; trust and spend state are checked elsewhere.
func DecodeToken(raw string) (*Token, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrEmptyToken
	}

	var (
		token *Token
		err   error
	)
	switch {
	case strings.HasPrefix(raw, PrefixV3):
		token, err = decodeV3(strings.TrimPrefix(raw, PrefixV3))
	case strings.HasPrefix(raw, PrefixV4):
		token, err = decodeV4(strings.TrimPrefix(raw, PrefixV4))
	default:
		return nil, ErrUnknownFormat
	}
	if err != nil {
		return nil, err
	}
	token.Raw = raw
	return token, nil
}

func decodeV3(payload string) (*Token, error) {
	data, err := decodeBase64(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	var wire tokenV3
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if len(wire.Token) == 0 {
		return nil, ErrNoProofs
	}

	token := &Token{
		Mint: wire.Token[0].Mint,
		Unit: wire.Unit,
		Memo: wire.Memo,
	}
	for _, entry := range wire.Token {
		if entry.Mint != token.Mint {
			return nil, fmt.Errorf("token spans multiple mints (%s, %s)", token.Mint, entry.Mint)
		}
		token.Proofs = append(token.Proofs, entry.Proofs...)
	}
	if len(token.Proofs) == 0 {
		return nil, ErrNoProofs
	}
	return token, nil
}

func decodeV4(payload string) (*Token, error) {
	data, err := decodeBase64(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	var wire tokenV4
	if err := cbor.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	token := &Token{
		Mint: wire.Mint,
		Unit: wire.Unit,
		Memo: wire.Memo,
	}
	for _, entry := range wire.Tokens {
		keysetID := hex.EncodeToString(entry.KeysetID)
		for _, p := range entry.Proofs {
			proof := Proof{
				Amount:  p.Amount,
				ID:      keysetID,
				Secret:  p.Secret,
				C:       hex.EncodeToString(p.C),
				Witness: p.Witness,
			}
			if p.DLEQ != nil {
				proof.DLEQ = &DLEQProof{
					E: hex.EncodeToString(p.DLEQ.E),
					S: hex.EncodeToString(p.DLEQ.S),
					R: hex.EncodeToString(p.DLEQ.R),
				}
			}
			token.Proofs = append(token.Proofs, proof)
		}
	}
	if len(token.Proofs) == 0 {
		return nil, ErrNoProofs
	}
	return token, nil
}

// Encode serializes the token in the V3 (cashuA) format, which every wallet
// in circulation understands.
func (t *Token) Encode() (string, error) {
	if len(t.Proofs) == 0 {
		return "", ErrNoProofs
	}

	wire := tokenV3{
		Token: []tokenV3Entry{{Mint: t.Mint, Proofs: t.Proofs}},
		Unit:  t.Unit,
		Memo:  t.Memo,
	}
	data, err := json.Marshal(wire)
	if err != nil {
		return "", fmt.Errorf("failed to serialize token: %w", err)
	}
	return PrefixV3 + base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(data), nil
}

// decodeBase64 accepts both URL-safe and standard alphabets, padded or not.
// Wallets in the wild emit all four combinations.
func decodeBase64(s string) ([]byte, error) {
	encodings := []*base64.Encoding{
		base64.URLEncoding.WithPadding(base64.NoPadding),
		base64.URLEncoding,
		base64.StdEncoding.WithPadding(base64.NoPadding),
		base64.StdEncoding,
	}
	var lastErr error
	for _, enc := range encodings {
		data, err := enc.DecodeString(s)
		if err == nil {
			return data, nil
		}
		lastErr = err
	}
	return nil, lastErr
}
