package mint

import (
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/elnosh/gonuts/crypto"
	"github.com/tyler-smith/go-bip39"

	"plebchat-backend/internal/features/wallet/models"
)

// purposeIndex is the hardened BIP32 purpose for ecash secret derivation.
const purposeIndex = 129372

// BlindingData holds what the wallet must remember about one blinded output
// until the mint's signature comes back: the secret, the blinding factor and
// the denomination.
type BlindingData struct {
	Amount uint64
	Secret string
	R      *secp256k1.PrivateKey
}

// Deriver produces deterministic secrets and blinding factors from the
// wallet seed. Position i of keyset k always yields the same pair, which is
// why the ledger counter must never regress: reusing a position reuses a
// secret.
type Deriver struct {
	master *hdkeychain.ExtendedKey
}

// NewDeriver builds a deriver from a BIP39 mnemonic.
func NewDeriver(mnemonic string) (*Deriver, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic")
	}
	seed := bip39.NewSeed(mnemonic, "")
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("failed to derive master key: %w", err)
	}
	return &Deriver{master: master}, nil
}

// keysetPath derives m/129372'/0'/keyset_int' for a keyset id.
func (d *Deriver) keysetPath(keysetID string) (*hdkeychain.ExtendedKey, error) {
	idBytes, err := hex.DecodeString(keysetID)
	if err != nil {
		return nil, fmt.Errorf("invalid keyset id %q: %w", keysetID, err)
	}

	// keyset_int = big-endian integer of the id, reduced into the hardened
	// index range.
	mod := big.NewInt(1<<31 - 1)
	keysetInt := new(big.Int).Mod(new(big.Int).SetBytes(idBytes), mod).Uint64()

	purpose, err := d.master.Derive(hdkeychain.HardenedKeyStart + purposeIndex)
	if err != nil {
		return nil, fmt.Errorf("failed to derive purpose key: %w", err)
	}
	coin, err := purpose.Derive(hdkeychain.HardenedKeyStart + 0)
	if err != nil {
		return nil, fmt.Errorf("failed to derive coin key: %w", err)
	}
	keysetKey, err := coin.Derive(hdkeychain.HardenedKeyStart + uint32(keysetInt))
	if err != nil {
		return nil, fmt.Errorf("failed to derive keyset key: %w", err)
	}
	return keysetKey, nil
}

// DeriveBlinding returns the secret and blinding factor for one counter
// position of a keyset.
func (d *Deriver) DeriveBlinding(keysetID string, counter uint32) (string, *secp256k1.PrivateKey, error) {
	keysetKey, err := d.keysetPath(keysetID)
	if err != nil {
		return "", nil, err
	}
	counterKey, err := keysetKey.Derive(hdkeychain.HardenedKeyStart + counter)
	if err != nil {
		return "", nil, fmt.Errorf("failed to derive counter key %d: %w", counter, err)
	}

	secretKey, err := counterKey.Derive(0)
	if err != nil {
		return "", nil, fmt.Errorf("failed to derive secret key: %w", err)
	}
	secretPriv, err := secretKey.ECPrivKey()
	if err != nil {
		return "", nil, fmt.Errorf("failed to extract secret key: %w", err)
	}
	secret := hex.EncodeToString(secretPriv.Serialize())

	rKey, err := counterKey.Derive(1)
	if err != nil {
		return "", nil, fmt.Errorf("failed to derive blinding factor: %w", err)
	}
	r, err := rKey.ECPrivKey()
	if err != nil {
		return "", nil, fmt.Errorf("failed to extract blinding factor: %w", err)
	}

	return secret, r, nil
}

// BlindedMessages derives len(amounts) consecutive outputs for a keyset
// starting at counter, blinds them and returns the messages together with
// the data needed to unblind the mint's signatures.
func (d *Deriver) BlindedMessages(keysetID string, amounts []uint64, counter uint32) (models.BlindedMessages, []BlindingData, error) {
	messages := make(models.BlindedMessages, len(amounts))
	blinding := make([]BlindingData, len(amounts))

	for i, amount := range amounts {
		secret, r, err := d.DeriveBlinding(keysetID, counter+uint32(i))
		if err != nil {
			return nil, nil, err
		}

		B, r, err := crypto.BlindMessage(secret, r)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to blind output at position %d: %w", counter+uint32(i), err)
		}
		messages[i] = models.BlindedMessage{
			Amount: amount,
			ID:     keysetID,
			B:      hex.EncodeToString(B.SerializeCompressed()),
		}
		blinding[i] = BlindingData{Amount: amount, Secret: secret, R: r}
	}

	return messages, blinding, nil
}

// Unblind turns the mint's blinded signatures into spendable proofs using
// the per-amount mint public keys.
func Unblind(signatures models.BlindedSignatures, blinding []BlindingData, mintKeys map[uint64]*secp256k1.PublicKey) (models.Proofs, error) {
	if len(signatures) != len(blinding) {
		return nil, fmt.Errorf("signature count %d does not match output count %d", len(signatures), len(blinding))
	}

	proofs := make(models.Proofs, len(signatures))
	for i, sig := range signatures {
		K, ok := mintKeys[sig.Amount]
		if !ok {
			return nil, fmt.Errorf("mint has no key for amount %d", sig.Amount)
		}

		CBytes, err := hex.DecodeString(sig.C)
		if err != nil {
			return nil, fmt.Errorf("invalid blinded signature point: %w", err)
		}
		CBlinded, err := secp256k1.ParsePubKey(CBytes)
		if err != nil {
			return nil, fmt.Errorf("invalid blinded signature point: %w", err)
		}

		C := crypto.UnblindSignature(CBlinded, blinding[i].R, K)
		proofs[i] = models.Proof{
			Amount: sig.Amount,
			ID:     sig.ID,
			Secret: blinding[i].Secret,
			C:      hex.EncodeToString(C.SerializeCompressed()),
		}
	}
	return proofs, nil
}

// HashToCurve maps a proof secret to its Y point, the identifier the mint
// tracks spend state under.
func HashToCurve(secret string) (string, error) {
	Y, err := crypto.HashToCurve([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("failed to map secret to curve: %w", err)
	}
	return hex.EncodeToString(Y.SerializeCompressed()), nil
}
