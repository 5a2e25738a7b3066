package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "plebchat-backend/internal/common/errors"
	"plebchat-backend/internal/features/wallet/models"
)

const (
	trustedMint   = "https://mint.example.com/Bitcoin"
	untrustedMint = "https://rogue.mint.example"
)

func encodeTestToken(t *testing.T, mint string, amounts ...uint64) string {
	t.Helper()
	var proofs models.Proofs
	for i, a := range amounts {
		proofs = append(proofs, models.Proof{
			Amount: a,
			ID:     "009a1f293253e41e",
			Secret: "secret-" + string(rune('a'+i)),
			C:      "02aa",
		})
	}
	token := &models.Token{Mint: mint, Unit: "sat", Proofs: proofs}
	raw, err := token.Encode()
	require.NoError(t, err)
	return raw
}

func testValidator() *TokenValidator {
	return NewTokenValidator(map[string]struct{}{trustedMint: {}})
}

func TestValidateFormat(t *testing.T) {
	v := testValidator()

	token, appErr := v.ValidateFormat(encodeTestToken(t, trustedMint, 2, 8))
	require.Nil(t, appErr)
	assert.Equal(t, uint64(10), token.Amount())

	_, appErr = v.ValidateFormat("garbage")
	require.NotNil(t, appErr)
	assert.Equal(t, apperrors.ErrCodeFormat, appErr.Code)
	assert.True(t, appErr.IsRefundable())

	_, appErr = v.ValidateFormat("")
	require.NotNil(t, appErr)
	assert.Equal(t, apperrors.ErrCodeFormat, appErr.Code)
}

func TestValidateFormatIsIdempotent(t *testing.T) {
	v := testValidator()
	raw := encodeTestToken(t, trustedMint, 4)

	first, appErr := v.ValidateFormat(raw)
	require.Nil(t, appErr)
	second, appErr := v.ValidateFormat(raw)
	require.Nil(t, appErr)
	assert.Equal(t, first, second)
}

func TestValidateTrust(t *testing.T) {
	v := testValidator()

	token, appErr := v.ValidateFormat(encodeTestToken(t, trustedMint, 1))
	require.Nil(t, appErr)
	assert.Nil(t, v.ValidateTrust(token))

	// Trailing slash differences must not break trust matching.
	token.Mint = trustedMint + "/"
	assert.Nil(t, v.ValidateTrust(token))
}

func TestValidateTrustRejectsUnknownMint(t *testing.T) {
	v := testValidator()

	token, appErr := v.ValidateFormat(encodeTestToken(t, untrustedMint, 1))
	require.Nil(t, appErr)

	trustErr := v.ValidateTrust(token)
	require.NotNil(t, trustErr)
	assert.Equal(t, apperrors.ErrCodeUntrustedMint, trustErr.Code)
	assert.True(t, trustErr.IsRefundable())
	// The rejection names the accepted mints so the sender can reissue.
	assert.Contains(t, trustErr.Message, untrustedMint)
	assert.Contains(t, trustErr.Message, trustedMint)
}

func TestTrustedMintsSorted(t *testing.T) {
	v := NewTokenValidator(map[string]struct{}{
		"https://b.mint": {},
		"https://a.mint": {},
	})
	assert.Equal(t, []string{"https://a.mint", "https://b.mint"}, v.TrustedMints())
}
