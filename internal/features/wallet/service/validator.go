package service

import (
	"sort"
	"strings"

	apperrors "plebchat-backend/internal/common/errors"
	"plebchat-backend/internal/features/wallet/models"
)

// TokenValidator runs the pure, repeatable checks on an incoming token:
// format and mint trust. Both are side-effect free and safe to repeat; a
// failure here always leaves the token reusable by its holder.
type TokenValidator struct {
	trusted     map[string]struct{}
	trustedList []string
}

func NewTokenValidator(trusted map[string]struct{}) *TokenValidator {
	normalized := make(map[string]struct{}, len(trusted))
	list := make([]string, 0, len(trusted))
	for u := range trusted {
		n := normalizeMintURL(u)
		normalized[n] = struct{}{}
		list = append(list, n)
	}
	sort.Strings(list)
	return &TokenValidator{trusted: normalized, trustedList: list}
}

// TrustedMints returns the accepted mint URLs in sorted order.
func (v *TokenValidator) TrustedMints() []string {
	return v.trustedList
}

// ValidateFormat decodes the serialized token and checks its structure.
func (v *TokenValidator) ValidateFormat(raw string) (*models.Token, *apperrors.AppError) {
	token, err := models.DecodeToken(raw)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeFormat, err.Error())
	}
	if token.Mint == "" {
		return nil, apperrors.New(apperrors.ErrCodeFormat, "token does not name an issuing mint")
	}
	return token, nil
}

// ValidateTrust checks the token's issuing mint against the trusted set.
func (v *TokenValidator) ValidateTrust(token *models.Token) *apperrors.AppError {
	if _, ok := v.trusted[normalizeMintURL(token.Mint)]; !ok {
		return apperrors.Newf(apperrors.ErrCodeUntrustedMint,
			"token from untrusted mint: %s. Trusted mints: %s",
			token.Mint, strings.Join(v.trustedList, ", ")).
			WithDetail("mint", token.Mint)
	}
	return nil
}
