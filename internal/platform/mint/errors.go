package mint

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// codeOutputsAlreadySigned is the protocol error code mints return when a
// submitted blinded output was signed before: the wallet's derivation
// counter has fallen behind the mint.
const codeOutputsAlreadySigned = 10002

// Error is a structured error response from a mint.
type Error struct {
	Detail string `json:"detail"`
	Code   int    `json:"code"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("mint error %d: %s", e.Code, e.Detail)
}

// IsAlreadySigned reports whether the error is the mint telling us our
// outputs were already signed. This is the distinguished counter-desync
// signal, not a generic failure: the caller recovers the counter and
// retries instead of giving up.
func IsAlreadySigned(err error) bool {
	var mintErr *Error
	if errors.As(err, &mintErr) {
		if mintErr.Code == codeOutputsAlreadySigned {
			return true
		}
		detail := strings.ToLower(mintErr.Detail)
		return strings.Contains(detail, "already signed")
	}
	return false
}

// IsAmbiguous reports whether the error leaves the outcome of a mint call
// unknown: the request may or may not have been processed. A structured
// mint error is never ambiguous, since the mint rejected the request.
func IsAmbiguous(err error) bool {
	var mintErr *Error
	if errors.As(err, &mintErr) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}
