package mint

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsAlreadySigned(t *testing.T) {
	assert.True(t, IsAlreadySigned(&Error{Code: 10002, Detail: "outputs have already been signed before"}))
	assert.True(t, IsAlreadySigned(&Error{Code: 0, Detail: "outputs have Already Signed flag"}))
	assert.True(t, IsAlreadySigned(fmt.Errorf("swap failed: %w", &Error{Code: 10002})))

	assert.False(t, IsAlreadySigned(&Error{Code: 11001, Detail: "token already spent"}))
	assert.False(t, IsAlreadySigned(context.DeadlineExceeded))
	assert.False(t, IsAlreadySigned(fmt.Errorf("plain failure")))
	assert.False(t, IsAlreadySigned(nil))
}

func TestIsAmbiguous(t *testing.T) {
	assert.True(t, IsAmbiguous(context.DeadlineExceeded))
	assert.True(t, IsAmbiguous(context.Canceled))
	assert.True(t, IsAmbiguous(fmt.Errorf("request: %w", context.DeadlineExceeded)))

	// A structured mint rejection means the request was processed.
	assert.False(t, IsAmbiguous(&Error{Code: 10002, Detail: "already signed"}))
	assert.False(t, IsAmbiguous(fmt.Errorf("connection refused")))
	assert.False(t, IsAmbiguous(nil))
}
