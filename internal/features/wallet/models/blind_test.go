package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitAmount(t *testing.T) {
	tests := []struct {
		amount uint64
		want   []uint64
	}{
		{0, nil},
		{1, []uint64{1}},
		{2, []uint64{2}},
		{3, []uint64{1, 2}},
		{10, []uint64{2, 8}},
		{63, []uint64{1, 2, 4, 8, 16, 32}},
		{64, []uint64{64}},
	}

	for _, tt := range tests {
		got := SplitAmount(tt.amount)
		assert.Equal(t, tt.want, got, "amount %d", tt.amount)

		var sum uint64
		for _, a := range got {
			sum += a
		}
		assert.Equal(t, tt.amount, sum)
	}
}

func TestProofsHelpers(t *testing.T) {
	proofs := Proofs{
		{Amount: 1, ID: "keyset-a", Secret: "s1"},
		{Amount: 2, ID: "keyset-b", Secret: "s2"},
		{Amount: 4, ID: "keyset-a", Secret: "s3"},
	}

	assert.Equal(t, uint64(7), proofs.Amount())
	assert.Equal(t, []string{"keyset-a", "keyset-b"}, proofs.KeysetIDs())
	assert.Equal(t, []string{"s1", "s2", "s3"}, proofs.Secrets())

	var empty Proofs
	assert.Equal(t, uint64(0), empty.Amount())
	assert.Nil(t, empty.KeysetIDs())
}
