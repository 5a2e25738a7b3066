package models

// MeltQuote is the mint's price for paying a Lightning invoice: the invoice
// amount plus a fee reserve the inputs must cover.
type MeltQuote struct {
	ID         string
	Amount     uint64
	FeeReserve uint64
	Expiry     int64
}

// MeltResult reports the outcome of a melt: whether the invoice was paid
// and any fee-reserve change the mint returned as fresh proofs.
type MeltResult struct {
	Paid     bool
	Preimage string
	Change   Proofs
}
