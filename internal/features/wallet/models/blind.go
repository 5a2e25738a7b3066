package models

// BlindedMessage is an output submitted to the mint for signing. B_ is the
// blinded point in compressed hex.
type BlindedMessage struct {
	Amount uint64 `json:"amount"`
	ID     string `json:"id"`
	B      string `json:"B_"`
}

type BlindedMessages []BlindedMessage

// Amount returns the total value of the blinded messages.
func (ms BlindedMessages) Amount() uint64 {
	var total uint64
	for _, m := range ms {
		total += m.Amount
	}
	return total
}

// BlindedSignature is the mint's signature over a blinded message. C_ is the
// signed blinded point in compressed hex.
type BlindedSignature struct {
	Amount uint64 `json:"amount"`
	ID     string `json:"id"`
	C      string `json:"C_"`
}

type BlindedSignatures []BlindedSignature

// ProofStateValue is the spend state the mint reports for a proof.
type ProofStateValue string

const (
	ProofStateUnspent ProofStateValue = "UNSPENT"
	ProofStatePending ProofStateValue = "PENDING"
	ProofStateSpent   ProofStateValue = "SPENT"
)

// ProofState pairs a proof's Y point with its reported spend state.
type ProofState struct {
	Y     string          `json:"Y"`
	State ProofStateValue `json:"state"`
}

// SplitAmount decomposes an amount into the power-of-two denominations the
// mint signs, smallest first.
func SplitAmount(amount uint64) []uint64 {
	var amounts []uint64
	for bit := 0; bit < 64; bit++ {
		if amount&(1<<bit) != 0 {
			amounts = append(amounts, 1<<bit)
		}
	}
	return amounts
}
