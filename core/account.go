package core

import "math/big"

// Account is the per-address state the ledger tracks. It is created lazily
// on first credit (by a Receive).
type Account struct {
	Balance            *big.Int `json:"balance"`
	Head               Hash     `json:"head"`
	BlockCount         uint64   `json:"block_count"`
	Representative     *Address `json:"representative,omitempty"`
	ModifiedTimestamp  uint64   `json:"modified_timestamp"`
}

func newAccount() *Account {
	return &Account{Balance: big.NewInt(0), Head: Sentinel}
}

func (a *Account) clone() *Account {
	cp := *a
	cp.Balance = new(big.Int).Set(a.Balance)
	return &cp
}
