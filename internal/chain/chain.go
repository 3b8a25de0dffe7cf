// Package chain abstracts the blockchain deposit/withdrawal executor.
// Transaction construction, signing and confirmation run out of process;
// this side only receives an opaque transaction identifier.
package chain

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/shopspring/decimal"
)

// Service executes on-chain transfers and returns a transaction hash
// once the transfer is accepted by the network side.
type Service interface {
	Deposit(ctx context.Context, userID, asset string, amount decimal.Decimal) (txHash string, err error)
	Withdraw(ctx context.Context, userID, asset string, amount decimal.Decimal, address string) (txHash string, err error)
}

// Simulated is a stand-in Service for development and tests: it accepts
// every transfer and fabricates a hash. Confirmation delay is not
// modeled — callers already treat the hash as opaque.
type Simulated struct{}

// NewSimulated creates a simulated chain service.
func NewSimulated() *Simulated { return &Simulated{} }

func (s *Simulated) Deposit(_ context.Context, _, _ string, _ decimal.Decimal) (string, error) {
	return pseudoHash()
}

func (s *Simulated) Withdraw(_ context.Context, _, _ string, _ decimal.Decimal, _ string) (string, error) {
	return pseudoHash()
}

func pseudoHash() (string, error) {
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("generate tx hash: %w", err)
	}
	return "0x" + hex.EncodeToString(buf[:]), nil
}
