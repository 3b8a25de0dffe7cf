package model

import (
	"fmt"
	"strings"
)

// SplitPair splits a trading pair like "BTC/USDT" into base and quote
// asset symbols.
func SplitPair(pair string) (base, quote string, err error) {
	parts := strings.Split(pair, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed trading pair %q", pair)
	}
	return parts[0], parts[1], nil
}
