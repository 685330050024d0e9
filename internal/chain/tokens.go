package chain

import (
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// BEP-20 contracts on BNB Smart Chain mainnet.
const (
	BSCUSDTContract = "0x55d398326f99059fF775485246999027B3197955"
	BSCUSDCContract = "0x8AC76a51cc950d9822D68b83fE1Ad97B32Cd580d"
)

// Token is a supported asset: its symbol and the contract that issues it.
type Token struct {
	Symbol   string
	Contract common.Address
}

// Registry is the fixed set of supported assets, keyed by upper-case symbol.
// It is immutable after construction.
type Registry struct {
	tokens map[string]Token
}

// NewRegistry builds a registry. Later entries replace earlier ones with the
// same symbol.
func NewRegistry(tokens ...Token) *Registry {
	r := &Registry{tokens: make(map[string]Token, len(tokens))}
	for _, t := range tokens {
		t.Symbol = strings.ToUpper(strings.TrimSpace(t.Symbol))
		r.tokens[t.Symbol] = t
	}
	return r
}

// NewRegistryFromHex builds a registry from symbol -> contract hex strings,
// skipping entries without a valid contract address.
func NewRegistryFromHex(contracts map[string]string) *Registry {
	tokens := make([]Token, 0, len(contracts))
	for sym, addr := range contracts {
		if !common.IsHexAddress(addr) {
			continue
		}
		tokens = append(tokens, Token{Symbol: sym, Contract: common.HexToAddress(addr)})
	}
	return NewRegistry(tokens...)
}

// Lookup finds a token by symbol, case-insensitively.
func (r *Registry) Lookup(symbol string) (Token, bool) {
	t, ok := r.tokens[strings.ToUpper(strings.TrimSpace(symbol))]
	return t, ok
}

// Supported reports whether symbol names a registered asset.
func (r *Registry) Supported(symbol string) bool {
	_, ok := r.Lookup(symbol)
	return ok
}

// Symbols returns the registered symbols in sorted order.
func (r *Registry) Symbols() []string {
	out := make([]string, 0, len(r.tokens))
	for s := range r.tokens {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Tokens returns the registered tokens ordered by symbol.
func (r *Registry) Tokens() []Token {
	syms := r.Symbols()
	out := make([]Token, 0, len(syms))
	for _, s := range syms {
		out = append(out, r.tokens[s])
	}
	return out
}
