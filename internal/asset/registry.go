package asset

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// ErrUnknownAsset is returned when a token address cannot be resolved to a
// conformant token. Callers skip the affected event and keep decoding.
var ErrUnknownAsset = errors.New("unknown asset")

// TokenKind discriminates fungible from collectible tokens.
type TokenKind string

const (
	KindERC20  TokenKind = "erc20"
	KindERC721 TokenKind = "erc721"
	KindNative TokenKind = "native"
)

// Token describes one resolvable asset on a chain.
type Token struct {
	Identifier string
	Address    common.Address
	Symbol     string
	Name       string
	Decimals   uint8
	Kind       TokenKind
	Protocol   string
}

// Registry resolves token addresses to assets. Implementations must tolerate
// concurrent reads and concurrent upsert-if-absent of newly seen tokens.
type Registry interface {
	// GetOrCreateToken resolves the token at the address, creating a registry
	// entry when first encountered. Returns ErrUnknownAsset for contracts
	// that cannot be resolved to a conformant token.
	GetOrCreateToken(ctx context.Context, address common.Address) (Token, error)
	// NativeToken returns the chain's value-transfer and gas asset.
	NativeToken() Token
}

// TokenIdentifier builds the canonical identifier for a token address.
func TokenIdentifier(chainID uint64, kind TokenKind, address common.Address) string {
	return fmt.Sprintf("eip155:%d/%s:%s", chainID, kind, strings.ToLower(address.Hex()))
}

// StaticRegistry is a map-backed Registry. The decode CLI preloads it from
// config and tests seed it directly; an RPC-backed resolver would satisfy the
// same interface.
type StaticRegistry struct {
	mu     sync.RWMutex
	tokens map[common.Address]Token
	native Token
}

// NewStaticRegistry creates a registry with the given native asset.
func NewStaticRegistry(native Token) *StaticRegistry {
	return &StaticRegistry{
		tokens: make(map[common.Address]Token),
		native: native,
	}
}

// Register adds or replaces a token entry.
func (r *StaticRegistry) Register(token Token) {
	r.mu.Lock()
	r.tokens[token.Address] = token
	r.mu.Unlock()
}

// GetOrCreateToken returns the registered token for the address.
func (r *StaticRegistry) GetOrCreateToken(_ context.Context, address common.Address) (Token, error) {
	r.mu.RLock()
	token, ok := r.tokens[address]
	r.mu.RUnlock()
	if !ok {
		return Token{}, fmt.Errorf("%w: %s", ErrUnknownAsset, address.Hex())
	}
	return token, nil
}

// NativeToken returns the chain's native asset.
func (r *StaticRegistry) NativeToken() Token {
	return r.native
}

// EthereumNative is the native asset used by mainnet decoders and tests.
var EthereumNative = Token{
	Identifier: "ETH",
	Symbol:     "ETH",
	Name:       "Ether",
	Decimals:   18,
	Kind:       KindNative,
}
