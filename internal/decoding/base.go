package decoding

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"txscope/internal/asset"
	"txscope/internal/model"
)

// Tools carries the chain-wide decoding collaborators (asset registry,
// tracked accounts) and offers the event construction helpers shared by the
// engine and the protocol decoders. It holds no per-transaction state, so
// one instance serves concurrent decodes.
type Tools struct {
	registry asset.Registry
	chainID  uint64
	location string
	logger   *zap.Logger

	mu      sync.RWMutex
	tracked map[common.Address]struct{}
}

// NewTools creates decoder tools for one chain.
func NewTools(chainID uint64, location string, registry asset.Registry, logger *zap.Logger) *Tools {
	return &Tools{
		registry: registry,
		chainID:  chainID,
		location: location,
		logger:   logger,
		tracked:  make(map[common.Address]struct{}),
	}
}

// SetTrackedAccounts replaces the set of accounts whose value movements
// produce events.
func (t *Tools) SetTrackedAccounts(accounts []common.Address) {
	t.mu.Lock()
	t.tracked = make(map[common.Address]struct{}, len(accounts))
	for _, account := range accounts {
		t.tracked[account] = struct{}{}
	}
	t.mu.Unlock()
}

// IsTracked reports whether the address belongs to a tracked account.
func (t *Tools) IsTracked(address common.Address) bool {
	t.mu.RLock()
	_, ok := t.tracked[address]
	t.mu.RUnlock()
	return ok
}

// AnyTracked reports whether any of the addresses is tracked.
func (t *Tools) AnyTracked(addresses ...common.Address) bool {
	for _, address := range addresses {
		if t.IsTracked(address) {
			return true
		}
	}
	return false
}

// Location returns the chain name used as the events' location.
func (t *Tools) Location() string {
	return t.location
}

// ChainID returns the chain this Tools instance decodes for.
func (t *Tools) ChainID() uint64 {
	return t.chainID
}

// NativeToken returns the chain's gas and value-transfer asset.
func (t *Tools) NativeToken() asset.Token {
	return t.registry.NativeToken()
}

// GetOrCreateToken resolves a token address through the registry.
func (t *Tools) GetOrCreateToken(ctx context.Context, address common.Address) (asset.Token, error) {
	return t.registry.GetOrCreateToken(ctx, address)
}

// Sequencer assigns the sequence indexes for one transaction's decode.
// Pre-decoding events take 0..preCounter-1, log-derived events take
// preCounter+logIndex, and synthetic late events start after the highest
// possible log slot. Every DecodeTransaction call owns its own instance, so
// concurrent decodes never share counter state.
type Sequencer struct {
	preCounter   uint64
	lastLogIndex uint64
	postCounter  uint64
}

// NewSequencer creates the sequence counter for one receipt.
func NewSequencer(receipt *model.Receipt) *Sequencer {
	s := &Sequencer{}
	if len(receipt.Logs) > 0 {
		s.lastLogIndex = receipt.Logs[len(receipt.Logs)-1].LogIndex
	}
	return s
}

// NextIndexPreDecoding returns the sequence index for events synthesized
// before the log loop runs (gas, native transfers).
func (s *Sequencer) NextIndexPreDecoding() uint64 {
	index := s.preCounter
	s.preCounter++
	return index
}

// SequenceIndex returns the sequence index for an event tied to a log.
// Must be used at most once per log to keep indexes unique.
func (s *Sequencer) SequenceIndex(txLog *model.TxLog) uint64 {
	return s.preCounter + txLog.LogIndex
}

// NextSequenceIndex returns a sequence index placed after every log slot,
// for synthetic events created late in decoding.
func (s *Sequencer) NextSequenceIndex() uint64 {
	index := s.preCounter + s.lastLogIndex + 1 + s.postCounter
	s.postCounter++
	return index
}

// DirectionResult describes how a value movement relates to the tracked
// accounts.
type DirectionResult struct {
	EventType     model.EventType
	EventSubtype  model.EventSubtype
	LocationLabel common.Address
	Address       common.Address
	Verb          string
}

// DecodeDirection classifies a from/to pair against the tracked accounts.
// Returns false when neither side is tracked.
func (t *Tools) DecodeDirection(from, to common.Address) (DirectionResult, bool) {
	fromTracked := t.IsTracked(from)
	toTracked := t.IsTracked(to)
	switch {
	case fromTracked && toTracked:
		return DirectionResult{
			EventType:     model.EventTypeTransfer,
			EventSubtype:  model.EventSubtypeNone,
			LocationLabel: from,
			Address:       to,
			Verb:          "Transfer",
		}, true
	case fromTracked:
		return DirectionResult{
			EventType:     model.EventTypeSpend,
			EventSubtype:  model.EventSubtypeNone,
			LocationLabel: from,
			Address:       to,
			Verb:          "Send",
		}, true
	case toTracked:
		return DirectionResult{
			EventType:     model.EventTypeReceive,
			EventSubtype:  model.EventSubtypeNone,
			LocationLabel: to,
			Address:       from,
			Verb:          "Receive",
		}, true
	default:
		return DirectionResult{}, false
	}
}

// MakeEvent fills in the transaction identity and location for an event
// built by a decoder. The caller provides the sequence index.
func (t *Tools) MakeEvent(tx *model.Transaction, sequenceIndex uint64, event model.HistoryEvent) *model.HistoryEvent {
	event.TxHash = tx.Hash
	event.SequenceIndex = sequenceIndex
	event.Timestamp = tx.Timestamp
	event.Location = t.location
	return &event
}

// MakeEventFromLog builds an event whose sequence index derives from the
// context's log index. Must be used at most once per log.
func (t *Tools) MakeEventFromLog(dctx *DecoderContext, event model.HistoryEvent) *model.HistoryEvent {
	return t.MakeEvent(dctx.Transaction, dctx.Sequencer.SequenceIndex(dctx.TxLog), event)
}

// MakeEventNextIndex builds an event placed after all log-derived ones.
func (t *Tools) MakeEventNextIndex(dctx *DecoderContext, event model.HistoryEvent) *model.HistoryEvent {
	return t.MakeEvent(dctx.Transaction, dctx.Sequencer.NextSequenceIndex(), event)
}

// DecodeERC20721Transfer turns a Transfer log of a known token into a
// baseline event. Returns nil when no tracked account is involved.
//
// Zero-amount transfers still produce an event: some protocols signal state
// purely through zero-value log emission.
func (t *Tools) DecodeERC20721Transfer(token asset.Token, dctx *DecoderContext) (*model.HistoryEvent, error) {
	txLog := dctx.TxLog
	if len(txLog.Topics) < 3 {
		return nil, fmt.Errorf("transfer log with %d topics", len(txLog.Topics))
	}
	from := common.BytesToAddress(txLog.Topics[1][12:])
	to := common.BytesToAddress(txLog.Topics[2][12:])
	direction, ok := t.DecodeDirection(from, to)
	if !ok {
		return nil, nil
	}

	var amount decimal.Decimal
	var notes string
	counterpartyOrAddress := direction.Address.Hex()
	if token.Kind == asset.KindERC721 {
		if len(txLog.Topics) < 4 {
			return nil, fmt.Errorf("erc721 transfer log with %d topics", len(txLog.Topics))
		}
		amount = decimal.NewFromInt(1)
		tokenID := new(big.Int).SetBytes(txLog.Topics[3][:])
		name := token.Name
		if name == "" {
			name = "ERC721 token"
		}
		if direction.EventType.IsOutgoing() {
			notes = fmt.Sprintf("%s %s with id %s from %s to %s", direction.Verb, name, tokenID, direction.LocationLabel.Hex(), counterpartyOrAddress)
		} else {
			notes = fmt.Sprintf("%s %s with id %s from %s to %s", direction.Verb, name, tokenID, counterpartyOrAddress, direction.LocationLabel.Hex())
		}
	} else {
		if len(txLog.Data) < 32 {
			return nil, fmt.Errorf("transfer log with %d data bytes", len(txLog.Data))
		}
		raw := new(big.Int).SetBytes(txLog.Data[:32])
		amount = asset.TokenAmount(raw, token.Decimals)
		if direction.EventType.IsOutgoing() {
			notes = fmt.Sprintf("%s %s %s from %s to %s", direction.Verb, amount, token.Symbol, direction.LocationLabel.Hex(), counterpartyOrAddress)
		} else {
			notes = fmt.Sprintf("%s %s %s from %s to %s", direction.Verb, amount, token.Symbol, counterpartyOrAddress, direction.LocationLabel.Hex())
		}
	}

	address := direction.Address
	return t.MakeEventFromLog(dctx, model.HistoryEvent{
		EventType:     direction.EventType,
		EventSubtype:  direction.EventSubtype,
		Asset:         token.Identifier,
		Amount:        amount,
		LocationLabel: direction.LocationLabel.Hex(),
		Address:       &address,
		Notes:         notes,
	}), nil
}
