package decoding

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"txscope/internal/model"
)

// Handler decodes or transforms events for one log. A handler invoked with a
// log that does not match its expected signature must return
// DefaultDecodingOutput rather than an error: the routing table may map one
// address to several candidate handlers that each self-filter on topics[0].
type Handler func(ctx context.Context, dctx *DecoderContext) (DecodingOutput, error)

// Decoder is the base contract every protocol decoder implements.
type Decoder interface {
	// AddressesToDecoders returns the contract address routing table.
	// It is consulted once per registration (or after ReloadData).
	AddressesToDecoders() map[common.Address][]Handler
	// Counterparties describes the protocols this decoder attributes
	// events to.
	Counterparties() []CounterpartyDetails
}

// PostDecodingHandler runs after all per-log handlers, over the complete
// event list, and returns the (possibly modified) list.
type PostDecodingHandler func(ctx context.Context, tx *model.Transaction, events []*model.HistoryEvent, allLogs []model.TxLog) ([]*model.HistoryEvent, error)

// PostDecodingRule pairs a second-pass hook with its priority. Rules run in
// ascending priority order.
type PostDecodingRule struct {
	Priority int
	Rule     PostDecodingHandler
}

// PostDecoder is implemented by decoders whose semantics only resolve after
// seeing the whole transaction.
type PostDecoder interface {
	// PostDecodingRules maps counterparty identifiers to second-pass hooks,
	// triggered when the counterparty was matched during log decoding.
	PostDecodingRules() map[string][]PostDecodingRule
}

// Reloadable is implemented by decoders whose address universe grows over
// time (vault registries and the like). ReloadData may be slow; the engine
// rate-limits it through the decoder's cache staleness flag.
type Reloadable interface {
	// ReloadData re-derives the routing table, refreshing the underlying
	// cache when stale. Returns nil when nothing changed.
	ReloadData(ctx context.Context) (map[common.Address][]Handler, error)
}

// InputDataDecoder routes by the transaction's 4-byte method selector, for
// cases where the same event topic means different things depending on the
// top-level method invoked.
type InputDataDecoder interface {
	// DecodingByInputData maps selector to topic0 to handler.
	DecodingByInputData() map[[4]byte]map[common.Hash]Handler
}

// CounterpartyMapper optionally associates contract addresses with a
// counterparty, so post-decoding rules also trigger when the transaction's
// target address belongs to the protocol.
type CounterpartyMapper interface {
	AddressesToCounterparties() map[common.Address]string
}
