package decoding

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"txscope/internal/model"
)

// DecoderContext is the per-invocation bundle handed to a handler. It exists
// only for the duration of one decoder call; handlers must not retain it.
type DecoderContext struct {
	TxLog       *model.TxLog
	Transaction *model.Transaction
	AllLogs     []model.TxLog
	// Sequencer is the sequence-index counter owned by this transaction's
	// decode call.
	Sequencer *Sequencer
	// DecodedEvents is the mutable event list decoded so far. Handlers may
	// rewrite events in place but must not reorder or remove entries; the
	// engine owns the list.
	DecodedEvents []*model.HistoryEvent
	// ActionItems is a read-only view of the outstanding deferred
	// transformations. New items are returned via DecodingOutput.
	ActionItems []*ActionItem
}

// ActionKind selects what happens when an ActionItem matches an event.
type ActionKind int

const (
	// ActionTransform mutates the first matching event in place.
	ActionTransform ActionKind = iota
	// ActionSkip removes the first matching event.
	ActionSkip
	// ActionSkipAndKeep leaves the matching event untouched and keeps the
	// item queued, to propagate information between handlers.
	ActionSkipAndKeep
)

// ActionItem is a deferred match-and-transform rule. It is created by a
// handler for one log and consumed when an event produced by another log
// matches its predicate. Unconsumed items at the end of a transaction are
// discarded silently.
type ActionItem struct {
	Action           ActionKind
	FromEventType    model.EventType
	FromEventSubtype model.EventSubtype
	Asset            string           // empty matches any asset
	Amount           *decimal.Decimal // nil matches any amount
	LocationLabel    string           // empty matches any label

	ToEventType     model.EventType    // empty leaves the field unchanged
	ToEventSubtype  model.EventSubtype // same
	ToNotes         string
	ToCounterparty  string
	ToAddress       *common.Address
	ToLocationLabel string
	ToProduct       string
	ExtraData       map[string]any

	// PairedEvents keeps the transformed event adjacent to already-known
	// partner events. PairedEventsFirst places the partners before it.
	PairedEvents      []*model.HistoryEvent
	PairedEventsFirst bool

	// seen tracks events already inspected by a skip-and-keep item so the
	// engine's repeated scans do not match the same event twice.
	seen map[*model.HistoryEvent]struct{}
}

// Matches reports whether the event satisfies the item's predicate.
func (a *ActionItem) Matches(event *model.HistoryEvent) bool {
	if event.EventType != a.FromEventType || event.EventSubtype != a.FromEventSubtype {
		return false
	}
	if a.Asset != "" && event.Asset != a.Asset {
		return false
	}
	if a.Amount != nil && !event.Amount.Equal(*a.Amount) {
		return false
	}
	if a.LocationLabel != "" && event.LocationLabel != a.LocationLabel {
		return false
	}
	return true
}

// Apply performs the item's transformation on the event.
func (a *ActionItem) Apply(event *model.HistoryEvent) {
	if a.ToEventType != "" {
		event.EventType = a.ToEventType
	}
	if a.ToEventSubtype != "" {
		event.EventSubtype = a.ToEventSubtype
	}
	if a.ToNotes != "" {
		event.Notes = a.ToNotes
	}
	if a.ToCounterparty != "" {
		event.Counterparty = a.ToCounterparty
	}
	if a.ToAddress != nil {
		event.Address = a.ToAddress
	}
	if a.ToLocationLabel != "" {
		event.LocationLabel = a.ToLocationLabel
	}
	if a.ToProduct != "" {
		event.Product = a.ToProduct
	}
	if a.ExtraData != nil {
		event.ExtraData = a.ExtraData
	}
}

// DecodingOutput is the result of one handler invocation.
type DecodingOutput struct {
	// Event is a new event to append, or nil.
	Event *model.HistoryEvent
	// ActionItems are deferred transformations to enqueue.
	ActionItems []*ActionItem
	// MatchedCounterparty marks the protocol whose post-decoding rules
	// should run for this transaction.
	MatchedCounterparty string
	// ReloadDecoders asks the engine to reload the named decoders' routing
	// tables after this transaction.
	ReloadDecoders []string
}

// DefaultDecodingOutput is the sentinel no-op result. Handlers return it when
// the log does not match their expected shape.
var DefaultDecodingOutput = DecodingOutput{}

// CounterpartyDetails is the static self-description of a protocol.
type CounterpartyDetails struct {
	Identifier string `json:"identifier"`
	Label      string `json:"label"`
	Icon       string `json:"icon,omitempty"`
}
