package model

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// HistoryEvent is the accounting-relevant output unit of decoding. It is
// mutable while its transaction is being decoded (protocol decoders rewrite
// type, subtype, counterparty and notes in place) and treated as immutable
// once DecodeTransaction returns.
//
// (TxHash, SequenceIndex) is unique within a transaction.
type HistoryEvent struct {
	TxHash        common.Hash     `json:"tx_hash"`
	SequenceIndex uint64          `json:"sequence_index"`
	Timestamp     uint64          `json:"timestamp"`
	EventType     EventType       `json:"event_type"`
	EventSubtype  EventSubtype    `json:"event_subtype"`
	Asset         string          `json:"asset"`
	Amount        decimal.Decimal `json:"amount"`
	Location      string          `json:"location"`
	LocationLabel string          `json:"location_label,omitempty"`
	Counterparty  string          `json:"counterparty,omitempty"`
	Address       *common.Address `json:"address,omitempty"`
	Notes         string          `json:"notes,omitempty"`
	ExtraData     map[string]any  `json:"extra_data,omitempty"`
	Product       string          `json:"product,omitempty"`
}

// Serialize returns the flat wire/DB-stable mapping consumed downstream.
// Amounts are rendered as decimal strings to avoid float drift.
func (e *HistoryEvent) Serialize() map[string]any {
	out := map[string]any{
		"tx_hash":        e.TxHash.Hex(),
		"sequence_index": e.SequenceIndex,
		"timestamp":      e.Timestamp,
		"event_type":     string(e.EventType),
		"event_subtype":  string(e.EventSubtype),
		"asset":          e.Asset,
		"amount":         e.Amount.String(),
		"location":       e.Location,
	}
	if e.LocationLabel != "" {
		out["location_label"] = e.LocationLabel
	}
	if e.Counterparty != "" {
		out["counterparty"] = e.Counterparty
	}
	if e.Address != nil {
		out["address"] = e.Address.Hex()
	}
	if e.Notes != "" {
		out["notes"] = e.Notes
	}
	if e.ExtraData != nil {
		out["extra_data"] = e.ExtraData
	}
	if e.Product != "" {
		out["product"] = e.Product
	}
	return out
}

// DeserializeHistoryEvent rebuilds a HistoryEvent from its flat mapping.
func DeserializeHistoryEvent(data map[string]any) (*HistoryEvent, error) {
	event := &HistoryEvent{}

	txHash, err := stringField(data, "tx_hash")
	if err != nil {
		return nil, err
	}
	event.TxHash = common.HexToHash(txHash)

	if event.SequenceIndex, err = uintField(data, "sequence_index"); err != nil {
		return nil, err
	}
	if event.Timestamp, err = uintField(data, "timestamp"); err != nil {
		return nil, err
	}

	eventType, err := stringField(data, "event_type")
	if err != nil {
		return nil, err
	}
	event.EventType = EventType(eventType)

	eventSubtype, err := stringField(data, "event_subtype")
	if err != nil {
		return nil, err
	}
	event.EventSubtype = EventSubtype(eventSubtype)

	if event.Asset, err = stringField(data, "asset"); err != nil {
		return nil, err
	}

	amount, err := stringField(data, "amount")
	if err != nil {
		return nil, err
	}
	if event.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", amount, err)
	}

	if event.Location, err = stringField(data, "location"); err != nil {
		return nil, err
	}

	if label, ok := data["location_label"].(string); ok {
		event.LocationLabel = label
	}
	if counterparty, ok := data["counterparty"].(string); ok {
		event.Counterparty = counterparty
	}
	if address, ok := data["address"].(string); ok {
		parsed := common.HexToAddress(address)
		event.Address = &parsed
	}
	if notes, ok := data["notes"].(string); ok {
		event.Notes = notes
	}
	if extra, ok := data["extra_data"].(map[string]any); ok {
		event.ExtraData = extra
	}
	if product, ok := data["product"].(string); ok {
		event.Product = product
	}
	return event, nil
}

// MarshalJSON encodes the event via its flat mapping so file output and the
// Serialize shape stay identical.
func (e HistoryEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.Serialize())
}

// UnmarshalJSON decodes an event from its flat mapping.
func (e *HistoryEvent) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	decoded, err := DeserializeHistoryEvent(raw)
	if err != nil {
		return err
	}
	*e = *decoded
	return nil
}

func stringField(data map[string]any, key string) (string, error) {
	value, ok := data[key].(string)
	if !ok {
		return "", fmt.Errorf("missing or non-string field %q", key)
	}
	return value, nil
}

func uintField(data map[string]any, key string) (uint64, error) {
	switch value := data[key].(type) {
	case uint64:
		return value, nil
	case int:
		return uint64(value), nil
	case float64:
		return uint64(value), nil
	case json.Number:
		parsed, err := value.Int64()
		if err != nil {
			return 0, fmt.Errorf("parse field %q: %w", key, err)
		}
		return uint64(parsed), nil
	default:
		return 0, fmt.Errorf("missing or non-numeric field %q", key)
	}
}
