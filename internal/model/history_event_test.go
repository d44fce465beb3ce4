package model

import (
	"encoding/json"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

func TestHistoryEventSerializeRoundTrip(t *testing.T) {
	address := common.HexToAddress("0xc4922d64a24675E16e1586e3e3Aa56C06fABe907")
	original := HistoryEvent{
		TxHash:        common.HexToHash("0xac7bb45f"),
		SequenceIndex: 42,
		Timestamp:     1700000000,
		EventType:     EventTypeDeposit,
		EventSubtype:  EventSubtypeBridge,
		Asset:         "eip155:1/erc20:0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
		Amount:        decimal.RequireFromString("1839.726596"),
		Location:      "ethereum",
		LocationLabel: "0x2222222222222222222222222222222222222222",
		Counterparty:  "cctp",
		Address:       &address,
		Notes:         "Bridge 1839.726596 USDC via CCTP",
	}

	decoded, err := DeserializeHistoryEvent(original.Serialize())
	if err != nil {
		t.Fatalf("deserialize failed: %v", err)
	}

	if decoded.EventType != original.EventType || decoded.EventSubtype != original.EventSubtype {
		t.Fatalf("type mismatch: %+v", decoded)
	}
	if decoded.Asset != original.Asset {
		t.Fatalf("asset mismatch: %s", decoded.Asset)
	}
	if !decoded.Amount.Equal(original.Amount) {
		t.Fatalf("amount mismatch: %s", decoded.Amount)
	}
	if decoded.Counterparty != original.Counterparty {
		t.Fatalf("counterparty mismatch: %s", decoded.Counterparty)
	}
	if decoded.TxHash != original.TxHash || decoded.SequenceIndex != original.SequenceIndex {
		t.Fatalf("identity mismatch: %+v", decoded)
	}
	if *decoded.Address != address {
		t.Fatalf("address mismatch: %s", decoded.Address.Hex())
	}
}

func TestHistoryEventJSONRoundTrip(t *testing.T) {
	original := HistoryEvent{
		TxHash:        common.HexToHash("0xd7e237d0"),
		SequenceIndex: 3,
		Timestamp:     1699999999,
		EventType:     EventTypeReceive,
		EventSubtype:  EventSubtypeReceiveWrapped,
		Asset:         "eip155:1/erc20:0x1111111111111111111111111111111111111111",
		Amount:        decimal.RequireFromString("0.000649402467435812"),
		Location:      "ethereum",
		Counterparty:  "curve",
	}

	b, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var decoded HistoryEvent
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	if decoded.EventType != original.EventType ||
		decoded.EventSubtype != original.EventSubtype ||
		decoded.Asset != original.Asset ||
		!decoded.Amount.Equal(original.Amount) ||
		decoded.Counterparty != original.Counterparty {
		t.Fatalf("round-trip mismatch: %+v != %+v", decoded, original)
	}
}
