package decoding

import (
	"context"
	"math/big"
	"reflect"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"txscope/internal/asset"
	"txscope/internal/model"
)

var (
	testUser     = common.HexToAddress("0xc4922d64a24675E16e1586e3e3Aa56C06fABe907")
	testOther    = common.HexToAddress("0x9531C059098e3d194fF87FebB587aB07B30B1306")
	testUSDC     = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	testProtocol = common.HexToAddress("0xBd3fa81B58Ba92a82136038B25aDec7066af3155")
)

func newTestEngine(t *testing.T, tracked ...common.Address) *Engine {
	t.Helper()
	registry := asset.NewStaticRegistry(asset.EthereumNative)
	registry.Register(asset.Token{
		Identifier: asset.TokenIdentifier(1, asset.KindERC20, testUSDC),
		Address:    testUSDC,
		Symbol:     "USDC",
		Name:       "USD Coin",
		Decimals:   6,
		Kind:       asset.KindERC20,
	})
	tools := NewTools(1, "ethereum", registry, zap.NewNop())
	tools.SetTrackedAccounts(tracked)
	return NewEngine(tools, zap.NewNop())
}

func addressTopic(address common.Address) common.Hash {
	return common.BytesToHash(address.Bytes())
}

func uint256Data(value *big.Int) []byte {
	return common.BigToHash(value).Bytes()
}

func transferLog(token, from, to common.Address, amount *big.Int, logIndex uint64) model.TxLog {
	return model.TxLog{
		Address: token,
		Topics: []common.Hash{
			ERC20OrERC721TransferTopic,
			addressTopic(from),
			addressTopic(to),
		},
		Data:     uint256Data(amount),
		LogIndex: logIndex,
	}
}

func testTx() *model.Transaction {
	to := testProtocol
	return &model.Transaction{
		ChainID:     1,
		Hash:        common.HexToHash("0x8d171f693e89a17ff7b1f126b6f9e1e4b9b529ea966c0234b2442bfa29f7bef6"),
		From:        testUser,
		To:          &to,
		Value:       big.NewInt(0),
		Timestamp:   1624395186,
		BlockNumber: 12700000,
		GasUsed:     411028,
		GasPrice:    big.NewInt(1579947029),
	}
}

// stubDecoder is a configurable test double for protocol decoders.
type stubDecoder struct {
	addresses  map[common.Address][]Handler
	inputRules map[[4]byte]map[common.Hash]Handler
	postRules  map[string][]PostDecodingRule
	details    []CounterpartyDetails
}

func (d *stubDecoder) AddressesToDecoders() map[common.Address][]Handler { return d.addresses }
func (d *stubDecoder) Counterparties() []CounterpartyDetails            { return d.details }
func (d *stubDecoder) DecodingByInputData() map[[4]byte]map[common.Hash]Handler {
	return d.inputRules
}
func (d *stubDecoder) PostDecodingRules() map[string][]PostDecodingRule { return d.postRules }

func TestDecodeGasFee(t *testing.T) {
	engine := newTestEngine(t, testUser)
	events, err := engine.DecodeTransaction(context.Background(), testTx(), &model.Receipt{Status: true}, nil)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	gas := events[0]
	if gas.EventType != model.EventTypeSpend || gas.EventSubtype != model.EventSubtypeFee {
		t.Fatalf("unexpected gas event classification: %s/%s", gas.EventType, gas.EventSubtype)
	}
	if gas.SequenceIndex != 0 {
		t.Fatalf("gas event sequence index = %d, want 0", gas.SequenceIndex)
	}
	if gas.Counterparty != CounterpartyGas {
		t.Fatalf("gas event counterparty = %q", gas.Counterparty)
	}
	if want := "0.000649402467435812"; gas.Amount.String() != want {
		t.Fatalf("gas amount = %s, want %s", gas.Amount, want)
	}
}

func TestDecodeFailedTransaction(t *testing.T) {
	engine := newTestEngine(t, testUser)
	receipt := &model.Receipt{
		Status: false,
		Logs:   []model.TxLog{transferLog(testUSDC, testOther, testUser, big.NewInt(5000000), 7)},
	}
	events, err := engine.DecodeTransaction(context.Background(), testTx(), receipt, nil)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("failed tx should only produce the gas event, got %d events", len(events))
	}
	if events[0].EventType != model.EventTypeFail {
		t.Fatalf("event type = %s, want %s", events[0].EventType, model.EventTypeFail)
	}
}

func TestGenericERC20Transfer(t *testing.T) {
	engine := newTestEngine(t, testUser)
	tx := testTx()
	tx.From = testOther // gas paid by someone else
	receipt := &model.Receipt{
		Status: true,
		Logs:   []model.TxLog{transferLog(testUSDC, testOther, testUser, big.NewInt(1839726596), 24)},
	}
	events, err := engine.DecodeTransaction(context.Background(), tx, receipt, nil)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	event := events[0]
	if event.EventType != model.EventTypeReceive {
		t.Fatalf("event type = %s, want receive", event.EventType)
	}
	if want := "1839.726596"; event.Amount.String() != want {
		t.Fatalf("amount = %s, want %s", event.Amount, want)
	}
	if event.SequenceIndex != 24 {
		t.Fatalf("sequence index = %d, want 24 (no pre-decoded events)", event.SequenceIndex)
	}
	if event.LocationLabel != testUser.Hex() {
		t.Fatalf("location label = %s", event.LocationLabel)
	}
}

func TestZeroAmountTransferIsKept(t *testing.T) {
	engine := newTestEngine(t, testUser)
	tx := testTx()
	tx.From = testOther
	receipt := &model.Receipt{
		Status: true,
		Logs:   []model.TxLog{transferLog(testUSDC, testOther, testUser, big.NewInt(0), 3)},
	}
	events, err := engine.DecodeTransaction(context.Background(), tx, receipt, nil)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("zero-amount transfer should still produce an event, got %d", len(events))
	}
	if !events[0].Amount.IsZero() {
		t.Fatalf("amount = %s, want 0", events[0].Amount)
	}
}

func TestSequenceIndexesUniqueAndSorted(t *testing.T) {
	engine := newTestEngine(t, testUser, testOther)
	tx := testTx()
	tx.Value = big.NewInt(1e15)
	receipt := &model.Receipt{
		Status: true,
		Logs: []model.TxLog{
			transferLog(testUSDC, testOther, testUser, big.NewInt(100), 2),
			transferLog(testUSDC, testUser, testOther, big.NewInt(50), 5),
		},
	}
	internal := []*model.InternalTx{{From: testProtocol, To: testUser, Value: big.NewInt(2e15)}}
	events, err := engine.DecodeTransaction(context.Background(), tx, receipt, internal)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(events) != 5 {
		t.Fatalf("expected 5 events (gas, value, internal, 2 transfers), got %d", len(events))
	}
	seen := make(map[uint64]struct{})
	var last uint64
	for i, event := range events {
		if _, dup := seen[event.SequenceIndex]; dup {
			t.Fatalf("duplicate sequence index %d", event.SequenceIndex)
		}
		seen[event.SequenceIndex] = struct{}{}
		if i > 0 && event.SequenceIndex < last {
			t.Fatalf("events not sorted by sequence index at %d", i)
		}
		last = event.SequenceIndex
	}
}

func TestActionItemTransform(t *testing.T) {
	engine := newTestEngine(t, testUser)
	tx := testTx()
	tx.From = testOther
	handler := func(_ context.Context, dctx *DecoderContext) (DecodingOutput, error) {
		amount := decimal.RequireFromString("1839.726596")
		return DecodingOutput{
			ActionItems: []*ActionItem{{
				Action:           ActionTransform,
				FromEventType:    model.EventTypeReceive,
				FromEventSubtype: model.EventSubtypeNone,
				Amount:           &amount,
				ToEventType:      model.EventTypeWithdrawal,
				ToEventSubtype:   model.EventSubtypeBridge,
				ToCounterparty:   "testproto",
				ToNotes:          "Bridge in",
			}},
			MatchedCounterparty: "testproto",
		}, nil
	}
	decoder := &stubDecoder{
		addresses: map[common.Address][]Handler{testProtocol: {handler}},
		details:   []CounterpartyDetails{{Identifier: "testproto", Label: "Test"}},
	}
	if err := engine.Register("testproto", decoder); err != nil {
		t.Fatalf("register: %v", err)
	}
	receipt := &model.Receipt{
		Status: true,
		Logs: []model.TxLog{
			{Address: testProtocol, Topics: []common.Hash{common.HexToHash("0xaa")}, LogIndex: 1},
			transferLog(testUSDC, testOther, testUser, big.NewInt(1839726596), 2),
		},
	}
	events, err := engine.DecodeTransaction(context.Background(), tx, receipt, nil)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	event := events[0]
	if event.EventType != model.EventTypeWithdrawal || event.EventSubtype != model.EventSubtypeBridge {
		t.Fatalf("action item not applied: %s/%s", event.EventType, event.EventSubtype)
	}
	if event.Counterparty != "testproto" || event.Notes != "Bridge in" {
		t.Fatalf("action item fields not applied: %q %q", event.Counterparty, event.Notes)
	}
}

func TestActionItemFirstMatchWins(t *testing.T) {
	engine := newTestEngine(t, testUser)
	tx := testTx()
	tx.From = testOther
	handler := func(_ context.Context, _ *DecoderContext) (DecodingOutput, error) {
		return DecodingOutput{ActionItems: []*ActionItem{{
			Action:           ActionTransform,
			FromEventType:    model.EventTypeReceive,
			FromEventSubtype: model.EventSubtypeNone,
			ToEventSubtype:   model.EventSubtypeReward,
		}}}, nil
	}
	decoder := &stubDecoder{addresses: map[common.Address][]Handler{testProtocol: {handler}}}
	if err := engine.Register("testproto", decoder); err != nil {
		t.Fatalf("register: %v", err)
	}
	receipt := &model.Receipt{
		Status: true,
		Logs: []model.TxLog{
			{Address: testProtocol, Topics: []common.Hash{common.HexToHash("0xaa")}, LogIndex: 0},
			transferLog(testUSDC, testOther, testUser, big.NewInt(1), 1),
			transferLog(testUSDC, testOther, testUser, big.NewInt(2), 2),
		},
	}
	events, err := engine.DecodeTransaction(context.Background(), tx, receipt, nil)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].EventSubtype != model.EventSubtypeReward {
		t.Fatalf("first matching event not transformed: %s", events[0].EventSubtype)
	}
	if events[1].EventSubtype != model.EventSubtypeNone {
		t.Fatalf("consumed item transformed a second event: %s", events[1].EventSubtype)
	}
}

func TestActionItemSkip(t *testing.T) {
	engine := newTestEngine(t, testUser)
	tx := testTx()
	tx.From = testOther
	handler := func(_ context.Context, _ *DecoderContext) (DecodingOutput, error) {
		return DecodingOutput{ActionItems: []*ActionItem{{
			Action:           ActionSkip,
			FromEventType:    model.EventTypeReceive,
			FromEventSubtype: model.EventSubtypeNone,
		}}}, nil
	}
	decoder := &stubDecoder{addresses: map[common.Address][]Handler{testProtocol: {handler}}}
	if err := engine.Register("testproto", decoder); err != nil {
		t.Fatalf("register: %v", err)
	}
	receipt := &model.Receipt{
		Status: true,
		Logs: []model.TxLog{
			{Address: testProtocol, Topics: []common.Hash{common.HexToHash("0xaa")}, LogIndex: 0},
			transferLog(testUSDC, testOther, testUser, big.NewInt(10), 1),
		},
	}
	events, err := engine.DecodeTransaction(context.Background(), tx, receipt, nil)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("skipped event still present: %d events", len(events))
	}
}

func TestHandlerPanicIsolation(t *testing.T) {
	engine := newTestEngine(t, testUser)
	tx := testTx()
	tx.From = testOther
	handler := func(_ context.Context, _ *DecoderContext) (DecodingOutput, error) {
		panic("bad abi assumption")
	}
	decoder := &stubDecoder{addresses: map[common.Address][]Handler{testUSDC: {handler}}}
	if err := engine.Register("testproto", decoder); err != nil {
		t.Fatalf("register: %v", err)
	}
	receipt := &model.Receipt{
		Status: true,
		Logs:   []model.TxLog{transferLog(testUSDC, testOther, testUser, big.NewInt(42), 0)},
	}
	events, err := engine.DecodeTransaction(context.Background(), tx, receipt, nil)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	// The panicking handler is skipped and the generic transfer rule still
	// produces the event.
	if len(events) != 1 || events[0].EventType != model.EventTypeReceive {
		t.Fatalf("expected fallback transfer event, got %v", events)
	}
}

func TestInputDataRulePrecedence(t *testing.T) {
	engine := newTestEngine(t, testUser)
	tx := testTx()
	tx.From = testOther
	tx.Input = []byte{0xde, 0xad, 0xbe, 0xef, 0x01}
	handler := func(_ context.Context, dctx *DecoderContext) (DecodingOutput, error) {
		event := engine.Tools().MakeEventFromLog(dctx, model.HistoryEvent{
			EventType:    model.EventTypeReceive,
			EventSubtype: model.EventSubtypeReward,
			Asset:        asset.TokenIdentifier(1, asset.KindERC20, testUSDC),
			Counterparty: "testproto",
		})
		return DecodingOutput{Event: event}, nil
	}
	decoder := &stubDecoder{
		inputRules: map[[4]byte]map[common.Hash]Handler{
			{0xde, 0xad, 0xbe, 0xef}: {ERC20OrERC721TransferTopic: handler},
		},
	}
	if err := engine.Register("testproto", decoder); err != nil {
		t.Fatalf("register: %v", err)
	}
	receipt := &model.Receipt{
		Status: true,
		Logs:   []model.TxLog{transferLog(testUSDC, testOther, testUser, big.NewInt(9), 0)},
	}
	events, err := engine.DecodeTransaction(context.Background(), tx, receipt, nil)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].EventSubtype != model.EventSubtypeReward {
		t.Fatalf("input data rule did not take precedence over generic decoding")
	}
}

func TestPostDecodingRules(t *testing.T) {
	engine := newTestEngine(t, testUser)
	tx := testTx()
	tx.From = testOther
	var order []int
	makeRule := func(n int) PostDecodingHandler {
		return func(_ context.Context, _ *model.Transaction, events []*model.HistoryEvent, _ []model.TxLog) ([]*model.HistoryEvent, error) {
			order = append(order, n)
			return events, nil
		}
	}
	handler := func(_ context.Context, _ *DecoderContext) (DecodingOutput, error) {
		return DecodingOutput{MatchedCounterparty: "testproto"}, nil
	}
	decoder := &stubDecoder{
		addresses: map[common.Address][]Handler{testProtocol: {handler}},
		postRules: map[string][]PostDecodingRule{
			"testproto": {
				{Priority: 2, Rule: makeRule(2)},
				{Priority: 1, Rule: makeRule(1)},
			},
		},
	}
	if err := engine.Register("testproto", decoder); err != nil {
		t.Fatalf("register: %v", err)
	}
	receipt := &model.Receipt{
		Status: true,
		Logs:   []model.TxLog{{Address: testProtocol, Topics: []common.Hash{common.HexToHash("0xaa")}, LogIndex: 0}},
	}
	if _, err := engine.DecodeTransaction(context.Background(), tx, receipt, nil); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(order, []int{1, 2}) {
		t.Fatalf("post-decoding rules ran in order %v, want ascending priority", order)
	}
}

func TestDecodeIsDeterministic(t *testing.T) {
	tx := testTx()
	tx.Value = big.NewInt(3e15)
	receipt := &model.Receipt{
		Status: true,
		Logs: []model.TxLog{
			transferLog(testUSDC, testUser, testOther, big.NewInt(77), 1),
			transferLog(testUSDC, testOther, testUser, big.NewInt(88), 4),
		},
	}
	var first []map[string]any
	for run := 0; run < 3; run++ {
		engine := newTestEngine(t, testUser)
		events, err := engine.DecodeTransaction(context.Background(), tx, receipt, nil)
		if err != nil {
			t.Fatalf("decode run %d: %v", run, err)
		}
		serialized := make([]map[string]any, len(events))
		for i, event := range events {
			serialized[i] = event.Serialize()
		}
		if run == 0 {
			first = serialized
			continue
		}
		if !reflect.DeepEqual(first, serialized) {
			t.Fatalf("run %d produced different events", run)
		}
	}
}

func TestActionItemOnlyOutputKeepsGenericTransfer(t *testing.T) {
	engine := newTestEngine(t, testUser)
	tx := testTx()
	tx.From = testOther
	handler := func(_ context.Context, dctx *DecoderContext) (DecodingOutput, error) {
		if dctx.TxLog.Topic0() != ERC20OrERC721TransferTopic {
			return DefaultDecodingOutput, nil
		}
		return DecodingOutput{
			ActionItems: []*ActionItem{{
				Action:           ActionTransform,
				FromEventType:    model.EventTypeReceive,
				FromEventSubtype: model.EventSubtypeNone,
				Asset:            asset.TokenIdentifier(1, asset.KindERC20, testUSDC),
				ToEventType:      model.EventTypeReceive,
				ToEventSubtype:   model.EventSubtypeReward,
				ToCounterparty:   "testproto",
			}},
			MatchedCounterparty: "testproto",
		}, nil
	}
	decoder := &stubDecoder{addresses: map[common.Address][]Handler{testUSDC: {handler}}}
	if err := engine.Register("testproto", decoder); err != nil {
		t.Fatalf("register: %v", err)
	}
	receipt := &model.Receipt{
		Status: true,
		Logs:   []model.TxLog{transferLog(testUSDC, testOther, testUser, big.NewInt(1500000), 0)},
	}
	events, err := engine.DecodeTransaction(context.Background(), tx, receipt, nil)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	// The address handler only queued an action item, so the generic rule
	// must still produce the transfer the item targets.
	if len(events) != 1 {
		t.Fatalf("expected 1 transformed transfer event, got %d", len(events))
	}
	got := events[0]
	if got.EventType != model.EventTypeReceive || got.EventSubtype != model.EventSubtypeReward {
		t.Fatalf("transfer was not decoded and transformed: %s/%s", got.EventType, got.EventSubtype)
	}
	if got.Counterparty != "testproto" {
		t.Fatalf("counterparty = %q", got.Counterparty)
	}
}

func TestConcurrentDecodesKeepSequenceIndexes(t *testing.T) {
	engine := newTestEngine(t, testUser)
	tx := testTx()
	receipt := &model.Receipt{
		Status: true,
		Logs: []model.TxLog{
			transferLog(testUSDC, testUser, testOther, big.NewInt(1000), 2),
			transferLog(testUSDC, testOther, testUser, big.NewInt(2000), 5),
		},
	}
	reference, err := engine.DecodeTransaction(context.Background(), tx, receipt, nil)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	const workers = 8
	results := make([][]*model.HistoryEvent, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = engine.DecodeTransaction(context.Background(), tx, receipt, nil)
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			t.Fatalf("worker %d: %v", i, errs[i])
		}
		if len(results[i]) != len(reference) {
			t.Fatalf("worker %d decoded %d events, want %d", i, len(results[i]), len(reference))
		}
		seen := make(map[uint64]struct{}, len(results[i]))
		for j, event := range results[i] {
			if _, dup := seen[event.SequenceIndex]; dup {
				t.Fatalf("worker %d: duplicate sequence index %d", i, event.SequenceIndex)
			}
			seen[event.SequenceIndex] = struct{}{}
			if event.SequenceIndex != reference[j].SequenceIndex {
				t.Fatalf("worker %d event %d: sequence index %d, want %d", i, j, event.SequenceIndex, reference[j].SequenceIndex)
			}
		}
	}
}
