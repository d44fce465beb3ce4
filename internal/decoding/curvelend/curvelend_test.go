package curvelend

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"txscope/internal/asset"
	"txscope/internal/cache"
	"txscope/internal/decoding"
	"txscope/internal/model"
)

var (
	testUser       = common.HexToAddress("0x2B5634C42055806a59e9107ED44D43c426E58258")
	testVault      = common.HexToAddress("0x67A18c18709C09D48000B321c6E1cb09F7181211")
	testController = common.HexToAddress("0x5E657c5227A596a860621C5551c9735d8f4A8BE3")
	testCrvUSD     = common.HexToAddress("0xf939E0A03FB07F59A73314E73794Be0E57ac1b4E")
)

// fakeInquirer serves the factory's view methods from canned values.
type fakeInquirer struct {
	calls int
}

func (f *fakeInquirer) TransactionByHash(context.Context, common.Hash) (*model.Transaction, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeInquirer) ReceiptByHash(context.Context, common.Hash) (*model.Receipt, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeInquirer) CallContract(_ context.Context, to common.Address, data []byte) ([]byte, error) {
	f.calls++
	if to != FactoryAddress || len(data) < 4 {
		return nil, errors.New("unexpected call")
	}
	factory, err := FactoryABI()
	if err != nil {
		return nil, err
	}
	switch {
	case bytes.Equal(data[:4], factory.Methods["market_count"].ID):
		return common.BigToHash(big.NewInt(1)).Bytes(), nil
	case bytes.Equal(data[:4], factory.Methods["vaults"].ID):
		return common.BytesToHash(testVault.Bytes()).Bytes(), nil
	case bytes.Equal(data[:4], factory.Methods["controllers"].ID):
		return common.BytesToHash(testController.Bytes()).Bytes(), nil
	case bytes.Equal(data[:4], factory.Methods["borrowed_tokens"].ID):
		return common.BytesToHash(testCrvUSD.Bytes()).Bytes(), nil
	}
	return nil, errors.New("unknown method")
}

func newRegistry() *asset.StaticRegistry {
	registry := asset.NewStaticRegistry(asset.EthereumNative)
	registry.Register(asset.Token{
		Identifier: asset.TokenIdentifier(1, asset.KindERC20, testCrvUSD),
		Address:    testCrvUSD,
		Symbol:     "crvUSD",
		Name:       "Curve.Fi USD Stablecoin",
		Decimals:   18,
		Kind:       asset.KindERC20,
	})
	registry.Register(asset.Token{
		Identifier: asset.TokenIdentifier(1, asset.KindERC20, testVault),
		Address:    testVault,
		Symbol:     "cv-crvUSD",
		Name:       "Curve Vault for crvUSD",
		Decimals:   18,
		Kind:       asset.KindERC20,
	})
	return registry
}

func seedStore(t *testing.T) *cache.MemoryStore {
	t.Helper()
	ctx := context.Background()
	store := cache.NewMemoryStore()
	if err := store.Add(ctx, cache.CacheCurveLendVaults, testVault.Hex()); err != nil {
		t.Fatalf("seeding vaults: %v", err)
	}
	if err := store.Add(ctx, cache.CacheCurveLendControllers, testController.Hex()); err != nil {
		t.Fatalf("seeding controllers: %v", err)
	}
	for _, market := range []common.Address{testVault, testController} {
		if err := store.SetKeyed(ctx, cache.CacheCurveLendUnderlying, market.Hex(), testCrvUSD.Hex()); err != nil {
			t.Fatalf("seeding underlying: %v", err)
		}
	}
	if err := store.SetLastQueried(ctx, cache.CacheCurveLendVaults, time.Now()); err != nil {
		t.Fatalf("seeding last queried: %v", err)
	}
	return store
}

func newTestEngine(t *testing.T, store cache.Store, inquirer *fakeInquirer) *decoding.Engine {
	t.Helper()
	tools := decoding.NewTools(1, "ethereum", newRegistry(), zap.NewNop())
	tools.SetTrackedAccounts([]common.Address{testUser})
	engine := decoding.NewEngine(tools, zap.NewNop())
	decoder, err := New(tools, store, inquirer, zap.NewNop())
	if err != nil {
		t.Fatalf("building decoder: %v", err)
	}
	if err := engine.Register(Counterparty, decoder); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := engine.ReloadData(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	return engine
}

func word(value *big.Int) []byte {
	return common.BigToHash(value).Bytes()
}

func TestReloadDataDiscoversMarkets(t *testing.T) {
	ctx := context.Background()
	tools := decoding.NewTools(1, "ethereum", newRegistry(), zap.NewNop())
	inquirer := &fakeInquirer{}
	store := cache.NewMemoryStore()
	decoder, err := New(tools, store, inquirer, zap.NewNop())
	if err != nil {
		t.Fatalf("building decoder: %v", err)
	}

	table, err := decoder.ReloadData(ctx)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if table == nil {
		t.Fatal("first reload returned nil table")
	}
	if _, ok := table[testVault]; !ok {
		t.Fatal("vault missing from routing table")
	}
	if _, ok := table[testController]; !ok {
		t.Fatal("controller missing from routing table")
	}
	underlying, ok, err := store.Get(ctx, cache.CacheCurveLendUnderlying, testController.Hex())
	if err != nil || !ok {
		t.Fatalf("underlying not persisted: %v", err)
	}
	if underlying != testCrvUSD.Hex() {
		t.Fatalf("underlying = %s", underlying)
	}

	calls := inquirer.calls
	table, err = decoder.ReloadData(ctx)
	if err != nil {
		t.Fatalf("second reload: %v", err)
	}
	if table != nil {
		t.Fatal("second reload should report no change")
	}
	if inquirer.calls != calls {
		t.Fatalf("fresh cache still queried the chain: %d extra calls", inquirer.calls-calls)
	}
}

func TestVaultDeposit(t *testing.T) {
	engine := newTestEngine(t, seedStore(t), &fakeInquirer{})
	to := testVault
	tx := &model.Transaction{
		ChainID:   1,
		Hash:      common.HexToHash("0xca33514db212f0f4f929612db01dbc0e0ba2d3b54a28f06ecb1b1ba7ca1dba33"),
		From:      testUser,
		To:        &to,
		Value:     big.NewInt(0),
		Timestamp: 1712000000,
		GasUsed:   320000,
		GasPrice:  big.NewInt(9000000000),
	}
	assets := new(big.Int).Mul(big.NewInt(1000), big.NewInt(1e18))
	shares := new(big.Int).Mul(big.NewInt(980), big.NewInt(1e18))
	depositData := append(word(assets), word(shares)...)
	receipt := &model.Receipt{
		Status: true,
		Logs: []model.TxLog{
			{
				Address: testCrvUSD,
				Topics: []common.Hash{
					decoding.ERC20OrERC721ApproveTopic,
					common.BytesToHash(testUser.Bytes()),
					common.BytesToHash(testVault.Bytes()),
				},
				Data:     word(assets),
				LogIndex: 1,
			},
			{
				Address: testCrvUSD,
				Topics: []common.Hash{
					decoding.ERC20OrERC721TransferTopic,
					common.BytesToHash(testUser.Bytes()),
					common.BytesToHash(testVault.Bytes()),
				},
				Data:     word(assets),
				LogIndex: 2,
			},
			{
				Address: testVault,
				Topics: []common.Hash{
					decoding.ERC20OrERC721TransferTopic,
					common.BytesToHash(decoding.ZeroAddress.Bytes()),
					common.BytesToHash(testUser.Bytes()),
				},
				Data:     word(shares),
				LogIndex: 3,
			},
			{
				Address: testVault,
				Topics: []common.Hash{
					mustVaultABI(t).Events["Deposit"].ID,
					common.BytesToHash(testUser.Bytes()),
					common.BytesToHash(testUser.Bytes()),
				},
				Data:     depositData,
				LogIndex: 4,
			},
		},
	}

	events, err := engine.DecodeTransaction(context.Background(), tx, receipt, nil)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(events) != 4 {
		t.Fatalf("expected gas, approve, deposit and receive events, got %d", len(events))
	}
	if events[0].EventSubtype != model.EventSubtypeFee {
		t.Fatalf("first event %s/%s, want gas fee", events[0].EventType, events[0].EventSubtype)
	}
	if events[1].EventSubtype != model.EventSubtypeApprove {
		t.Fatalf("second event %s/%s, want approval", events[1].EventType, events[1].EventSubtype)
	}
	deposit, receive := events[2], events[3]
	if deposit.EventType != model.EventTypeDeposit || deposit.EventSubtype != model.EventSubtypeDepositForWrapped {
		t.Fatalf("deposit event %s/%s", deposit.EventType, deposit.EventSubtype)
	}
	if want := "1000"; deposit.Amount.String() != want {
		t.Fatalf("deposit amount = %s, want %s", deposit.Amount, want)
	}
	if receive.EventType != model.EventTypeReceive || receive.EventSubtype != model.EventSubtypeReceiveWrapped {
		t.Fatalf("receive event %s/%s", receive.EventType, receive.EventSubtype)
	}
	if want := "980"; receive.Amount.String() != want {
		t.Fatalf("receive amount = %s, want %s", receive.Amount, want)
	}
	if deposit.Counterparty != Counterparty || receive.Counterparty != Counterparty {
		t.Fatalf("counterparties = %q / %q", deposit.Counterparty, receive.Counterparty)
	}
}

func TestVaultWithdraw(t *testing.T) {
	engine := newTestEngine(t, seedStore(t), &fakeInquirer{})
	to := testVault
	tx := &model.Transaction{
		ChainID:   1,
		Hash:      common.HexToHash("0x3d41a04adbc9ef4b5a12a095b36e7d3afaf4dbd2e7cf5222b06a1097828cdde8"),
		From:      testUser,
		To:        &to,
		Value:     big.NewInt(0),
		Timestamp: 1712100000,
		GasUsed:   280000,
		GasPrice:  big.NewInt(7000000000),
	}
	assets := new(big.Int).Mul(big.NewInt(1005), big.NewInt(1e18))
	shares := new(big.Int).Mul(big.NewInt(980), big.NewInt(1e18))
	withdrawData := append(word(assets), word(shares)...)
	receipt := &model.Receipt{
		Status: true,
		Logs: []model.TxLog{
			{
				Address: testVault,
				Topics: []common.Hash{
					decoding.ERC20OrERC721TransferTopic,
					common.BytesToHash(testUser.Bytes()),
					common.BytesToHash(decoding.ZeroAddress.Bytes()),
				},
				Data:     word(shares),
				LogIndex: 0,
			},
			{
				Address: testCrvUSD,
				Topics: []common.Hash{
					decoding.ERC20OrERC721TransferTopic,
					common.BytesToHash(testVault.Bytes()),
					common.BytesToHash(testUser.Bytes()),
				},
				Data:     word(assets),
				LogIndex: 1,
			},
			{
				Address: testVault,
				Topics: []common.Hash{
					mustVaultABI(t).Events["Withdraw"].ID,
					common.BytesToHash(testUser.Bytes()),
					common.BytesToHash(testUser.Bytes()),
					common.BytesToHash(testUser.Bytes()),
				},
				Data:     withdrawData,
				LogIndex: 2,
			},
		},
	}

	events, err := engine.DecodeTransaction(context.Background(), tx, receipt, nil)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected gas, return and withdraw events, got %d", len(events))
	}
	returned, withdrawn := events[1], events[2]
	if returned.EventType != model.EventTypeSpend || returned.EventSubtype != model.EventSubtypeReturnWrapped {
		t.Fatalf("return event %s/%s", returned.EventType, returned.EventSubtype)
	}
	if withdrawn.EventType != model.EventTypeWithdrawal || withdrawn.EventSubtype != model.EventSubtypeRedeemWrapped {
		t.Fatalf("withdraw event %s/%s", withdrawn.EventType, withdrawn.EventSubtype)
	}
	if want := "1005"; withdrawn.Amount.String() != want {
		t.Fatalf("withdraw amount = %s, want %s", withdrawn.Amount, want)
	}
}

func TestControllerBorrowAndRepay(t *testing.T) {
	engine := newTestEngine(t, seedStore(t), &fakeInquirer{})
	to := testController
	loan := new(big.Int).Mul(big.NewInt(500), big.NewInt(1e18))
	collateral := new(big.Int).Mul(big.NewInt(2), big.NewInt(1e18))

	borrowTx := &model.Transaction{
		ChainID:   1,
		Hash:      common.HexToHash("0x71f0d2a193388ac9c2fc7f1b1a9402dbd744baf37db015e36210b675b519d5ba"),
		From:      testUser,
		To:        &to,
		Value:     big.NewInt(0),
		Timestamp: 1712200000,
		GasUsed:   410000,
		GasPrice:  big.NewInt(6000000000),
	}
	borrowReceipt := &model.Receipt{
		Status: true,
		Logs: []model.TxLog{
			{
				Address: testCrvUSD,
				Topics: []common.Hash{
					decoding.ERC20OrERC721TransferTopic,
					common.BytesToHash(testController.Bytes()),
					common.BytesToHash(testUser.Bytes()),
				},
				Data:     word(loan),
				LogIndex: 0,
			},
			{
				Address: testController,
				Topics: []common.Hash{
					mustVaultABI(t).Events["Borrow"].ID,
					common.BytesToHash(testUser.Bytes()),
				},
				Data:     append(word(collateral), word(loan)...),
				LogIndex: 1,
			},
		},
	}
	events, err := engine.DecodeTransaction(context.Background(), borrowTx, borrowReceipt, nil)
	if err != nil {
		t.Fatalf("decode borrow: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected gas and borrow events, got %d", len(events))
	}
	borrow := events[1]
	if borrow.EventType != model.EventTypeReceive || borrow.EventSubtype != model.EventSubtypeGenerateDebt {
		t.Fatalf("borrow event %s/%s", borrow.EventType, borrow.EventSubtype)
	}

	repayTx := &model.Transaction{
		ChainID:   1,
		Hash:      common.HexToHash("0xe70cbd0b1a3aa5dbd48ddbd55981391b0da316e68110c0c2b1ad40d4a6afaae3"),
		From:      testUser,
		To:        &to,
		Value:     big.NewInt(0),
		Timestamp: 1712300000,
		GasUsed:   250000,
		GasPrice:  big.NewInt(6000000000),
	}
	repayReceipt := &model.Receipt{
		Status: true,
		Logs: []model.TxLog{
			{
				Address: testCrvUSD,
				Topics: []common.Hash{
					decoding.ERC20OrERC721TransferTopic,
					common.BytesToHash(testUser.Bytes()),
					common.BytesToHash(testController.Bytes()),
				},
				Data:     word(loan),
				LogIndex: 0,
			},
			{
				Address: testController,
				Topics: []common.Hash{
					mustVaultABI(t).Events["Repay"].ID,
					common.BytesToHash(testUser.Bytes()),
				},
				Data:     append(word(collateral), word(loan)...),
				LogIndex: 1,
			},
		},
	}
	events, err = engine.DecodeTransaction(context.Background(), repayTx, repayReceipt, nil)
	if err != nil {
		t.Fatalf("decode repay: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected gas and repay events, got %d", len(events))
	}
	repay := events[1]
	if repay.EventType != model.EventTypeSpend || repay.EventSubtype != model.EventSubtypePaybackDebt {
		t.Fatalf("repay event %s/%s", repay.EventType, repay.EventSubtype)
	}
}

func mustVaultABI(t *testing.T) abi.ABI {
	t.Helper()
	parsed, err := VaultABI()
	if err != nil {
		t.Fatalf("parsing vault abi: %v", err)
	}
	return parsed
}

func TestMalformedControllerLogLeavesTransferIntact(t *testing.T) {
	engine := newTestEngine(t, seedStore(t), &fakeInquirer{})
	to := testController
	loan := new(big.Int).Mul(big.NewInt(500), big.NewInt(1e18))

	tx := &model.Transaction{
		ChainID:   1,
		Hash:      common.HexToHash("0x9b0d6a9bba8ebd3d8f28d7b7cdb276aa11a721b98dd0d5bd04e181046fb4a3f1"),
		From:      testUser,
		To:        &to,
		Value:     big.NewInt(0),
		Timestamp: 1712400000,
		GasUsed:   120000,
		GasPrice:  big.NewInt(6000000000),
	}
	receipt := &model.Receipt{
		Status: true,
		Logs: []model.TxLog{
			{
				Address: testCrvUSD,
				Topics: []common.Hash{
					decoding.ERC20OrERC721TransferTopic,
					common.BytesToHash(testController.Bytes()),
					common.BytesToHash(testUser.Bytes()),
				},
				Data:     word(loan),
				LogIndex: 0,
			},
			{
				Address: testController,
				Topics: []common.Hash{
					mustVaultABI(t).Events["Borrow"].ID,
					common.BytesToHash(testUser.Bytes()),
				},
				// Truncated data: only one of the two uint256 arguments.
				Data:     word(loan),
				LogIndex: 1,
			},
		},
	}

	events, err := engine.DecodeTransaction(context.Background(), tx, receipt, nil)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	// The malformed Borrow log is a logged no-op; the generic transfer and
	// the gas event survive untouched.
	if len(events) != 2 {
		t.Fatalf("expected gas and transfer events, got %d", len(events))
	}
	transfer := events[1]
	if transfer.EventType != model.EventTypeReceive || transfer.EventSubtype != model.EventSubtypeNone {
		t.Fatalf("transfer event %s/%s, want plain receive", transfer.EventType, transfer.EventSubtype)
	}
	if transfer.Counterparty != "" {
		t.Fatalf("counterparty = %q, want none", transfer.Counterparty)
	}
}
