// Package curvelend decodes deposits, withdrawals and debt operations on
// Curve's one-way lending markets. The vault and controller addresses are
// discovered from the on-chain factory and cached, so the decoder's routing
// table grows over time.
package curvelend

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"txscope/internal/asset"
	"txscope/internal/cache"
	"txscope/internal/chain"
	"txscope/internal/decoding"
	"txscope/internal/model"
)

// Counterparty is the identifier attached to Curve lending events.
const Counterparty = "curve"

// FactoryAddress is the one-way lending factory on Ethereum mainnet.
var FactoryAddress = common.HexToAddress("0xeA6876DDE9e3467564acBeE1Ed5bac88783205E0")

// Decoder routes logs of discovered vaults and controllers.
type Decoder struct {
	tools           *decoding.Tools
	store           cache.Store
	inquirer        chain.Inquirer
	logger          *zap.Logger
	refreshInterval time.Duration

	factoryABI    abi.ABI
	depositTopic  common.Hash
	withdrawTopic common.Hash
	borrowTopic   common.Hash
	repayTopic    common.Hash
	depositArgs   abi.Arguments
	withdrawArgs  abi.Arguments
	loanArgs      abi.Arguments

	mu          sync.RWMutex
	vaults      map[common.Address]struct{}
	controllers map[common.Address]struct{}
}

// New creates the Curve lending decoder. The routing table is empty until
// ReloadData runs.
func New(tools *decoding.Tools, store cache.Store, inquirer chain.Inquirer, logger *zap.Logger) (*Decoder, error) {
	factory, err := FactoryABI()
	if err != nil {
		return nil, fmt.Errorf("parsing factory abi: %w", err)
	}
	vault, err := VaultABI()
	if err != nil {
		return nil, fmt.Errorf("parsing vault abi: %w", err)
	}
	return &Decoder{
		tools:           tools,
		store:           store,
		inquirer:        inquirer,
		logger:          logger,
		refreshInterval: cache.DefaultRefreshInterval,
		factoryABI:      factory,
		depositTopic:    vault.Events["Deposit"].ID,
		withdrawTopic:   vault.Events["Withdraw"].ID,
		borrowTopic:     vault.Events["Borrow"].ID,
		repayTopic:      vault.Events["Repay"].ID,
		depositArgs:     vault.Events["Deposit"].Inputs.NonIndexed(),
		withdrawArgs:    vault.Events["Withdraw"].Inputs.NonIndexed(),
		loanArgs:        vault.Events["Borrow"].Inputs.NonIndexed(),
		vaults:          make(map[common.Address]struct{}),
		controllers:     make(map[common.Address]struct{}),
	}, nil
}

// AddressesToDecoders returns the current routing table.
func (d *Decoder) AddressesToDecoders() map[common.Address][]decoding.Handler {
	d.mu.RLock()
	defer d.mu.RUnlock()
	table := make(map[common.Address][]decoding.Handler, len(d.vaults)+len(d.controllers))
	for vault := range d.vaults {
		table[vault] = []decoding.Handler{d.decodeVaultEvent}
	}
	for controller := range d.controllers {
		table[controller] = []decoding.Handler{d.decodeControllerEvent}
	}
	return table
}

// Counterparties describes the Curve counterparty.
func (d *Decoder) Counterparties() []decoding.CounterpartyDetails {
	return []decoding.CounterpartyDetails{{Identifier: Counterparty, Label: "Curve"}}
}

// ReloadData refreshes the vault and controller sets. The factory is only
// queried when the cache is stale; otherwise the cached members are diffed
// into memory. Returns nil when the routing table did not change.
func (d *Decoder) ReloadData(ctx context.Context) (map[common.Address][]decoding.Handler, error) {
	stale, err := cache.ShouldRefresh(ctx, d.store, cache.CacheCurveLendVaults, d.refreshInterval)
	if err != nil {
		return nil, err
	}
	if stale {
		if err := d.queryFactory(ctx); err != nil {
			return nil, err
		}
		if err := d.store.SetLastQueried(ctx, cache.CacheCurveLendVaults, time.Now()); err != nil {
			return nil, err
		}
	}

	vaultCount, err := d.store.Count(ctx, cache.CacheCurveLendVaults)
	if err != nil {
		return nil, err
	}
	controllerCount, err := d.store.Count(ctx, cache.CacheCurveLendControllers)
	if err != nil {
		return nil, err
	}
	d.mu.RLock()
	unchanged := vaultCount == len(d.vaults) && controllerCount == len(d.controllers)
	d.mu.RUnlock()
	if unchanged {
		return nil, nil
	}

	vaultMembers, err := d.store.Members(ctx, cache.CacheCurveLendVaults)
	if err != nil {
		return nil, err
	}
	controllerMembers, err := d.store.Members(ctx, cache.CacheCurveLendControllers)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	for _, member := range vaultMembers {
		d.vaults[common.HexToAddress(member)] = struct{}{}
	}
	for _, member := range controllerMembers {
		d.controllers[common.HexToAddress(member)] = struct{}{}
	}
	d.mu.Unlock()
	return d.AddressesToDecoders(), nil
}

func (d *Decoder) queryFactory(ctx context.Context) error {
	count, err := d.callAddressIndex(ctx, "market_count", nil)
	if err != nil {
		return err
	}
	n := count.Uint64()
	for i := uint64(0); i < n; i++ {
		index := new(big.Int).SetUint64(i)
		vault, err := d.callAddress(ctx, "vaults", index)
		if err != nil {
			return err
		}
		controller, err := d.callAddress(ctx, "controllers", index)
		if err != nil {
			return err
		}
		borrowed, err := d.callAddress(ctx, "borrowed_tokens", index)
		if err != nil {
			return err
		}
		if err := d.store.Add(ctx, cache.CacheCurveLendVaults, vault.Hex()); err != nil {
			return err
		}
		if err := d.store.Add(ctx, cache.CacheCurveLendControllers, controller.Hex()); err != nil {
			return err
		}
		for _, market := range []common.Address{vault, controller} {
			if err := d.store.SetKeyed(ctx, cache.CacheCurveLendUnderlying, market.Hex(), borrowed.Hex()); err != nil {
				return err
			}
		}
	}
	d.logger.Info("refreshed curve lending markets", zap.Uint64("markets", n))
	return nil
}

func (d *Decoder) callAddressIndex(ctx context.Context, method string, index *big.Int) (*big.Int, error) {
	var args []any
	if index != nil {
		args = append(args, index)
	}
	data, err := d.factoryABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("packing %s: %w", method, err)
	}
	result, err := d.inquirer.CallContract(ctx, FactoryAddress, data)
	if err != nil {
		return nil, fmt.Errorf("calling %s: %w", method, err)
	}
	if len(result) < 32 {
		return nil, fmt.Errorf("short response from %s: %d bytes", method, len(result))
	}
	return new(big.Int).SetBytes(result[:32]), nil
}

func (d *Decoder) callAddress(ctx context.Context, method string, index *big.Int) (common.Address, error) {
	word, err := d.callAddressIndex(ctx, method, index)
	if err != nil {
		return common.Address{}, err
	}
	return common.BigToAddress(word), nil
}

// underlyingToken resolves the market's borrowed token through the cache.
func (d *Decoder) underlyingToken(ctx context.Context, market common.Address) (asset.Token, error) {
	hex, ok, err := d.store.Get(ctx, cache.CacheCurveLendUnderlying, market.Hex())
	if err != nil {
		return asset.Token{}, err
	}
	if !ok {
		return asset.Token{}, fmt.Errorf("no underlying token cached for market %s", market)
	}
	return d.tools.GetOrCreateToken(ctx, common.HexToAddress(hex))
}

func (d *Decoder) decodeVaultEvent(ctx context.Context, dctx *decoding.DecoderContext) (decoding.DecodingOutput, error) {
	switch dctx.TxLog.Topic0() {
	case d.depositTopic:
		return d.decodeDeposit(ctx, dctx)
	case d.withdrawTopic:
		return d.decodeWithdraw(ctx, dctx)
	}
	return decoding.DefaultDecodingOutput, nil
}

func (d *Decoder) decodeDeposit(ctx context.Context, dctx *decoding.DecoderContext) (decoding.DecodingOutput, error) {
	txLog := dctx.TxLog
	if len(txLog.Topics) < 3 {
		return decoding.DefaultDecodingOutput, nil
	}
	owner := common.BytesToAddress(txLog.Topics[2][12:])
	if !d.tools.IsTracked(owner) {
		return decoding.DefaultDecodingOutput, nil
	}
	underlying, err := d.underlyingToken(ctx, txLog.Address)
	if err != nil {
		return decoding.DefaultDecodingOutput, err
	}
	vaultToken, err := d.tools.GetOrCreateToken(ctx, txLog.Address)
	if err != nil {
		return decoding.DefaultDecodingOutput, fmt.Errorf("resolving vault token: %w", err)
	}
	values, err := d.depositArgs.Unpack(txLog.Data)
	if err != nil {
		return decoding.DefaultDecodingOutput, fmt.Errorf("unpacking Deposit: %w", err)
	}
	rawAssets, err := bigIntArg(values, 0, "Deposit")
	if err != nil {
		return decoding.DefaultDecodingOutput, err
	}
	rawShares, err := bigIntArg(values, 1, "Deposit")
	if err != nil {
		return decoding.DefaultDecodingOutput, err
	}
	assets := asset.TokenAmount(rawAssets, underlying.Decimals)
	shares := asset.TokenAmount(rawShares, vaultToken.Decimals)

	var spend, receive *model.HistoryEvent
	for _, event := range dctx.DecodedEvents {
		switch {
		case spend == nil && event.EventType == model.EventTypeSpend &&
			event.EventSubtype == model.EventSubtypeNone &&
			event.Asset == underlying.Identifier && event.Amount.Equal(assets):
			spend = event
		case receive == nil && event.EventType == model.EventTypeReceive &&
			event.EventSubtype == model.EventSubtypeNone &&
			event.Asset == vaultToken.Identifier && event.Amount.Equal(shares):
			receive = event
		}
	}
	if spend != nil {
		spend.EventType = model.EventTypeDeposit
		spend.EventSubtype = model.EventSubtypeDepositForWrapped
		spend.Counterparty = Counterparty
		spend.Notes = fmt.Sprintf("Deposit %s %s into a Curve lending vault", assets, underlying.Symbol)
	}
	if receive != nil {
		receive.EventSubtype = model.EventSubtypeReceiveWrapped
		receive.Counterparty = Counterparty
		receive.Notes = fmt.Sprintf("Receive %s %s after depositing in a Curve lending vault", shares, vaultToken.Symbol)
	}
	if spend != nil && receive != nil {
		decoding.MaybeReshuffleEvents([]*model.HistoryEvent{spend, receive}, dctx.DecodedEvents)
	}
	return decoding.DecodingOutput{MatchedCounterparty: Counterparty}, nil
}

func (d *Decoder) decodeWithdraw(ctx context.Context, dctx *decoding.DecoderContext) (decoding.DecodingOutput, error) {
	txLog := dctx.TxLog
	if len(txLog.Topics) < 4 {
		return decoding.DefaultDecodingOutput, nil
	}
	receiver := common.BytesToAddress(txLog.Topics[2][12:])
	owner := common.BytesToAddress(txLog.Topics[3][12:])
	if !d.tools.AnyTracked(receiver, owner) {
		return decoding.DefaultDecodingOutput, nil
	}
	underlying, err := d.underlyingToken(ctx, txLog.Address)
	if err != nil {
		return decoding.DefaultDecodingOutput, err
	}
	vaultToken, err := d.tools.GetOrCreateToken(ctx, txLog.Address)
	if err != nil {
		return decoding.DefaultDecodingOutput, fmt.Errorf("resolving vault token: %w", err)
	}
	values, err := d.withdrawArgs.Unpack(txLog.Data)
	if err != nil {
		return decoding.DefaultDecodingOutput, fmt.Errorf("unpacking Withdraw: %w", err)
	}
	rawAssets, err := bigIntArg(values, 0, "Withdraw")
	if err != nil {
		return decoding.DefaultDecodingOutput, err
	}
	rawShares, err := bigIntArg(values, 1, "Withdraw")
	if err != nil {
		return decoding.DefaultDecodingOutput, err
	}
	assets := asset.TokenAmount(rawAssets, underlying.Decimals)
	shares := asset.TokenAmount(rawShares, vaultToken.Decimals)

	var returned, redeemed *model.HistoryEvent
	for _, event := range dctx.DecodedEvents {
		switch {
		case returned == nil && event.EventType == model.EventTypeSpend &&
			event.EventSubtype == model.EventSubtypeNone &&
			event.Asset == vaultToken.Identifier && event.Amount.Equal(shares):
			returned = event
		case redeemed == nil && event.EventType == model.EventTypeReceive &&
			event.EventSubtype == model.EventSubtypeNone &&
			event.Asset == underlying.Identifier && event.Amount.Equal(assets):
			redeemed = event
		}
	}
	if returned != nil {
		returned.EventSubtype = model.EventSubtypeReturnWrapped
		returned.Counterparty = Counterparty
		returned.Notes = fmt.Sprintf("Return %s %s to a Curve lending vault", shares, vaultToken.Symbol)
	}
	if redeemed != nil {
		redeemed.EventType = model.EventTypeWithdrawal
		redeemed.EventSubtype = model.EventSubtypeRedeemWrapped
		redeemed.Counterparty = Counterparty
		redeemed.Notes = fmt.Sprintf("Withdraw %s %s from a Curve lending vault", assets, underlying.Symbol)
	}
	if returned != nil && redeemed != nil {
		decoding.MaybeReshuffleEvents([]*model.HistoryEvent{returned, redeemed}, dctx.DecodedEvents)
	}
	return decoding.DecodingOutput{MatchedCounterparty: Counterparty}, nil
}

func (d *Decoder) decodeControllerEvent(ctx context.Context, dctx *decoding.DecoderContext) (decoding.DecodingOutput, error) {
	txLog := dctx.TxLog
	topic := txLog.Topic0()
	if topic != d.borrowTopic && topic != d.repayTopic {
		return decoding.DefaultDecodingOutput, nil
	}
	if len(txLog.Topics) < 2 {
		return decoding.DefaultDecodingOutput, nil
	}
	user := common.BytesToAddress(txLog.Topics[1][12:])
	if !d.tools.IsTracked(user) {
		return decoding.DefaultDecodingOutput, nil
	}
	borrowed, err := d.underlyingToken(ctx, txLog.Address)
	if err != nil {
		return decoding.DefaultDecodingOutput, err
	}
	values, err := d.loanArgs.Unpack(txLog.Data)
	if err != nil {
		return decoding.DefaultDecodingOutput, fmt.Errorf("unpacking loan event: %w", err)
	}
	rawLoan, err := bigIntArg(values, 1, "loan event")
	if err != nil {
		return decoding.DefaultDecodingOutput, err
	}
	loan := asset.TokenAmount(rawLoan, borrowed.Decimals)
	if loan.IsZero() {
		// Pure collateral adjustment.
		return decoding.DecodingOutput{MatchedCounterparty: Counterparty}, nil
	}

	if topic == d.borrowTopic {
		for _, event := range dctx.DecodedEvents {
			if event.EventType == model.EventTypeReceive && event.EventSubtype == model.EventSubtypeNone &&
				event.Asset == borrowed.Identifier && event.Amount.Equal(loan) {
				event.EventSubtype = model.EventSubtypeGenerateDebt
				event.Counterparty = Counterparty
				event.Notes = fmt.Sprintf("Borrow %s %s from Curve", loan, borrowed.Symbol)
				break
			}
		}
	} else {
		for _, event := range dctx.DecodedEvents {
			if event.EventType == model.EventTypeSpend && event.EventSubtype == model.EventSubtypeNone &&
				event.Asset == borrowed.Identifier && event.Amount.Equal(loan) {
				event.EventSubtype = model.EventSubtypePaybackDebt
				event.Counterparty = Counterparty
				event.Notes = fmt.Sprintf("Repay %s %s to Curve", loan, borrowed.Symbol)
				break
			}
		}
	}
	return decoding.DecodingOutput{MatchedCounterparty: Counterparty}, nil
}

func bigIntArg(values []interface{}, index int, event string) (*big.Int, error) {
	value, ok := values[index].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected %s argument %d type %T", event, index, values[index])
	}
	return value, nil
}
