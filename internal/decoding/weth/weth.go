// Package weth decodes wrapping and unwrapping of ether through the
// canonical WETH contract.
package weth

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"txscope/internal/asset"
	"txscope/internal/decoding"
	"txscope/internal/model"
)

// Counterparty is the identifier attached to WETH events.
const Counterparty = "weth"

// ContractAddress is WETH9 on Ethereum mainnet.
var ContractAddress = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")

var (
	depositTopic    = crypto.Keccak256Hash([]byte("Deposit(address,uint256)"))
	withdrawalTopic = crypto.Keccak256Hash([]byte("Withdrawal(address,uint256)"))
)

// Decoder pairs the native ETH movement with the WETH side of a wrap or
// unwrap.
type Decoder struct {
	tools *decoding.Tools
}

// New creates the WETH decoder.
func New(tools *decoding.Tools) *Decoder {
	return &Decoder{tools: tools}
}

// AddressesToDecoders routes the WETH contract.
func (d *Decoder) AddressesToDecoders() map[common.Address][]decoding.Handler {
	return map[common.Address][]decoding.Handler{
		ContractAddress: {d.decodeWrap},
	}
}

// Counterparties describes the WETH counterparty.
func (d *Decoder) Counterparties() []decoding.CounterpartyDetails {
	return []decoding.CounterpartyDetails{{Identifier: Counterparty, Label: "WETH"}}
}

func (d *Decoder) decodeWrap(ctx context.Context, dctx *decoding.DecoderContext) (decoding.DecodingOutput, error) {
	switch dctx.TxLog.Topic0() {
	case depositTopic:
		return d.decodeDeposit(ctx, dctx)
	case withdrawalTopic:
		return d.decodeWithdrawal(ctx, dctx)
	}
	return decoding.DefaultDecodingOutput, nil
}

func (d *Decoder) decodeDeposit(ctx context.Context, dctx *decoding.DecoderContext) (decoding.DecodingOutput, error) {
	txLog := dctx.TxLog
	if len(txLog.Topics) < 2 || len(txLog.Data) < 32 {
		return decoding.DefaultDecodingOutput, nil
	}
	depositor := common.BytesToAddress(txLog.Topics[1][12:])
	if !d.tools.IsTracked(depositor) {
		return decoding.DefaultDecodingOutput, nil
	}
	weth, err := d.tools.GetOrCreateToken(ctx, ContractAddress)
	if err != nil {
		return decoding.DefaultDecodingOutput, fmt.Errorf("resolving weth token: %w", err)
	}
	amount := asset.FromWei(new(big.Int).SetBytes(txLog.Data[:32]))
	native := d.tools.NativeToken()

	contract := ContractAddress
	received := d.tools.MakeEventFromLog(dctx, model.HistoryEvent{
		EventType:     model.EventTypeReceive,
		EventSubtype:  model.EventSubtypeReceiveWrapped,
		Asset:         weth.Identifier,
		Amount:        amount,
		LocationLabel: depositor.Hex(),
		Counterparty:  Counterparty,
		Address:       &contract,
		Notes:         fmt.Sprintf("Receive %s %s", amount, weth.Symbol),
	})
	return decoding.DecodingOutput{
		Event: received,
		ActionItems: []*decoding.ActionItem{{
			Action:           decoding.ActionTransform,
			FromEventType:    model.EventTypeSpend,
			FromEventSubtype: model.EventSubtypeNone,
			Asset:            native.Identifier,
			Amount:           &amount,
			LocationLabel:    depositor.Hex(),
			ToEventType:      model.EventTypeDeposit,
			ToEventSubtype:   model.EventSubtypeDepositForWrapped,
			ToCounterparty:   Counterparty,
			ToNotes:          fmt.Sprintf("Wrap %s %s in %s", amount, native.Symbol, weth.Symbol),
			PairedEvents:     []*model.HistoryEvent{received},
		}},
		MatchedCounterparty: Counterparty,
	}, nil
}

func (d *Decoder) decodeWithdrawal(ctx context.Context, dctx *decoding.DecoderContext) (decoding.DecodingOutput, error) {
	txLog := dctx.TxLog
	if len(txLog.Topics) < 2 || len(txLog.Data) < 32 {
		return decoding.DefaultDecodingOutput, nil
	}
	withdrawer := common.BytesToAddress(txLog.Topics[1][12:])
	if !d.tools.IsTracked(withdrawer) {
		return decoding.DefaultDecodingOutput, nil
	}
	weth, err := d.tools.GetOrCreateToken(ctx, ContractAddress)
	if err != nil {
		return decoding.DefaultDecodingOutput, fmt.Errorf("resolving weth token: %w", err)
	}
	amount := asset.FromWei(new(big.Int).SetBytes(txLog.Data[:32]))
	native := d.tools.NativeToken()

	contract := ContractAddress
	returned := d.tools.MakeEventFromLog(dctx, model.HistoryEvent{
		EventType:     model.EventTypeSpend,
		EventSubtype:  model.EventSubtypeReturnWrapped,
		Asset:         weth.Identifier,
		Amount:        amount,
		LocationLabel: withdrawer.Hex(),
		Counterparty:  Counterparty,
		Address:       &contract,
		Notes:         fmt.Sprintf("Unwrap %s %s", amount, weth.Symbol),
	})
	return decoding.DecodingOutput{
		Event: returned,
		ActionItems: []*decoding.ActionItem{{
			Action:            decoding.ActionTransform,
			FromEventType:     model.EventTypeReceive,
			FromEventSubtype:  model.EventSubtypeNone,
			Asset:             native.Identifier,
			Amount:            &amount,
			LocationLabel:     withdrawer.Hex(),
			ToEventType:       model.EventTypeWithdrawal,
			ToEventSubtype:    model.EventSubtypeRedeemWrapped,
			ToCounterparty:    Counterparty,
			ToNotes:           fmt.Sprintf("Receive %s %s from unwrapping %s", amount, native.Symbol, weth.Symbol),
			PairedEvents:      []*model.HistoryEvent{returned},
			PairedEventsFirst: true,
		}},
		MatchedCounterparty: Counterparty,
	}, nil
}
