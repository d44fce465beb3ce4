// Package cctp decodes Circle's Cross-Chain Transfer Protocol bridge
// movements of USDC.
package cctp

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"txscope/internal/asset"
	"txscope/internal/decoding"
	"txscope/internal/model"
)

// Counterparty is the identifier attached to CCTP bridge events.
const Counterparty = "cctp"

// Ethereum mainnet contract addresses.
var (
	TokenMessenger = common.HexToAddress("0xBd3fa81B58Ba92a82136038B25aDec7066af3155")
	TokenMinter    = common.HexToAddress("0xc4922d64a24675E16e1586e3e3Aa56C06fABe907")
)

// domainNames maps CCTP destination domain ids to chain names.
var domainNames = map[uint32]string{
	0: "Ethereum",
	1: "Avalanche",
	2: "Optimism",
	3: "Arbitrum One",
	6: "Base",
	7: "Polygon PoS",
}

// Decoder handles the token messenger's burn and mint events.
type Decoder struct {
	tools *decoding.Tools

	depositForBurnTopic  common.Hash
	mintAndWithdrawTopic common.Hash
	depositForBurnArgs   abi.Arguments
	mintAndWithdrawArgs  abi.Arguments
}

// New creates the CCTP decoder.
func New(tools *decoding.Tools) (*Decoder, error) {
	messengerABI, err := MessengerABI()
	if err != nil {
		return nil, fmt.Errorf("parsing cctp abi: %w", err)
	}
	deposit := messengerABI.Events["DepositForBurn"]
	mint := messengerABI.Events["MintAndWithdraw"]
	return &Decoder{
		tools:                tools,
		depositForBurnTopic:  deposit.ID,
		mintAndWithdrawTopic: mint.ID,
		depositForBurnArgs:   deposit.Inputs.NonIndexed(),
		mintAndWithdrawArgs:  mint.Inputs.NonIndexed(),
	}, nil
}

// AddressesToDecoders routes the messenger and minter contracts.
func (d *Decoder) AddressesToDecoders() map[common.Address][]decoding.Handler {
	return map[common.Address][]decoding.Handler{
		TokenMessenger: {d.decodeDepositForBurn},
		TokenMinter:    {d.decodeMintAndWithdraw},
	}
}

// Counterparties describes the CCTP counterparty.
func (d *Decoder) Counterparties() []decoding.CounterpartyDetails {
	return []decoding.CounterpartyDetails{{Identifier: Counterparty, Label: "CCTP"}}
}

func (d *Decoder) decodeDepositForBurn(ctx context.Context, dctx *decoding.DecoderContext) (decoding.DecodingOutput, error) {
	txLog := dctx.TxLog
	if txLog.Topic0() != d.depositForBurnTopic || len(txLog.Topics) < 4 {
		return decoding.DefaultDecodingOutput, nil
	}
	depositor := common.BytesToAddress(txLog.Topics[3][12:])
	if !d.tools.IsTracked(depositor) {
		return decoding.DefaultDecodingOutput, nil
	}
	burnToken := common.BytesToAddress(txLog.Topics[2][12:])
	token, err := d.tools.GetOrCreateToken(ctx, burnToken)
	if err != nil {
		return decoding.DefaultDecodingOutput, fmt.Errorf("resolving burn token %s: %w", burnToken, err)
	}

	values, err := d.depositForBurnArgs.Unpack(txLog.Data)
	if err != nil {
		return decoding.DefaultDecodingOutput, fmt.Errorf("unpacking DepositForBurn: %w", err)
	}
	rawAmount, ok := values[0].(*big.Int)
	if !ok {
		return decoding.DefaultDecodingOutput, fmt.Errorf("unexpected DepositForBurn amount type %T", values[0])
	}
	mintRecipientWord, ok := values[1].([32]byte)
	if !ok {
		return decoding.DefaultDecodingOutput, fmt.Errorf("unexpected DepositForBurn recipient type %T", values[1])
	}
	destinationDomain, ok := values[2].(uint32)
	if !ok {
		return decoding.DefaultDecodingOutput, fmt.Errorf("unexpected DepositForBurn domain type %T", values[2])
	}

	amount := asset.TokenAmount(rawAmount, token.Decimals)
	mintRecipient := common.BytesToAddress(mintRecipientWord[12:])
	destination := domainNames[destinationDomain]
	if destination == "" {
		destination = fmt.Sprintf("domain %d", destinationDomain)
	}
	notes := fmt.Sprintf("Bridge %s %s to %s via CCTP", amount, token.Symbol, destination)
	if mintRecipient != depositor {
		notes = fmt.Sprintf("Bridge %s %s to %s at %s via CCTP", amount, token.Symbol, mintRecipient, destination)
	}
	return decoding.DecodingOutput{
		ActionItems: []*decoding.ActionItem{{
			Action:           decoding.ActionTransform,
			FromEventType:    model.EventTypeSpend,
			FromEventSubtype: model.EventSubtypeNone,
			Asset:            token.Identifier,
			Amount:           &amount,
			ToEventType:      model.EventTypeDeposit,
			ToEventSubtype:   model.EventSubtypeBridge,
			ToCounterparty:   Counterparty,
			ToNotes:          notes,
		}},
		MatchedCounterparty: Counterparty,
	}, nil
}

func (d *Decoder) decodeMintAndWithdraw(ctx context.Context, dctx *decoding.DecoderContext) (decoding.DecodingOutput, error) {
	txLog := dctx.TxLog
	if txLog.Topic0() != d.mintAndWithdrawTopic || len(txLog.Topics) < 3 {
		return decoding.DefaultDecodingOutput, nil
	}
	mintRecipient := common.BytesToAddress(txLog.Topics[1][12:])
	if !d.tools.IsTracked(mintRecipient) {
		return decoding.DefaultDecodingOutput, nil
	}
	mintToken := common.BytesToAddress(txLog.Topics[2][12:])
	token, err := d.tools.GetOrCreateToken(ctx, mintToken)
	if err != nil {
		return decoding.DefaultDecodingOutput, fmt.Errorf("resolving mint token %s: %w", mintToken, err)
	}
	values, err := d.mintAndWithdrawArgs.Unpack(txLog.Data)
	if err != nil {
		return decoding.DefaultDecodingOutput, fmt.Errorf("unpacking MintAndWithdraw: %w", err)
	}
	rawAmount, ok := values[0].(*big.Int)
	if !ok {
		return decoding.DefaultDecodingOutput, fmt.Errorf("unexpected MintAndWithdraw amount type %T", values[0])
	}
	amount := asset.TokenAmount(rawAmount, token.Decimals)
	return decoding.DecodingOutput{
		ActionItems: []*decoding.ActionItem{{
			Action:           decoding.ActionTransform,
			FromEventType:    model.EventTypeReceive,
			FromEventSubtype: model.EventSubtypeNone,
			Asset:            token.Identifier,
			Amount:           &amount,
			ToEventType:      model.EventTypeReceive,
			ToEventSubtype:   model.EventSubtypeBridge,
			ToCounterparty:   Counterparty,
			ToNotes:          fmt.Sprintf("Bridge %s %s via CCTP", amount, token.Symbol),
		}},
		MatchedCounterparty: Counterparty,
	}, nil
}
