package decoding

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"txscope/internal/asset"
	"txscope/internal/model"
)

// decodeGasFee synthesizes the gas fee event for transactions sent by a
// tracked account. Failed transactions get a single FAIL/FEE event covering
// the whole spend.
func (e *Engine) decodeGasFee(tx *model.Transaction, receipt *model.Receipt, seq *Sequencer) *model.HistoryEvent {
	if !e.tools.IsTracked(tx.From) {
		return nil
	}
	native := e.tools.NativeToken()
	fee := new(big.Int).SetUint64(tx.GasUsed)
	if tx.GasPrice != nil {
		fee.Mul(fee, tx.GasPrice)
	}
	amount := asset.FromWei(fee)

	eventType := model.EventTypeSpend
	notes := fmt.Sprintf("Burn %s %s for gas", amount, native.Symbol)
	if !receipt.Status {
		eventType = model.EventTypeFail
		notes = fmt.Sprintf("Burn %s %s for gas of a failed transaction", amount, native.Symbol)
	}
	return e.tools.MakeEvent(tx, seq.NextIndexPreDecoding(), model.HistoryEvent{
		EventType:     eventType,
		EventSubtype:  model.EventSubtypeFee,
		Asset:         native.Identifier,
		Amount:        amount,
		LocationLabel: tx.From.Hex(),
		Counterparty:  CounterpartyGas,
		Notes:         notes,
	})
}

// decodeNativeTransfer handles the transaction-level ETH value movement and
// contract deployments.
func (e *Engine) decodeNativeTransfer(tx *model.Transaction, seq *Sequencer) *model.HistoryEvent {
	if tx.To == nil {
		// Contract deployment.
		if !e.tools.IsTracked(tx.From) {
			return nil
		}
		native := e.tools.NativeToken()
		return e.tools.MakeEvent(tx, seq.NextIndexPreDecoding(), model.HistoryEvent{
			EventType:     model.EventTypeDeploy,
			EventSubtype:  model.EventSubtypeNone,
			Asset:         native.Identifier,
			Amount:        asset.FromWei(tx.Value),
			LocationLabel: tx.From.Hex(),
			Notes:         "Deploy a contract",
		})
	}
	if tx.Value == nil || tx.Value.Sign() == 0 {
		return nil
	}
	direction, ok := e.tools.DecodeDirection(tx.From, *tx.To)
	if !ok {
		return nil
	}
	native := e.tools.NativeToken()
	amount := asset.FromWei(tx.Value)
	address := direction.Address
	return e.tools.MakeEvent(tx, seq.NextIndexPreDecoding(), model.HistoryEvent{
		EventType:     direction.EventType,
		EventSubtype:  direction.EventSubtype,
		Asset:         native.Identifier,
		Amount:        amount,
		LocationLabel: direction.LocationLabel.Hex(),
		Address:       &address,
		Notes:         fmt.Sprintf("%s %s %s from %s to %s", direction.Verb, amount, native.Symbol, tx.From.Hex(), tx.To.Hex()),
	})
}

// decodeInternalTransfers produces events for ETH moved by internal calls.
func (e *Engine) decodeInternalTransfers(tx *model.Transaction, internal []*model.InternalTx, seq *Sequencer) []*model.HistoryEvent {
	var events []*model.HistoryEvent
	native := e.tools.NativeToken()
	for _, itx := range internal {
		if itx.Value == nil || itx.Value.Sign() == 0 {
			continue
		}
		direction, ok := e.tools.DecodeDirection(itx.From, itx.To)
		if !ok {
			continue
		}
		amount := asset.FromWei(itx.Value)
		address := direction.Address
		events = append(events, e.tools.MakeEvent(tx, seq.NextIndexPreDecoding(), model.HistoryEvent{
			EventType:     direction.EventType,
			EventSubtype:  direction.EventSubtype,
			Asset:         native.Identifier,
			Amount:        amount,
			LocationLabel: direction.LocationLabel.Hex(),
			Address:       &address,
			Notes:         fmt.Sprintf("%s %s %s from %s to %s", direction.Verb, amount, native.Symbol, itx.From.Hex(), itx.To.Hex()),
		}))
	}
	return events
}

// maybeDecodeERC20721Transfer is the generic rule for Transfer logs no
// protocol decoder claimed.
func (e *Engine) maybeDecodeERC20721Transfer(ctx context.Context, dctx *DecoderContext) (DecodingOutput, error) {
	if dctx.TxLog.Topic0() != ERC20OrERC721TransferTopic {
		return DefaultDecodingOutput, nil
	}
	token, err := e.tools.GetOrCreateToken(ctx, dctx.TxLog.Address)
	if err != nil {
		if errors.Is(err, asset.ErrUnknownAsset) {
			return DefaultDecodingOutput, nil
		}
		return DefaultDecodingOutput, fmt.Errorf("resolving token %s: %w", dctx.TxLog.Address, err)
	}
	event, err := e.tools.DecodeERC20721Transfer(token, dctx)
	if err != nil {
		return DefaultDecodingOutput, err
	}
	if event == nil {
		return DefaultDecodingOutput, nil
	}
	return DecodingOutput{Event: event}, nil
}

// maybeDecodeERC20Approve is the generic rule for Approval logs.
func (e *Engine) maybeDecodeERC20Approve(ctx context.Context, dctx *DecoderContext) (DecodingOutput, error) {
	txLog := dctx.TxLog
	if txLog.Topic0() != ERC20OrERC721ApproveTopic {
		return DefaultDecodingOutput, nil
	}

	var owner, spender common.Address
	var rawAmount *big.Int
	switch {
	case len(txLog.Topics) == 3 && len(txLog.Data) >= 32:
		owner = common.BytesToAddress(txLog.Topics[1][12:])
		spender = common.BytesToAddress(txLog.Topics[2][12:])
		rawAmount = new(big.Int).SetBytes(txLog.Data[:32])
	case len(txLog.Topics) == 1 && len(txLog.Data) == 96:
		// Some non-conforming tokens emit Approval with all arguments in
		// the data field.
		owner = common.BytesToAddress(txLog.Data[12:32])
		spender = common.BytesToAddress(txLog.Data[44:64])
		rawAmount = new(big.Int).SetBytes(txLog.Data[64:96])
	default:
		return DefaultDecodingOutput, nil
	}
	if !e.tools.IsTracked(owner) {
		return DefaultDecodingOutput, nil
	}
	token, err := e.tools.GetOrCreateToken(ctx, txLog.Address)
	if err != nil {
		if errors.Is(err, asset.ErrUnknownAsset) {
			return DefaultDecodingOutput, nil
		}
		return DefaultDecodingOutput, fmt.Errorf("resolving token %s: %w", txLog.Address, err)
	}

	amount := asset.TokenAmount(rawAmount, token.Decimals)
	spenderCopy := spender
	event := e.tools.MakeEventFromLog(dctx, model.HistoryEvent{
		EventType:     model.EventTypeInformational,
		EventSubtype:  model.EventSubtypeApprove,
		Asset:         token.Identifier,
		Amount:        amount,
		LocationLabel: owner.Hex(),
		Address:       &spenderCopy,
		Notes:         fmt.Sprintf("Set %s spending approval of %s by %s to %s", token.Symbol, owner.Hex(), spender.Hex(), amount),
	})
	return DecodingOutput{Event: event}, nil
}
