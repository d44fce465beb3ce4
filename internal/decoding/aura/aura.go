// Package aura decodes reward claims from Aura Finance base reward pools.
// The pools are too numerous to route by address, so decoding keys on the
// getReward method selector instead.
package aura

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"txscope/internal/asset"
	"txscope/internal/decoding"
	"txscope/internal/model"
)

// Counterparty is the identifier attached to Aura events.
const Counterparty = "aura-finance"

var (
	rewardPaidTopic = crypto.Keccak256Hash([]byte("RewardPaid(address,uint256)"))

	getRewardSelector = selectorOf("getReward(address,bool)")
)

func selectorOf(signature string) [4]byte {
	var selector [4]byte
	copy(selector[:], crypto.Keccak256([]byte(signature))[:4])
	return selector
}

// Decoder marks reward transfers claimed through getReward.
type Decoder struct {
	tools *decoding.Tools
}

// New creates the Aura decoder.
func New(tools *decoding.Tools) *Decoder {
	return &Decoder{tools: tools}
}

// AddressesToDecoders returns no address routes; all decoding happens
// through the input data rules.
func (d *Decoder) AddressesToDecoders() map[common.Address][]decoding.Handler {
	return nil
}

// Counterparties describes the Aura counterparty.
func (d *Decoder) Counterparties() []decoding.CounterpartyDetails {
	return []decoding.CounterpartyDetails{{Identifier: Counterparty, Label: "Aura Finance"}}
}

// DecodingByInputData routes RewardPaid logs of getReward transactions.
func (d *Decoder) DecodingByInputData() map[[4]byte]map[common.Hash]decoding.Handler {
	return map[[4]byte]map[common.Hash]decoding.Handler{
		getRewardSelector: {rewardPaidTopic: d.decodeRewardPaid},
	}
}

func (d *Decoder) decodeRewardPaid(ctx context.Context, dctx *decoding.DecoderContext) (decoding.DecodingOutput, error) {
	txLog := dctx.TxLog
	if len(txLog.Topics) < 2 || len(txLog.Data) < 32 {
		return decoding.DefaultDecodingOutput, nil
	}
	claimer := common.BytesToAddress(txLog.Topics[1][12:])
	if !d.tools.IsTracked(claimer) {
		return decoding.DefaultDecodingOutput, nil
	}
	raw := new(big.Int).SetBytes(txLog.Data[:32])
	rewardToken, ok := d.findRewardToken(ctx, dctx, claimer, raw)
	if !ok {
		return decoding.DefaultDecodingOutput, nil
	}
	amount := asset.TokenAmount(raw, rewardToken.Decimals)
	return decoding.DecodingOutput{
		ActionItems: []*decoding.ActionItem{{
			Action:           decoding.ActionTransform,
			FromEventType:    model.EventTypeReceive,
			FromEventSubtype: model.EventSubtypeNone,
			Asset:            rewardToken.Identifier,
			Amount:           &amount,
			LocationLabel:    claimer.Hex(),
			ToEventType:      model.EventTypeReceive,
			ToEventSubtype:   model.EventSubtypeReward,
			ToCounterparty:   Counterparty,
		}},
		MatchedCounterparty: Counterparty,
	}, nil
}

// findRewardToken locates the transfer paying out the claim. The RewardPaid
// log names only the claimer and the raw amount, not the reward token, so
// the token (and its decimals) come from the matching Transfer log.
func (d *Decoder) findRewardToken(ctx context.Context, dctx *decoding.DecoderContext, claimer common.Address, raw *big.Int) (asset.Token, bool) {
	for i := range dctx.AllLogs {
		transfer := &dctx.AllLogs[i]
		if transfer.Topic0() != decoding.ERC20OrERC721TransferTopic ||
			len(transfer.Topics) < 3 || len(transfer.Data) < 32 {
			continue
		}
		if common.BytesToAddress(transfer.Topics[2][12:]) != claimer {
			continue
		}
		if new(big.Int).SetBytes(transfer.Data[:32]).Cmp(raw) != 0 {
			continue
		}
		token, err := d.tools.GetOrCreateToken(ctx, transfer.Address)
		if err != nil {
			continue
		}
		return token, true
	}
	return asset.Token{}, false
}
