package model

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Transaction is the normalized representation of an EVM transaction.
// It is supplied by the chain inquirer and never mutated during decoding.
type Transaction struct {
	ChainID     uint64          `json:"chain_id"`
	Hash        common.Hash     `json:"hash"`
	From        common.Address  `json:"from"`
	To          *common.Address `json:"to"` // nil for contract deployments
	Value       *big.Int        `json:"value"`
	Input       []byte          `json:"input"`
	Nonce       uint64          `json:"nonce"`
	Timestamp   uint64          `json:"timestamp"`
	BlockNumber uint64          `json:"block_number"`
	GasUsed     uint64          `json:"gas_used"`
	GasPrice    *big.Int        `json:"gas_price"`
}

// InputSelector returns the 4-byte method selector of the input data,
// or false when the input is too short to carry one.
func (t *Transaction) InputSelector() ([4]byte, bool) {
	var selector [4]byte
	if len(t.Input) < 4 {
		return selector, false
	}
	copy(selector[:], t.Input[:4])
	return selector, true
}

// TxLog is one receipt log. Topics[0] is the event signature unless the
// event is anonymous. LogIndex is the ordering key within the transaction.
type TxLog struct {
	Address  common.Address `json:"address"`
	Topics   []common.Hash  `json:"topics"`
	Data     []byte         `json:"data"`
	LogIndex uint64         `json:"log_index"`
}

// Topic0 returns the event signature topic, or the zero hash for anonymous
// events.
func (l *TxLog) Topic0() common.Hash {
	if len(l.Topics) == 0 {
		return common.Hash{}
	}
	return l.Topics[0]
}

// Receipt holds the ordered logs and execution status of one transaction.
type Receipt struct {
	Logs   []TxLog `json:"logs"`
	Status bool    `json:"status"`
}

// InternalTx is a value-moving trace inside a transaction.
type InternalTx struct {
	ParentHash common.Hash    `json:"parent_hash"`
	From       common.Address `json:"from"`
	To         common.Address `json:"to"`
	Value      *big.Int       `json:"value"`
}
