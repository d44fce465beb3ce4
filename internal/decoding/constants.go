package decoding

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ZeroAddress is the mint/burn address.
var ZeroAddress = common.Address{}

// Event signature topics shared by every ERC20/ERC721 contract.
var (
	ERC20OrERC721TransferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
	ERC20OrERC721ApproveTopic  = crypto.Keccak256Hash([]byte("Approval(address,address,uint256)"))
)

// Counterparty identifiers not owned by any protocol decoder.
const (
	CounterpartyGas = "gas"
)

// GasCounterpartyDetails describes the built-in gas counterparty.
var GasCounterpartyDetails = CounterpartyDetails{Identifier: CounterpartyGas, Label: "gas", Icon: "flame"}
