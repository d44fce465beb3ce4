package cctp

import (
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const messengerABIJSON = `[
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "internalType": "uint64", "name": "nonce", "type": "uint64"},
      {"indexed": true, "internalType": "address", "name": "burnToken", "type": "address"},
      {"indexed": false, "internalType": "uint256", "name": "amount", "type": "uint256"},
      {"indexed": true, "internalType": "address", "name": "depositor", "type": "address"},
      {"indexed": false, "internalType": "bytes32", "name": "mintRecipient", "type": "bytes32"},
      {"indexed": false, "internalType": "uint32", "name": "destinationDomain", "type": "uint32"},
      {"indexed": false, "internalType": "bytes32", "name": "destinationTokenMessenger", "type": "bytes32"},
      {"indexed": false, "internalType": "bytes32", "name": "destinationCaller", "type": "bytes32"}
    ],
    "name": "DepositForBurn",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "internalType": "address", "name": "mintRecipient", "type": "address"},
      {"indexed": false, "internalType": "uint256", "name": "amount", "type": "uint256"},
      {"indexed": true, "internalType": "address", "name": "mintToken", "type": "address"}
    ],
    "name": "MintAndWithdraw",
    "type": "event"
  }
]`

var (
	messengerABI     abi.ABI
	messengerABIOnce sync.Once
	messengerABIErr  error
)

// MessengerABI returns the parsed token messenger and minter event ABI.
func MessengerABI() (abi.ABI, error) {
	messengerABIOnce.Do(func() {
		messengerABI, messengerABIErr = abi.JSON(strings.NewReader(messengerABIJSON))
	})
	return messengerABI, messengerABIErr
}
