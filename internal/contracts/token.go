// This package contains the contract bindings used by the settlement
// executor. Only the methods the facilitator calls are bound.
package contracts

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// EIP-3009 transfer with authorization plus the ERC-20 allowance
// transfer used for aggregated voucher settlements.
const TokenABI = `[
	{
		"inputs": [
			{"name": "from", "type": "address"},
			{"name": "to", "type": "address"},
			{"name": "value", "type": "uint256"},
			{"name": "validAfter", "type": "uint256"},
			{"name": "validBefore", "type": "uint256"},
			{"name": "nonce", "type": "bytes32"},
			{"name": "v", "type": "uint8"},
			{"name": "r", "type": "bytes32"},
			{"name": "s", "type": "bytes32"}
		],
		"name": "transferWithAuthorization",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [
			{"name": "from", "type": "address"},
			{"name": "to", "type": "address"},
			{"name": "value", "type": "uint256"}
		],
		"name": "transferFrom",
		"outputs": [{"name": "", "type": "bool"}],
		"stateMutability": "nonpayable",
		"type": "function"
	}
]`

type Token struct {
	contract *bind.BoundContract
}

func NewToken(address common.Address, backend bind.ContractBackend) (*Token, error) {
	parsed, err := abi.JSON(strings.NewReader(TokenABI))
	if err != nil {
		return nil, err
	}
	contract := bind.NewBoundContract(address, parsed, backend, backend, backend)
	return &Token{contract: contract}, nil
}

func (t *Token) TransferWithAuthorization(
	opts *bind.TransactOpts,
	from common.Address,
	to common.Address,
	value *big.Int,
	validAfter *big.Int,
	validBefore *big.Int,
	nonce [32]byte,
	v uint8,
	r [32]byte,
	s [32]byte,
) (*types.Transaction, error) {
	return t.contract.Transact(opts, "transferWithAuthorization",
		from, to, value, validAfter, validBefore, nonce, v, r, s)
}

func (t *Token) TransferFrom(
	opts *bind.TransactOpts,
	from common.Address,
	to common.Address,
	value *big.Int,
) (*types.Transaction, error) {
	return t.contract.Transact(opts, "transferFrom", from, to, value)
}
