// Package contracts holds the ABI of the PaymentProcessor contract and the
// ERC-20 subset the settlement service calls, plus typed pack/unpack helpers.
package contracts

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// PaymentProcessorABI is the bit-exact interface of the deployed contract.
const PaymentProcessorABI = `[
  {"type":"function","name":"addAllowedToken","stateMutability":"nonpayable","inputs":[{"name":"token","type":"address"}],"outputs":[]},
  {"type":"function","name":"removeAllowedToken","stateMutability":"nonpayable","inputs":[{"name":"token","type":"address"}],"outputs":[]},
  {"type":"function","name":"processPayment","stateMutability":"nonpayable","inputs":[{"name":"recipient","type":"address"},{"name":"amount","type":"uint256"},{"name":"token","type":"address"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"processPaymentAndTransfer","stateMutability":"nonpayable","inputs":[{"name":"recipient","type":"address"},{"name":"amount","type":"uint256"},{"name":"token","type":"address"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"withdrawFunds","stateMutability":"nonpayable","inputs":[{"name":"token","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"withdrawAllFunds","stateMutability":"nonpayable","inputs":[{"name":"token","type":"address"}],"outputs":[]},
  {"type":"function","name":"emergencyWithdraw","stateMutability":"nonpayable","inputs":[{"name":"token","type":"address"},{"name":"recipient","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"getPaymentStatus","stateMutability":"view","inputs":[{"name":"paymentId","type":"bytes32"}],"outputs":[{"name":"","type":"tuple","components":[
    {"name":"paymentId","type":"bytes32"},
    {"name":"recipient","type":"address"},
    {"name":"amount","type":"uint256"},
    {"name":"token","type":"address"},
    {"name":"timestamp","type":"uint256"},
    {"name":"completed","type":"bool"}]}]},
  {"type":"function","name":"isPaymentCompleted","stateMutability":"view","inputs":[{"name":"paymentId","type":"bytes32"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"getTokenBalance","stateMutability":"view","inputs":[{"name":"token","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"getPaymentCount","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"isTokenAllowed","stateMutability":"view","inputs":[{"name":"token","type":"address"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"owner","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
  {"type":"event","name":"PaymentProcessed","anonymous":false,"inputs":[
    {"name":"paymentId","type":"bytes32","indexed":true},
    {"name":"sender","type":"address","indexed":true},
    {"name":"recipient","type":"address","indexed":true},
    {"name":"token","type":"address","indexed":false},
    {"name":"amount","type":"uint256","indexed":false},
    {"name":"timestamp","type":"uint256","indexed":false}]},
  {"type":"event","name":"PaymentFailed","anonymous":false,"inputs":[
    {"name":"paymentId","type":"bytes32","indexed":true},
    {"name":"sender","type":"address","indexed":true},
    {"name":"reason","type":"string","indexed":false}]},
  {"type":"event","name":"FundsWithdrawn","anonymous":false,"inputs":[
    {"name":"token","type":"address","indexed":true},
    {"name":"recipient","type":"address","indexed":true},
    {"name":"amount","type":"uint256","indexed":false}]},
  {"type":"event","name":"TokenAdded","anonymous":false,"inputs":[{"name":"token","type":"address","indexed":true}]},
  {"type":"event","name":"TokenRemoved","anonymous":false,"inputs":[{"name":"token","type":"address","indexed":true}]}
]`

// ERC20ABI covers the token calls made by the service and the simulated chain.
const ERC20ABI = `[
  {"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
  {"type":"function","name":"symbol","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
  {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"transferFrom","stateMutability":"nonpayable","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

// Method and event names.
const (
	MethodAddAllowedToken           = "addAllowedToken"
	MethodRemoveAllowedToken        = "removeAllowedToken"
	MethodProcessPayment            = "processPayment"
	MethodProcessPaymentAndTransfer = "processPaymentAndTransfer"
	MethodWithdrawFunds             = "withdrawFunds"
	MethodWithdrawAllFunds          = "withdrawAllFunds"
	MethodEmergencyWithdraw         = "emergencyWithdraw"
	MethodGetPaymentStatus          = "getPaymentStatus"
	MethodIsPaymentCompleted        = "isPaymentCompleted"
	MethodGetTokenBalance           = "getTokenBalance"
	MethodGetPaymentCount           = "getPaymentCount"
	MethodIsTokenAllowed            = "isTokenAllowed"
	MethodOwner                     = "owner"

	EventPaymentProcessed = "PaymentProcessed"
	EventPaymentFailed    = "PaymentFailed"
	EventFundsWithdrawn   = "FundsWithdrawn"
	EventTokenAdded       = "TokenAdded"
	EventTokenRemoved     = "TokenRemoved"
)

var (
	PaymentProcessor = mustParse(PaymentProcessorABI)
	ERC20            = mustParse(ERC20ABI)
)

func mustParse(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("invalid contract ABI: %v", err))
	}
	return parsed
}

// PaymentRecord mirrors the Payment tuple returned by getPaymentStatus.
type PaymentRecord struct {
	PaymentId [32]byte
	Recipient common.Address
	Amount    *big.Int
	Token     common.Address
	Timestamp *big.Int
	Completed bool
}

// PackSettlement encodes processPayment (escrow) or processPaymentAndTransfer.
func PackSettlement(escrow bool, recipient common.Address, amount *big.Int, token common.Address) ([]byte, error) {
	method := MethodProcessPaymentAndTransfer
	if escrow {
		method = MethodProcessPayment
	}
	return PaymentProcessor.Pack(method, recipient, amount, token)
}

// UnpackBool decodes a single bool return value of method.
func UnpackBool(contract abi.ABI, method string, data []byte) (bool, error) {
	out, err := contract.Unpack(method, data)
	if err != nil {
		return false, err
	}
	if len(out) != 1 {
		return false, fmt.Errorf("%s: expected 1 return value, got %d", method, len(out))
	}
	v, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("%s: unexpected return type %T", method, out[0])
	}
	return v, nil
}

// UnpackBigInt decodes a single uint256 return value of method.
func UnpackBigInt(contract abi.ABI, method string, data []byte) (*big.Int, error) {
	out, err := contract.Unpack(method, data)
	if err != nil {
		return nil, err
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("%s: expected 1 return value, got %d", method, len(out))
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s: unexpected return type %T", method, out[0])
	}
	return v, nil
}

// UnpackPaymentRecord decodes the getPaymentStatus tuple.
func UnpackPaymentRecord(data []byte) (*PaymentRecord, error) {
	out, err := PaymentProcessor.Unpack(MethodGetPaymentStatus, data)
	if err != nil {
		return nil, err
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("getPaymentStatus: expected 1 return value, got %d", len(out))
	}
	record, ok := abi.ConvertType(out[0], new(PaymentRecord)).(*PaymentRecord)
	if !ok {
		return nil, fmt.Errorf("getPaymentStatus: unexpected tuple type %T", out[0])
	}
	return record, nil
}

// MethodByCalldata resolves the method a calldata payload invokes.
func MethodByCalldata(contract abi.ABI, data []byte) (*abi.Method, []interface{}, error) {
	if len(data) < 4 {
		return nil, nil, fmt.Errorf("calldata too short: %d bytes", len(data))
	}
	method, err := contract.MethodById(data[:4])
	if err != nil {
		return nil, nil, err
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, nil, fmt.Errorf("failed to unpack %s arguments: %w", method.Name, err)
	}
	return method, args, nil
}
