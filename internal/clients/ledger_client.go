package clients

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"stablepay-backend/internal/contracts"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/sirupsen/logrus"
)

// LedgerClient is the JSON-RPC surface the settlement service needs.
// *ethclient.Client satisfies it; so does the simulated chain backend.
type LedgerClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (tx *types.Transaction, isPending bool, err error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	Close()
}

var _ LedgerClient = (*ethclient.Client)(nil)

// DialLedgerClient connects to the first endpoint that answers eth_chainId
// and checks it against expectedChainID.
func DialLedgerClient(ctx context.Context, endpoints []string, expectedChainID int64) (*ethclient.Client, string, error) {
	if len(endpoints) == 0 {
		return nil, "", fmt.Errorf("no RPC endpoints configured")
	}

	var lastErr error
	for i, endpoint := range endpoints {
		logrus.Infof("🔗 [LedgerClient] Trying endpoint %d/%d: %s", i+1, len(endpoints), endpoint)
		client, err := ethclient.DialContext(ctx, endpoint)
		if err != nil {
			logrus.Warnf("❌ [LedgerClient] Dial failed: %v", err)
			lastErr = err
			continue
		}

		checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		chainID, err := client.ChainID(checkCtx)
		cancel()
		if err != nil {
			logrus.Warnf("❌ [LedgerClient] ChainID check failed: %v", err)
			client.Close()
			lastErr = err
			continue
		}
		if expectedChainID != 0 && chainID.Int64() != expectedChainID {
			client.Close()
			lastErr = fmt.Errorf("chain ID mismatch: endpoint reports %s, expected %d", chainID, expectedChainID)
			logrus.Warnf("❌ [LedgerClient] %v", lastErr)
			continue
		}

		logrus.Infof("✅ [LedgerClient] Connected to %s (chain %s)", endpoint, chainID)
		return client, endpoint, nil
	}
	return nil, "", fmt.Errorf("all RPC endpoints failed: %w", lastErr)
}

// PaymentContractCaller performs read-only calls against the payment contract
// and the ERC-20 tokens it settles.
type PaymentContractCaller struct {
	client   LedgerClient
	contract common.Address
}

func NewPaymentContractCaller(client LedgerClient, contract common.Address) *PaymentContractCaller {
	return &PaymentContractCaller{client: client, contract: contract}
}

func (c *PaymentContractCaller) Contract() common.Address { return c.contract }

func (c *PaymentContractCaller) call(ctx context.Context, to common.Address, contract abi.ABI, method string, args ...interface{}) ([]byte, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", method, err)
	}
	out, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("%s call failed: %w", method, err)
	}
	return out, nil
}

func (c *PaymentContractCaller) IsTokenAllowed(ctx context.Context, token common.Address) (bool, error) {
	out, err := c.call(ctx, c.contract, contracts.PaymentProcessor, contracts.MethodIsTokenAllowed, token)
	if err != nil {
		return false, err
	}
	return contracts.UnpackBool(contracts.PaymentProcessor, contracts.MethodIsTokenAllowed, out)
}

func (c *PaymentContractCaller) IsPaymentCompleted(ctx context.Context, paymentID common.Hash) (bool, error) {
	out, err := c.call(ctx, c.contract, contracts.PaymentProcessor, contracts.MethodIsPaymentCompleted, paymentID)
	if err != nil {
		return false, err
	}
	return contracts.UnpackBool(contracts.PaymentProcessor, contracts.MethodIsPaymentCompleted, out)
}

func (c *PaymentContractCaller) GetPaymentStatus(ctx context.Context, paymentID common.Hash) (*contracts.PaymentRecord, error) {
	out, err := c.call(ctx, c.contract, contracts.PaymentProcessor, contracts.MethodGetPaymentStatus, paymentID)
	if err != nil {
		return nil, err
	}
	return contracts.UnpackPaymentRecord(out)
}

func (c *PaymentContractCaller) GetTokenBalance(ctx context.Context, token common.Address) (*big.Int, error) {
	out, err := c.call(ctx, c.contract, contracts.PaymentProcessor, contracts.MethodGetTokenBalance, token)
	if err != nil {
		return nil, err
	}
	return contracts.UnpackBigInt(contracts.PaymentProcessor, contracts.MethodGetTokenBalance, out)
}

func (c *PaymentContractCaller) GetPaymentCount(ctx context.Context) (*big.Int, error) {
	out, err := c.call(ctx, c.contract, contracts.PaymentProcessor, contracts.MethodGetPaymentCount)
	if err != nil {
		return nil, err
	}
	return contracts.UnpackBigInt(contracts.PaymentProcessor, contracts.MethodGetPaymentCount, out)
}

func (c *PaymentContractCaller) Owner(ctx context.Context) (common.Address, error) {
	out, err := c.call(ctx, c.contract, contracts.PaymentProcessor, contracts.MethodOwner)
	if err != nil {
		return common.Address{}, err
	}
	values, err := contracts.PaymentProcessor.Unpack(contracts.MethodOwner, out)
	if err != nil {
		return common.Address{}, err
	}
	owner, ok := values[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("owner: unexpected return type %T", values[0])
	}
	return owner, nil
}

// TokenDecimals reads decimals() from an ERC-20 token.
func (c *PaymentContractCaller) TokenDecimals(ctx context.Context, token common.Address) (uint8, error) {
	out, err := c.call(ctx, token, contracts.ERC20, "decimals")
	if err != nil {
		return 0, err
	}
	values, err := contracts.ERC20.Unpack("decimals", out)
	if err != nil {
		return 0, err
	}
	decimals, ok := values[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("decimals: unexpected return type %T", values[0])
	}
	return decimals, nil
}

// TokenBalanceOf reads balanceOf(account) from an ERC-20 token.
func (c *PaymentContractCaller) TokenBalanceOf(ctx context.Context, token, account common.Address) (*big.Int, error) {
	out, err := c.call(ctx, token, contracts.ERC20, "balanceOf", account)
	if err != nil {
		return nil, err
	}
	return contracts.UnpackBigInt(contracts.ERC20, "balanceOf", out)
}

// RevertReason extracts the Error(string) reason carried by an eth_call or
// eth_estimateGas failure. ok is false when err carries no revert data.
func RevertReason(err error) (string, bool) {
	if err == nil {
		return "", false
	}
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if hexData, isString := dataErr.ErrorData().(string); isString {
			if raw, decodeErr := hexutil.Decode(hexData); decodeErr == nil {
				if reason, unpackErr := abi.UnpackRevert(raw); unpackErr == nil {
					return reason, true
				}
			}
		}
	}
	return "", false
}

// IsNotFound reports whether err means the node does not know the object yet.
func IsNotFound(err error) bool {
	return errors.Is(err, ethereum.NotFound)
}
