// Package simulated provides an in-process chain that runs the payment
// contract ledger behind the same JSON-RPC surface as a real node. It backs
// local development (network "simulated: true") and the settlement tests.
package simulated

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"stablepay-backend/internal/contracts"
	"stablepay-backend/internal/ledger"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
)

// ErrTransient is returned by SendTransaction after FailNextSends when no
// explicit error was given.
var ErrTransient = errors.New("connection reset by peer")

var (
	errClosed     = errors.New("simulated backend closed")
	errNonceLow   = errors.New("nonce too low")
	errNonceHigh  = errors.New("nonce too high")
	errKnownTx    = errors.New("already known")
	errNoContract = errors.New("no contract code at given address")
	errOutOfGas   = errors.New("out of gas")
)

const (
	settlementGas = 85_000
	adminGas      = 60_000
	tokenGas      = 50_000
	revertGas     = 30_000
)

// Config describes the simulated chain.
type Config struct {
	ChainID         int64
	ContractAddress common.Address
	Owner           common.Address
	GasPrice        *big.Int
	BlockTime       time.Duration
	StartTime       time.Time
	AutoMine        bool
}

// RevertError is the JSON-RPC error returned for reverted calls. It carries
// the Error(string) payload the way a node does (code 3, hex data).
type RevertError struct {
	Reason string
}

func (e *RevertError) Error() string  { return "execution reverted: " + e.Reason }
func (e *RevertError) ErrorCode() int { return 3 }
func (e *RevertError) ErrorData() interface{} {
	return hexutil.Encode(contracts.PackRevert(e.Reason))
}

type block struct {
	number    uint64
	timestamp uint64
	hash      common.Hash
}

// Backend is a single-node chain with an optional auto-miner.
type Backend struct {
	mu sync.Mutex

	chainID   *big.Int
	signer    types.Signer
	contract  *ledger.PaymentContract
	tokens    *ledger.TokenSet
	memTokens map[common.Address]*ledger.MemoryToken
	gasPrice  *big.Int
	blockTime uint64
	autoMine  bool

	head   block
	blocks map[uint64]block

	nonces    map[common.Address]uint64
	native    map[common.Address]*big.Int
	pending   []*types.Transaction
	txs       map[common.Hash]*types.Transaction
	receipts  map[common.Hash]*types.Receipt
	hidden    map[common.Hash]bool
	dropNext  bool
	failSends int
	failErr   error
	closed    bool
}

// New creates a chain at block 0 with the payment contract deployed.
func New(cfg Config) *Backend {
	if cfg.ChainID == 0 {
		cfg.ChainID = 1337
	}
	if cfg.GasPrice == nil {
		cfg.GasPrice = big.NewInt(1_000_000_000)
	}
	if cfg.BlockTime <= 0 {
		cfg.BlockTime = 3 * time.Second
	}
	if cfg.StartTime.IsZero() {
		cfg.StartTime = time.Now()
	}

	chainID := big.NewInt(cfg.ChainID)
	tokens := ledger.NewTokenSet()
	genesis := block{number: 0, timestamp: uint64(cfg.StartTime.Unix())}
	genesis.hash = blockHash(genesis.number, genesis.timestamp)

	b := &Backend{
		chainID:   chainID,
		signer:    types.LatestSignerForChainID(chainID),
		contract:  ledger.NewPaymentContract(cfg.ContractAddress, cfg.Owner, tokens),
		tokens:    tokens,
		memTokens: make(map[common.Address]*ledger.MemoryToken),
		gasPrice:  new(big.Int).Set(cfg.GasPrice),
		blockTime: uint64(cfg.BlockTime / time.Second),
		autoMine:  cfg.AutoMine,
		head:      genesis,
		blocks:    map[uint64]block{0: genesis},
		nonces:    make(map[common.Address]uint64),
		native:    make(map[common.Address]*big.Int),
		txs:       make(map[common.Hash]*types.Transaction),
		receipts:  make(map[common.Hash]*types.Receipt),
		hidden:    make(map[common.Hash]bool),
	}
	if b.blockTime == 0 {
		b.blockTime = 1
	}
	logrus.Infof("🧪 [Simulated] Chain %d started, payment contract at %s", cfg.ChainID, cfg.ContractAddress.Hex())
	return b
}

func blockHash(number, timestamp uint64) common.Hash {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], number)
	binary.BigEndian.PutUint64(buf[8:], timestamp)
	return crypto.Keccak256Hash([]byte("simulated-block"), buf[:])
}

// Contract exposes the ledger for direct inspection.
func (b *Backend) Contract() *ledger.PaymentContract { return b.contract }

// DeployToken registers an ERC-20 at address.
func (b *Backend) DeployToken(address common.Address, symbol string, decimals uint8) *ledger.MemoryToken {
	b.mu.Lock()
	defer b.mu.Unlock()
	token := ledger.NewMemoryToken(address, symbol, decimals)
	b.memTokens[address] = token
	b.tokens.Add(token)
	return token
}

// Token returns the token deployed at address.
func (b *Backend) Token(address common.Address) (*ledger.MemoryToken, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.memTokens[address]
	return t, ok
}

// AllowToken adds token to the contract allow-list outside of a transaction.
func (b *Backend) AllowToken(token common.Address) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	call := &ledger.Call{Sender: b.contract.Owner(), Timestamp: b.head.timestamp, BlockNumber: b.head.number}
	return b.contract.AddAllowedToken(call, token)
}

// Fund sets the native balance of account.
func (b *Backend) Fund(account common.Address, wei *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.native[account] = new(big.Int).Set(wei)
}

func (b *Backend) SetAutoMine(enabled bool) {
	b.mu.Lock()
	b.autoMine = enabled
	b.mu.Unlock()
}

func (b *Backend) SetGasPrice(price *big.Int) {
	b.mu.Lock()
	b.gasPrice = new(big.Int).Set(price)
	b.mu.Unlock()
}

// FailNextSends makes the next n SendTransaction calls fail with err
// (ErrTransient when err is nil) without accepting the transaction.
func (b *Backend) FailNextSends(n int, err error) {
	if err == nil {
		err = ErrTransient
	}
	b.mu.Lock()
	b.failSends = n
	b.failErr = err
	b.mu.Unlock()
}

// DropNextReceipts hides the receipts of transactions mined by the next
// Commit, as if the node had lost them.
func (b *Backend) DropNextReceipts() {
	b.mu.Lock()
	b.dropNext = true
	b.mu.Unlock()
}

// RestoreReceipts makes every hidden receipt visible again.
func (b *Backend) RestoreReceipts() {
	b.mu.Lock()
	b.hidden = make(map[common.Hash]bool)
	b.mu.Unlock()
}

// PendingCount returns the number of accepted, unmined transactions.
func (b *Backend) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Commit mines every pending transaction into one new block and returns its number.
func (b *Backend) Commit() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.commitLocked()
}

// AdvanceBlocks mines n blocks, the first of which includes pending transactions.
func (b *Backend) AdvanceBlocks(n int) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := 0; i < n; i++ {
		b.commitLocked()
	}
	return b.head.number
}

// Mine commits a block every interval until the returned stop function is
// called, so confirmations accumulate without further traffic.
func (b *Backend) Mine(interval time.Duration) (stop func()) {
	done := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				b.mu.Lock()
				if !b.closed {
					b.commitLocked()
				}
				b.mu.Unlock()
			case <-done:
				return
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}

func (b *Backend) commitLocked() uint64 {
	next := block{number: b.head.number + 1, timestamp: b.head.timestamp + b.blockTime}
	next.hash = blockHash(next.number, next.timestamp)

	drop := b.dropNext
	b.dropNext = false

	var logIndex uint
	for i, tx := range b.pending {
		receipt := b.execute(tx, next, uint(i), &logIndex)
		b.receipts[tx.Hash()] = receipt
		if drop {
			b.hidden[tx.Hash()] = true
		}
	}
	if n := len(b.pending); n > 0 {
		logrus.Debugf("🧪 [Simulated] Mined block %d with %d transactions", next.number, n)
	}
	b.pending = nil
	b.head = next
	b.blocks[next.number] = next
	return next.number
}

func (b *Backend) execute(tx *types.Transaction, blk block, index uint, logIndex *uint) *types.Receipt {
	from, _ := types.Sender(b.signer, tx)
	b.nonces[from] = tx.Nonce() + 1

	receipt := &types.Receipt{
		Type:              tx.Type(),
		TxHash:            tx.Hash(),
		BlockHash:         blk.hash,
		BlockNumber:       new(big.Int).SetUint64(blk.number),
		TransactionIndex:  index,
		EffectiveGasPrice: tx.GasPrice(),
		Logs:              []*types.Log{},
	}

	call := &ledger.Call{Sender: from, Timestamp: blk.timestamp, BlockNumber: blk.number}
	var (
		gasUsed uint64
		err     error
	)
	// out-of-gas must leave contract and token state untouched
	if b.requiredGas(tx.To(), tx.Data()) > tx.Gas() {
		err = errOutOfGas
	} else {
		gasUsed, err = b.dispatch(call, tx.To(), tx.Data())
	}
	if err != nil {
		receipt.Status = types.ReceiptStatusFailed
		receipt.GasUsed = min(revertGas, tx.Gas())
		receipt.CumulativeGasUsed = receipt.GasUsed
		logrus.Debugf("🧪 [Simulated] Tx %s reverted: %v", tx.Hash().Hex(), err)
		b.chargeGas(from, receipt.GasUsed, tx.GasPrice())
		return receipt
	}

	receipt.Status = types.ReceiptStatusSuccessful
	receipt.GasUsed = gasUsed
	receipt.CumulativeGasUsed = gasUsed
	for _, ev := range call.Events {
		l, encodeErr := encodeEvent(ev)
		if encodeErr != nil {
			logrus.Warnf("⚠️ [Simulated] Failed to encode %s: %v", ev.EventName(), encodeErr)
			continue
		}
		l.Address = b.contract.Address()
		l.BlockNumber = blk.number
		l.BlockHash = blk.hash
		l.TxHash = tx.Hash()
		l.TxIndex = index
		l.Index = *logIndex
		*logIndex++
		receipt.Logs = append(receipt.Logs, l)
	}
	b.chargeGas(from, gasUsed, tx.GasPrice())
	return receipt
}

func (b *Backend) chargeGas(from common.Address, gas uint64, price *big.Int) {
	balance, ok := b.native[from]
	if !ok {
		return
	}
	cost := new(big.Int).Mul(new(big.Int).SetUint64(gas), price)
	if balance.Cmp(cost) < 0 {
		b.native[from] = new(big.Int)
		return
	}
	b.native[from] = new(big.Int).Sub(balance, cost)
}

// dispatch executes calldata against the contract or a token and returns the gas it used.
func (b *Backend) dispatch(call *ledger.Call, to *common.Address, data []byte) (uint64, error) {
	if to == nil {
		return 0, errNoContract
	}
	if *to == b.contract.Address() {
		return b.dispatchContract(call, data)
	}
	if token, ok := b.memTokens[*to]; ok {
		return tokenGas, dispatchToken(call, token, data)
	}
	return 0, errNoContract
}

// requiredGas is the gas a call to `to` will use, known before execution.
func (b *Backend) requiredGas(to *common.Address, data []byte) uint64 {
	if to == nil {
		return 0
	}
	if *to == b.contract.Address() {
		method, _, err := contracts.MethodByCalldata(contracts.PaymentProcessor, data)
		if err != nil {
			return 0
		}
		return contractGas(method.Name)
	}
	if _, ok := b.memTokens[*to]; ok {
		return tokenGas
	}
	return 0
}

func contractGas(method string) uint64 {
	switch method {
	case contracts.MethodProcessPayment, contracts.MethodProcessPaymentAndTransfer:
		return settlementGas
	case contracts.MethodAddAllowedToken, contracts.MethodRemoveAllowedToken,
		contracts.MethodWithdrawFunds, contracts.MethodWithdrawAllFunds, contracts.MethodEmergencyWithdraw:
		return adminGas
	default:
		// view functions cost gas but change nothing
		return revertGas
	}
}

func (b *Backend) dispatchContract(call *ledger.Call, data []byte) (uint64, error) {
	method, args, err := contracts.MethodByCalldata(contracts.PaymentProcessor, data)
	if err != nil {
		return 0, err
	}
	gas := contractGas(method.Name)

	switch method.Name {
	case contracts.MethodProcessPayment:
		_, err = b.contract.ProcessPayment(call, args[0].(common.Address), args[1].(*big.Int), args[2].(common.Address))
	case contracts.MethodProcessPaymentAndTransfer:
		_, err = b.contract.ProcessPaymentAndTransfer(call, args[0].(common.Address), args[1].(*big.Int), args[2].(common.Address))
	case contracts.MethodAddAllowedToken:
		err = b.contract.AddAllowedToken(call, args[0].(common.Address))
	case contracts.MethodRemoveAllowedToken:
		err = b.contract.RemoveAllowedToken(call, args[0].(common.Address))
	case contracts.MethodWithdrawFunds:
		err = b.contract.WithdrawFunds(call, args[0].(common.Address), args[1].(*big.Int))
	case contracts.MethodWithdrawAllFunds:
		err = b.contract.WithdrawAllFunds(call, args[0].(common.Address))
	case contracts.MethodEmergencyWithdraw:
		err = b.contract.EmergencyWithdraw(call, args[0].(common.Address), args[1].(common.Address), args[2].(*big.Int))
	}
	return gas, err
}

func dispatchToken(call *ledger.Call, token *ledger.MemoryToken, data []byte) error {
	method, args, err := contracts.MethodByCalldata(contracts.ERC20, data)
	if err != nil {
		return err
	}
	switch method.Name {
	case "approve":
		token.Approve(call.Sender, args[0].(common.Address), args[1].(*big.Int))
		return nil
	case "transfer":
		return token.Transfer(call.Sender, args[0].(common.Address), args[1].(*big.Int))
	case "transferFrom":
		return token.TransferFrom(call.Sender, args[0].(common.Address), args[1].(common.Address), args[2].(*big.Int))
	default:
		return nil
	}
}

func encodeEvent(ev ledger.Event) (*types.Log, error) {
	var values []interface{}
	switch e := ev.(type) {
	case ledger.PaymentProcessed:
		values = []interface{}{e.PaymentID, e.Sender, e.Recipient, e.Token, e.Amount, new(big.Int).SetUint64(e.Timestamp)}
	case ledger.PaymentFailed:
		values = []interface{}{e.PaymentID, e.Sender, e.Reason}
	case ledger.FundsWithdrawn:
		values = []interface{}{e.Token, e.Recipient, e.Amount}
	case ledger.TokenAdded:
		values = []interface{}{e.Token}
	case ledger.TokenRemoved:
		values = []interface{}{e.Token}
	default:
		return nil, fmt.Errorf("unknown event %T", ev)
	}
	topics, data, err := contracts.EncodeLog(ev.EventName(), values...)
	if err != nil {
		return nil, err
	}
	return &types.Log{Topics: topics, Data: data}, nil
}

// ===== JSON-RPC surface =====

func (b *Backend) ChainID(ctx context.Context) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errClosed
	}
	return new(big.Int).Set(b.chainID), nil
}

func (b *Backend) BlockNumber(ctx context.Context) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, errClosed
	}
	return b.head.number, nil
}

func (b *Backend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, errClosed
	}
	return b.pendingNonceLocked(account), nil
}

func (b *Backend) pendingNonceLocked(account common.Address) uint64 {
	nonce := b.nonces[account]
	for _, tx := range b.pending {
		if from, err := types.Sender(b.signer, tx); err == nil && from == account && tx.Nonce() >= nonce {
			nonce = tx.Nonce() + 1
		}
	}
	return nonce
}

func (b *Backend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errClosed
	}
	return new(big.Int).Set(b.gasPrice), nil
}

// EstimateGas dry-runs msg against the next block and fails with the revert
// reason when the call would revert.
func (b *Backend) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, errClosed
	}
	call := &ledger.Call{Sender: msg.From, Timestamp: b.head.timestamp + b.blockTime, BlockNumber: b.head.number + 1}
	gas, err := b.dryRun(call, msg.To, msg.Data)
	if err != nil {
		return 0, err
	}
	return gas, nil
}

// CallContract answers view functions from current state. Mutating
// selectors are checked against the context of blockNumber (the pending
// block when nil) so a reverted transaction can be replayed for its reason.
func (b *Backend) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errClosed
	}
	if msg.To == nil {
		return nil, errNoContract
	}

	if token, ok := b.memTokens[*msg.To]; ok {
		return callToken(token, msg.Data)
	}
	if *msg.To != b.contract.Address() {
		return nil, errNoContract
	}

	method, args, err := contracts.MethodByCalldata(contracts.PaymentProcessor, msg.Data)
	if err != nil {
		return nil, err
	}

	switch method.Name {
	case contracts.MethodIsTokenAllowed:
		return method.Outputs.Pack(b.contract.IsTokenAllowed(args[0].(common.Address)))
	case contracts.MethodIsPaymentCompleted:
		return method.Outputs.Pack(b.contract.IsPaymentCompleted(common.Hash(args[0].([32]byte))))
	case contracts.MethodGetTokenBalance:
		return method.Outputs.Pack(b.contract.GetTokenBalance(args[0].(common.Address)))
	case contracts.MethodGetPaymentCount:
		return method.Outputs.Pack(new(big.Int).SetUint64(b.contract.GetPaymentCount()))
	case contracts.MethodOwner:
		return method.Outputs.Pack(b.contract.Owner())
	case contracts.MethodGetPaymentStatus:
		record := contracts.PaymentRecord{Amount: new(big.Int), Timestamp: new(big.Int)}
		if p, ok := b.contract.GetPayment(common.Hash(args[0].([32]byte))); ok {
			record = contracts.PaymentRecord{
				PaymentId: p.PaymentID,
				Recipient: p.Recipient,
				Amount:    p.Amount,
				Token:     p.Token,
				Timestamp: new(big.Int).SetUint64(p.Timestamp),
				Completed: p.Completed,
			}
		}
		return method.Outputs.Pack(record)
	}

	blk := block{number: b.head.number + 1, timestamp: b.head.timestamp + b.blockTime}
	if blockNumber != nil {
		if known, ok := b.blocks[blockNumber.Uint64()]; ok {
			blk = known
		}
	}
	call := &ledger.Call{Sender: msg.From, Timestamp: blk.timestamp, BlockNumber: blk.number}
	if _, err := b.dryRun(call, msg.To, msg.Data); err != nil {
		return nil, err
	}
	if len(method.Outputs) == 0 {
		return []byte{}, nil
	}
	return method.Outputs.Pack(true)
}

// dryRun validates a mutating call without changing state.
func (b *Backend) dryRun(call *ledger.Call, to *common.Address, data []byte) (uint64, error) {
	if to == nil {
		return 0, errNoContract
	}
	if _, ok := b.memTokens[*to]; ok {
		return tokenGas, nil
	}
	if *to != b.contract.Address() {
		return 0, errNoContract
	}

	method, args, err := contracts.MethodByCalldata(contracts.PaymentProcessor, data)
	if err != nil {
		return 0, err
	}

	switch method.Name {
	case contracts.MethodProcessPayment, contracts.MethodProcessPaymentAndTransfer:
		if _, err := b.contract.CheckPayment(call, args[0].(common.Address), args[1].(*big.Int), args[2].(common.Address)); err != nil {
			return 0, asRPCError(err)
		}
		return settlementGas, nil
	case contracts.MethodAddAllowedToken, contracts.MethodRemoveAllowedToken,
		contracts.MethodWithdrawFunds, contracts.MethodWithdrawAllFunds, contracts.MethodEmergencyWithdraw:
		if call.Sender != b.contract.Owner() {
			return 0, &RevertError{Reason: ledger.ReasonOnlyOwner}
		}
		if reason := b.adminPrecheck(method.Name, args); reason != "" {
			return 0, &RevertError{Reason: reason}
		}
		return adminGas, nil
	default:
		return revertGas, nil
	}
}

// adminPrecheck mirrors the require() checks of the owner functions.
func (b *Backend) adminPrecheck(method string, args []interface{}) string {
	switch method {
	case contracts.MethodAddAllowedToken:
		token := args[0].(common.Address)
		if token == (common.Address{}) {
			return ledger.ReasonInvalidToken
		}
		if b.contract.IsTokenAllowed(token) {
			return ledger.ReasonTokenAlreadyAllowed
		}
	case contracts.MethodRemoveAllowedToken:
		if !b.contract.IsTokenAllowed(args[0].(common.Address)) {
			return ledger.ReasonTokenNotAllowed
		}
	case contracts.MethodWithdrawFunds:
		amount := args[1].(*big.Int)
		if amount.Sign() <= 0 {
			return ledger.ReasonInvalidAmount
		}
		if b.contract.GetTokenBalance(args[0].(common.Address)).Cmp(amount) < 0 {
			return ledger.ReasonInsufficientBalance
		}
	case contracts.MethodWithdrawAllFunds:
		if b.contract.GetTokenBalance(args[0].(common.Address)).Sign() == 0 {
			return ledger.ReasonNoFunds
		}
	case contracts.MethodEmergencyWithdraw:
		if args[1].(common.Address) == (common.Address{}) {
			return ledger.ReasonInvalidRecipient
		}
		if args[2].(*big.Int).Sign() <= 0 {
			return ledger.ReasonInvalidAmount
		}
	}
	return ""
}

func asRPCError(err error) error {
	if reason, ok := ledger.RevertReason(err); ok {
		return &RevertError{Reason: reason}
	}
	return err
}

func callToken(token *ledger.MemoryToken, data []byte) ([]byte, error) {
	method, args, err := contracts.MethodByCalldata(contracts.ERC20, data)
	if err != nil {
		return nil, err
	}
	switch method.Name {
	case "decimals":
		return method.Outputs.Pack(token.Decimals())
	case "symbol":
		return method.Outputs.Pack(token.Symbol())
	case "balanceOf":
		return method.Outputs.Pack(token.BalanceOf(args[0].(common.Address)))
	case "allowance":
		return method.Outputs.Pack(token.Allowance(args[0].(common.Address), args[1].(common.Address)))
	default:
		return method.Outputs.Pack(true)
	}
}

// SendTransaction accepts a signed transaction into the pending pool.
func (b *Backend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errClosed
	}
	if b.failSends > 0 {
		b.failSends--
		return b.failErr
	}

	from, err := types.Sender(b.signer, tx)
	if err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}
	if _, known := b.txs[tx.Hash()]; known {
		return errKnownTx
	}
	expected := b.pendingNonceLocked(from)
	switch {
	case tx.Nonce() < expected:
		return errNonceLow
	case tx.Nonce() > expected:
		return errNonceHigh
	}

	b.txs[tx.Hash()] = tx
	b.pending = append(b.pending, tx)
	if b.autoMine {
		b.commitLocked()
	}
	return nil
}

func (b *Backend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errClosed
	}
	receipt, ok := b.receipts[txHash]
	if !ok || b.hidden[txHash] {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

func (b *Backend) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, false, errClosed
	}
	tx, ok := b.txs[hash]
	if !ok {
		return nil, false, ethereum.NotFound
	}
	_, mined := b.receipts[hash]
	return tx, !mined, nil
}

func (b *Backend) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errClosed
	}
	if balance, ok := b.native[account]; ok {
		return new(big.Int).Set(balance), nil
	}
	return new(big.Int), nil
}

func (b *Backend) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
}
