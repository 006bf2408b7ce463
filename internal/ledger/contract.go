// Package ledger implements the PaymentProcessor contract: a token
// allow-list, per-payment records keyed by a derived id, per-token custodial
// balances, and the escrow and pass-through settlement modes.
//
// The contract executes one ledger transaction at a time. Callers (the
// simulated chain) serialize top-level calls the way a block does; the
// non-reentrant guard rejects nested entry from token callbacks.
package ledger

import (
	"math/big"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// MaxPaymentAmount is 1,000,000 tokens at 18 decimals.
var MaxPaymentAmount = new(big.Int).Mul(big.NewInt(1_000_000), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))

// Call carries msg.sender and the block context of one contract invocation,
// and collects the events it emits. Events of a reverted call must be dropped.
type Call struct {
	Sender      common.Address
	Timestamp   uint64
	BlockNumber uint64
	Events      []Event
}

func (c *Call) emit(e Event) {
	c.Events = append(c.Events, e)
}

// Payment is the ledger-side payment record.
type Payment struct {
	PaymentID common.Hash
	Recipient common.Address
	Amount    *big.Int
	Token     common.Address
	Timestamp uint64
	Completed bool
}

func (p *Payment) clone() *Payment {
	cp := *p
	cp.Amount = new(big.Int).Set(p.Amount)
	return &cp
}

// PaymentContract is the in-process PaymentProcessor.
type PaymentContract struct {
	address common.Address
	owner   common.Address
	tokens  TokenLookup

	entered atomic.Bool

	mu           sync.RWMutex
	allowed      map[common.Address]bool
	payments     map[common.Hash]*Payment
	balances     map[common.Address]*big.Int
	paymentCount uint64
}

// NewPaymentContract deploys a contract at address owned by owner.
func NewPaymentContract(address, owner common.Address, tokens TokenLookup) *PaymentContract {
	return &PaymentContract{
		address:  address,
		owner:    owner,
		tokens:   tokens,
		allowed:  make(map[common.Address]bool),
		payments: make(map[common.Hash]*Payment),
		balances: make(map[common.Address]*big.Int),
	}
}

func (c *PaymentContract) Address() common.Address { return c.address }
func (c *PaymentContract) Owner() common.Address   { return c.owner }

// DerivePaymentID is keccak256(abi.encodePacked(sender, recipient, amount, timestamp, blockNumber)).
func DerivePaymentID(sender, recipient common.Address, amount *big.Int, timestamp, blockNumber uint64) common.Hash {
	return crypto.Keccak256Hash(
		sender.Bytes(),
		recipient.Bytes(),
		common.LeftPadBytes(amount.Bytes(), 32),
		common.LeftPadBytes(new(big.Int).SetUint64(timestamp).Bytes(), 32),
		common.LeftPadBytes(new(big.Int).SetUint64(blockNumber).Bytes(), 32),
	)
}

func (c *PaymentContract) onlyOwner(call *Call) error {
	if call.Sender != c.owner {
		return revert(ReasonOnlyOwner)
	}
	return nil
}

func (c *PaymentContract) nonReentrant() (func(), error) {
	if !c.entered.CompareAndSwap(false, true) {
		return nil, revert(ReasonReentrantCall)
	}
	return func() { c.entered.Store(false) }, nil
}

// AddAllowedToken makes token payable.
func (c *PaymentContract) AddAllowedToken(call *Call, token common.Address) error {
	if err := c.onlyOwner(call); err != nil {
		return err
	}
	if token == (common.Address{}) {
		return revert(ReasonInvalidToken)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.allowed[token] {
		return revert(ReasonTokenAlreadyAllowed)
	}
	c.allowed[token] = true
	call.emit(TokenAdded{Token: token})
	return nil
}

// RemoveAllowedToken stops accepting token. Existing custodial balances are kept.
func (c *PaymentContract) RemoveAllowedToken(call *Call, token common.Address) error {
	if err := c.onlyOwner(call); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.allowed[token] {
		return revert(ReasonTokenNotAllowed)
	}
	delete(c.allowed, token)
	call.emit(TokenRemoved{Token: token})
	return nil
}

// CheckPayment evaluates the settlement preconditions for call without
// moving tokens and returns the payment id the call would use.
func (c *PaymentContract) CheckPayment(call *Call, recipient common.Address, amount *big.Int, token common.Address) (common.Hash, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.allowed[token] {
		return common.Hash{}, revert(ReasonTokenNotAllowed)
	}
	if recipient == (common.Address{}) {
		return common.Hash{}, revert(ReasonInvalidRecipient)
	}
	if amount == nil || amount.Sign() <= 0 {
		return common.Hash{}, revert(ReasonInvalidAmount)
	}
	if amount.Cmp(MaxPaymentAmount) > 0 {
		return common.Hash{}, revert(ReasonAmountTooLarge)
	}

	id := DerivePaymentID(call.Sender, recipient, amount, call.Timestamp, call.BlockNumber)
	if _, exists := c.payments[id]; exists {
		return common.Hash{}, revert(ReasonAlreadyProcessed)
	}
	return id, nil
}

// ProcessPayment settles in escrow mode: the amount is pulled into contract
// custody and credited to the token's custodial balance. It returns false
// without reverting when the token pull fails.
func (c *PaymentContract) ProcessPayment(call *Call, recipient common.Address, amount *big.Int, token common.Address) (bool, error) {
	return c.settle(call, recipient, amount, token, true)
}

// ProcessPaymentAndTransfer settles in pass-through mode: the amount moves
// from the sender straight to the recipient and custody is not touched.
func (c *PaymentContract) ProcessPaymentAndTransfer(call *Call, recipient common.Address, amount *big.Int, token common.Address) (bool, error) {
	return c.settle(call, recipient, amount, token, false)
}

func (c *PaymentContract) settle(call *Call, recipient common.Address, amount *big.Int, token common.Address, escrow bool) (bool, error) {
	release, err := c.nonReentrant()
	if err != nil {
		return false, err
	}
	defer release()

	paymentID, err := c.CheckPayment(call, recipient, amount, token)
	if err != nil {
		return false, err
	}

	destination := recipient
	if escrow {
		destination = c.address
	}
	if !c.pull(token, call.Sender, destination, amount) {
		call.emit(PaymentFailed{PaymentID: paymentID, Sender: call.Sender, Reason: ReasonTokenPullFailed})
		return false, nil
	}

	c.mu.Lock()
	c.payments[paymentID] = &Payment{
		PaymentID: paymentID,
		Recipient: recipient,
		Amount:    new(big.Int).Set(amount),
		Token:     token,
		Timestamp: call.Timestamp,
		Completed: true,
	}
	if escrow {
		c.balances[token] = new(big.Int).Add(c.balanceLocked(token), amount)
	}
	c.paymentCount++
	c.mu.Unlock()

	call.emit(PaymentProcessed{
		PaymentID: paymentID,
		Sender:    call.Sender,
		Recipient: recipient,
		Token:     token,
		Amount:    new(big.Int).Set(amount),
		Timestamp: call.Timestamp,
	})
	return true, nil
}

func (c *PaymentContract) pull(token, from, to common.Address, amount *big.Int) bool {
	t, ok := c.tokens.Token(token)
	if !ok {
		return false
	}
	return t.TransferFrom(c.address, from, to, amount) == nil
}

// WithdrawFunds sends amount of escrowed token to the owner.
func (c *PaymentContract) WithdrawFunds(call *Call, token common.Address, amount *big.Int) error {
	if err := c.onlyOwner(call); err != nil {
		return err
	}
	release, err := c.nonReentrant()
	if err != nil {
		return err
	}
	defer release()

	if amount == nil || amount.Sign() <= 0 {
		return revert(ReasonInvalidAmount)
	}
	return c.withdraw(call, token, amount)
}

// WithdrawAllFunds sends the whole custodial balance of token to the owner.
func (c *PaymentContract) WithdrawAllFunds(call *Call, token common.Address) error {
	if err := c.onlyOwner(call); err != nil {
		return err
	}
	release, err := c.nonReentrant()
	if err != nil {
		return err
	}
	defer release()

	balance := c.GetTokenBalance(token)
	if balance.Sign() == 0 {
		return revert(ReasonNoFunds)
	}
	return c.withdraw(call, token, balance)
}

func (c *PaymentContract) withdraw(call *Call, token common.Address, amount *big.Int) error {
	c.mu.Lock()
	balance := c.balanceLocked(token)
	if balance.Cmp(amount) < 0 {
		c.mu.Unlock()
		return revert(ReasonInsufficientBalance)
	}
	c.balances[token] = new(big.Int).Sub(balance, amount)
	c.mu.Unlock()

	if !c.send(token, c.owner, amount) {
		c.mu.Lock()
		c.balances[token] = new(big.Int).Add(c.balanceLocked(token), amount)
		c.mu.Unlock()
		return revert(ReasonTransferFailed)
	}

	call.emit(FundsWithdrawn{Token: token, Recipient: c.owner, Amount: new(big.Int).Set(amount)})
	return nil
}

// EmergencyWithdraw moves contract-held tokens to recipient without touching
// custodial balances, so those balances become an expectation rather than a
// statement of actual holdings.
func (c *PaymentContract) EmergencyWithdraw(call *Call, token, recipient common.Address, amount *big.Int) error {
	if err := c.onlyOwner(call); err != nil {
		return err
	}
	release, err := c.nonReentrant()
	if err != nil {
		return err
	}
	defer release()

	if recipient == (common.Address{}) {
		return revert(ReasonInvalidRecipient)
	}
	if amount == nil || amount.Sign() <= 0 {
		return revert(ReasonInvalidAmount)
	}
	if !c.send(token, recipient, amount) {
		return revert(ReasonTransferFailed)
	}

	call.emit(FundsWithdrawn{Token: token, Recipient: recipient, Amount: new(big.Int).Set(amount)})
	return nil
}

func (c *PaymentContract) send(token, to common.Address, amount *big.Int) bool {
	t, ok := c.tokens.Token(token)
	if !ok {
		return false
	}
	return t.Transfer(c.address, to, amount) == nil
}

// GetPayment returns a copy of the payment stored under id.
func (c *PaymentContract) GetPayment(id common.Hash) (*Payment, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.payments[id]
	if !ok {
		return nil, false
	}
	return p.clone(), true
}

func (c *PaymentContract) IsPaymentCompleted(id common.Hash) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.payments[id]
	return ok && p.Completed
}

func (c *PaymentContract) GetTokenBalance(token common.Address) *big.Int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return new(big.Int).Set(c.balanceLocked(token))
}

func (c *PaymentContract) GetPaymentCount() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.paymentCount
}

func (c *PaymentContract) IsTokenAllowed(token common.Address) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.allowed[token]
}

func (c *PaymentContract) balanceLocked(token common.Address) *big.Int {
	if b, ok := c.balances[token]; ok {
		return b
	}
	return new(big.Int)
}
