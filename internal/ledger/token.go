package ledger

import (
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Token is the ERC-20 surface the payment contract depends on.
// Transfer moves tokens held by from, TransferFrom spends spender's allowance.
type Token interface {
	Address() common.Address
	Symbol() string
	Decimals() uint8
	BalanceOf(owner common.Address) *big.Int
	Allowance(owner, spender common.Address) *big.Int
	Transfer(from, to common.Address, amount *big.Int) error
	TransferFrom(spender, from, to common.Address, amount *big.Int) error
}

// TokenLookup resolves the token implementation deployed at an address.
type TokenLookup interface {
	Token(addr common.Address) (Token, bool)
}

// TransferHook runs before a MemoryToken moves funds, outside the token lock.
// Tests use it to model token contracts that call back into the caller.
type TransferHook func(from, to common.Address, amount *big.Int)

// MemoryToken is an in-process ERC-20 used by the simulated chain.
type MemoryToken struct {
	address  common.Address
	symbol   string
	decimals uint8

	mu         sync.Mutex
	balances   map[common.Address]*big.Int
	allowances map[common.Address]map[common.Address]*big.Int
	hook       TransferHook
}

// NewMemoryToken creates an empty token.
func NewMemoryToken(address common.Address, symbol string, decimals uint8) *MemoryToken {
	return &MemoryToken{
		address:    address,
		symbol:     symbol,
		decimals:   decimals,
		balances:   make(map[common.Address]*big.Int),
		allowances: make(map[common.Address]map[common.Address]*big.Int),
	}
}

func (t *MemoryToken) Address() common.Address { return t.address }
func (t *MemoryToken) Symbol() string          { return t.symbol }
func (t *MemoryToken) Decimals() uint8         { return t.decimals }

// SetTransferHook installs h; nil removes it.
func (t *MemoryToken) SetTransferHook(h TransferHook) {
	t.mu.Lock()
	t.hook = h
	t.mu.Unlock()
}

// Mint credits amount to owner.
func (t *MemoryToken) Mint(owner common.Address, amount *big.Int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.balances[owner] = new(big.Int).Add(t.balanceLocked(owner), amount)
}

// Approve sets spender's allowance over owner's funds.
func (t *MemoryToken) Approve(owner, spender common.Address, amount *big.Int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.allowances[owner] == nil {
		t.allowances[owner] = make(map[common.Address]*big.Int)
	}
	t.allowances[owner][spender] = new(big.Int).Set(amount)
}

func (t *MemoryToken) BalanceOf(owner common.Address) *big.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return new(big.Int).Set(t.balanceLocked(owner))
}

func (t *MemoryToken) Allowance(owner, spender common.Address) *big.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return new(big.Int).Set(t.allowanceLocked(owner, spender))
}

func (t *MemoryToken) Transfer(from, to common.Address, amount *big.Int) error {
	t.runHook(from, to, amount)

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.moveLocked(from, to, amount)
}

func (t *MemoryToken) TransferFrom(spender, from, to common.Address, amount *big.Int) error {
	t.runHook(from, to, amount)

	t.mu.Lock()
	defer t.mu.Unlock()

	allowance := t.allowanceLocked(from, spender)
	if amount == nil || allowance.Cmp(amount) < 0 {
		return ErrInsufficientAllowance
	}
	if err := t.moveLocked(from, to, amount); err != nil {
		return err
	}
	if t.allowances[from] == nil {
		t.allowances[from] = make(map[common.Address]*big.Int)
	}
	t.allowances[from][spender] = new(big.Int).Sub(allowance, amount)
	return nil
}

func (t *MemoryToken) runHook(from, to common.Address, amount *big.Int) {
	t.mu.Lock()
	hook := t.hook
	t.mu.Unlock()
	if hook != nil {
		hook(from, to, amount)
	}
}

func (t *MemoryToken) moveLocked(from, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidTokenAmount
	}
	balance := t.balanceLocked(from)
	if balance.Cmp(amount) < 0 {
		return ErrInsufficientTokenBalance
	}
	t.balances[from] = new(big.Int).Sub(balance, amount)
	t.balances[to] = new(big.Int).Add(t.balanceLocked(to), amount)
	return nil
}

func (t *MemoryToken) balanceLocked(owner common.Address) *big.Int {
	if b, ok := t.balances[owner]; ok {
		return b
	}
	return new(big.Int)
}

func (t *MemoryToken) allowanceLocked(owner, spender common.Address) *big.Int {
	if m, ok := t.allowances[owner]; ok {
		if a, ok := m[spender]; ok {
			return a
		}
	}
	return new(big.Int)
}

// TokenSet is a TokenLookup backed by a map.
type TokenSet struct {
	mu     sync.RWMutex
	tokens map[common.Address]Token
}

func NewTokenSet(tokens ...Token) *TokenSet {
	s := &TokenSet{tokens: make(map[common.Address]Token)}
	for _, t := range tokens {
		s.tokens[t.Address()] = t
	}
	return s
}

func (s *TokenSet) Add(t Token) {
	s.mu.Lock()
	s.tokens[t.Address()] = t
	s.mu.Unlock()
}

func (s *TokenSet) Token(addr common.Address) (Token, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tokens[addr]
	return t, ok
}
