package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"strings"
	"syscall"
	"time"

	"stablepay-backend/internal/clients"
	"stablepay-backend/internal/config"
	"stablepay-backend/internal/metrics"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/sirupsen/logrus"
)

// RetryPolicy bounds broadcast retries on transient RPC failures.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func RetryPolicyFromConfig(s config.SettlementConfig) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: s.MaxRetries,
		BaseDelay:   s.RetryBaseDelay(),
		MaxDelay:    s.RetryMaxDelay(),
	}
}

// Backoff returns the wait before retry n (0-based): base·2^n capped at max.
func (p RetryPolicy) Backoff(n int) time.Duration {
	if n > 30 {
		n = 30
	}
	delay := p.BaseDelay * time.Duration(1<<uint(n))
	if p.MaxDelay > 0 && (delay > p.MaxDelay || delay <= 0) {
		return p.MaxDelay
	}
	return delay
}

// Transactor builds, signs and broadcasts contract calls for one key.
type Transactor struct {
	client clients.LedgerClient
	signer *TransactionSigner
	gas    *GasPolicy
	retry  RetryPolicy
	sleep  func(ctx context.Context, d time.Duration) error
}

func NewTransactor(client clients.LedgerClient, signer *TransactionSigner, gas *GasPolicy, retry RetryPolicy) *Transactor {
	if retry.MaxAttempts < 1 {
		retry.MaxAttempts = 1
	}
	return &Transactor{
		client: client,
		signer: signer,
		gas:    gas,
		retry:  retry,
		sleep:  sleepContext,
	}
}

func (t *Transactor) From() common.Address { return t.signer.Address() }

// Build prepares a signed legacy transaction calling to with data.
func (t *Transactor) Build(ctx context.Context, to common.Address, data []byte) (*types.Transaction, error) {
	from := t.signer.Address()
	log := logrus.WithFields(logrus.Fields{"component": "transactor", "from": from.Hex(), "to": to.Hex()})

	nonce, err := t.client.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, &SubmissionError{Reason: "failed to read pending nonce", Err: err}
	}

	gasPrice, _ := t.gas.Price(ctx, t.client)

	estimate, estimateErr := t.client.EstimateGas(ctx, ethereum.CallMsg{
		From:     from,
		To:       &to,
		GasPrice: gasPrice,
		Data:     data,
	})
	if estimateErr != nil {
		if reason, ok := clients.RevertReason(estimateErr); ok {
			log.Warnf("⚠️ [Transactor] Gas estimation reverted (%s), using default limit", reason)
		} else {
			log.Warnf("⚠️ [Transactor] Gas estimation failed, using default limit: %v", estimateErr)
		}
	}
	gasLimit := t.gas.Limit(estimate, estimateErr)

	if err := t.checkGasBalance(ctx, from, gasLimit, gasPrice); err != nil {
		return nil, err
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    big.NewInt(0),
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := t.signer.Sign(tx)
	if err != nil {
		return nil, &SubmissionError{Reason: "signing failed", Err: err}
	}

	log.WithFields(logrus.Fields{
		"nonce":     nonce,
		"gas_limit": gasLimit,
		"gas_price": gasPrice.String(),
		"tx_hash":   signed.Hash().Hex(),
	}).Debugf("🔧 [Transactor] Built transaction")
	return signed, nil
}

func (t *Transactor) checkGasBalance(ctx context.Context, from common.Address, gasLimit uint64, gasPrice *big.Int) error {
	balance, err := t.client.BalanceAt(ctx, from, nil)
	if err != nil {
		logrus.WithError(err).Warnf("⚠️ [Transactor] Could not read balance of %s, skipping gas balance check", from.Hex())
		return nil
	}
	cost := new(big.Int).Mul(new(big.Int).SetUint64(gasLimit), gasPrice)
	if balance.Cmp(cost) < 0 {
		return &SubmissionError{Reason: "insufficient funds for gas: balance " + balance.String() + " wei, required " + cost.String() + " wei"}
	}
	return nil
}

// ErrBroadcastUncertain means every send failed transiently and the node
// could not say whether it holds the transaction. The caller must treat the
// transaction as possibly broadcast.
var ErrBroadcastUncertain = errors.New("broadcast outcome unknown")

// Broadcast sends tx, retrying transient failures with the same signed
// payload. Before each retry, and once more after the last one, the node is
// asked whether it already knows the hash, in which case the transaction
// counts as broadcast.
func (t *Transactor) Broadcast(ctx context.Context, tx *types.Transaction) error {
	start := time.Now()
	defer func() { metrics.SubmissionDuration.Observe(time.Since(start).Seconds()) }()

	log := logrus.WithFields(logrus.Fields{"component": "transactor", "tx_hash": tx.Hash().Hex()})

	var lastErr error
	for attempt := 1; attempt <= t.retry.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := t.sleep(ctx, t.retry.Backoff(attempt-2)); err != nil {
				return t.afterTransientFailures(ctx, tx, attempt-1, "cancelled while waiting to retry", lastErr, log)
			}
			if _, _, err := t.client.TransactionByHash(ctx, tx.Hash()); err == nil {
				metrics.SubmissionAttempts.WithLabelValues("already_known").Inc()
				log.WithField("attempt", attempt).Infof("✅ [Transactor] Transaction already known to the node, not resending")
				return nil
			}
		}

		err := t.client.SendTransaction(ctx, tx)
		if err == nil {
			metrics.SubmissionAttempts.WithLabelValues("success").Inc()
			log.WithField("attempt", attempt).Infof("🚀 [Transactor] Transaction broadcast")
			return nil
		}
		if IsAlreadyKnown(err) {
			metrics.SubmissionAttempts.WithLabelValues("already_known").Inc()
			return nil
		}
		lastErr = err

		if !IsTransient(err) || ctx.Err() != nil {
			metrics.SubmissionAttempts.WithLabelValues("failed").Inc()
			log.WithField("attempt", attempt).Errorf("❌ [Transactor] Broadcast rejected: %v", err)
			return &SubmissionError{Reason: "broadcast rejected", Attempts: attempt, Err: err}
		}
		metrics.SubmissionAttempts.WithLabelValues("retry").Inc()
		log.WithField("attempt", attempt).Warnf("⚠️ [Transactor] Transient broadcast failure: %v", err)
	}

	return t.afterTransientFailures(ctx, tx, t.retry.MaxAttempts, "retries exhausted", lastErr, log)
}

// afterTransientFailures settles what a run of transient send errors means:
// a lost response may still have delivered the transaction.
func (t *Transactor) afterTransientFailures(ctx context.Context, tx *types.Transaction, attempts int, reason string, lastErr error, log *logrus.Entry) error {
	lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultRPCCallTimeout)
	defer cancel()

	_, _, err := t.client.TransactionByHash(lookupCtx, tx.Hash())
	switch {
	case err == nil:
		metrics.SubmissionAttempts.WithLabelValues("already_known").Inc()
		log.WithField("attempts", attempts).Infof("✅ [Transactor] Transaction reached the node despite send errors")
		return nil
	case clients.IsNotFound(err):
		metrics.SubmissionAttempts.WithLabelValues("failed").Inc()
		return &SubmissionError{Reason: reason, Attempts: attempts, Err: lastErr}
	default:
		metrics.SubmissionAttempts.WithLabelValues("uncertain").Inc()
		log.WithField("attempts", attempts).Warnf("⚠️ [Transactor] Cannot tell whether the node has the transaction: %v", err)
		return fmt.Errorf("%w after %d attempts: %v", ErrBroadcastUncertain, attempts, lastErr)
	}
}

// IsAlreadyKnown reports a node answer meaning the tx is already in its pool.
func IsAlreadyKnown(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") || strings.Contains(msg, "known transaction")
}

var transientMessages = []string{
	"connection reset",
	"connection refused",
	"broken pipe",
	"timeout",
	"timed out",
	"too many requests",
	"eof",
	"service unavailable",
	"bad gateway",
}

// IsTransient reports whether a failed RPC call is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == 429 || httpErr.StatusCode >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, m := range transientMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
