package services

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

// SubmitFunc does the work of one submission and returns the broadcast hash.
type SubmitFunc func(ctx context.Context) (common.Hash, error)

type submitResult struct {
	hash common.Hash
	err  error
}

// SubmissionQueue serializes submissions per sender address and chain so
// that two payments from one key never race for the same nonce. The lane
// stays held after a successful submission until Release is called, which
// happens once the transaction has a receipt or reached a terminal state.
type SubmissionQueue struct {
	chainID   int64
	lanes     map[string]chan struct{} // address:chainID -> one-slot semaphore
	laneMutex sync.RWMutex
	stopChan  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

func NewSubmissionQueue(chainID int64) *SubmissionQueue {
	return &SubmissionQueue{
		chainID:  chainID,
		lanes:    make(map[string]chan struct{}),
		stopChan: make(chan struct{}),
	}
}

// getOrCreateLane returns the lane of a sender, creating it on first use.
func (q *SubmissionQueue) getOrCreateLane(sender common.Address) chan struct{} {
	key := fmt.Sprintf("%s:%d", sender.Hex(), q.chainID)

	q.laneMutex.RLock()
	lane, exists := q.lanes[key]
	q.laneMutex.RUnlock()

	if exists {
		return lane
	}

	q.laneMutex.Lock()
	defer q.laneMutex.Unlock()

	// double check
	if lane, exists := q.lanes[key]; exists {
		return lane
	}

	lane = make(chan struct{}, 1)
	q.lanes[key] = lane
	return lane
}

// Acquire takes the sender lane without running a submission, for
// transactions already in flight. The caller must Release it.
func (q *SubmissionQueue) Acquire(ctx context.Context, sender common.Address) error {
	lane := q.getOrCreateLane(sender)

	select {
	case <-q.stopChan:
		return ErrQueueStopped
	default:
	}

	select {
	case lane <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for sender lane %s: %w", sender.Hex(), ctx.Err())
	case <-q.stopChan:
		return ErrQueueStopped
	}
}

// Submit waits for the sender lane (honouring ctx) and runs fn on its own
// goroutine. When fn fails the lane is released immediately; on success the
// caller owns the lane until Release.
func (q *SubmissionQueue) Submit(ctx context.Context, sender common.Address, fn SubmitFunc) (common.Hash, error) {
	if err := q.Acquire(ctx, sender); err != nil {
		return common.Hash{}, err
	}
	lane := q.getOrCreateLane(sender)

	results := make(chan submitResult, 1)
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		hash, err := fn(ctx)
		results <- submitResult{hash: hash, err: err}
	}()

	res := <-results
	if res.err != nil {
		q.release(lane)
		return common.Hash{}, res.err
	}
	return res.hash, nil
}

// Release frees the sender lane taken by a successful Submit.
func (q *SubmissionQueue) Release(sender common.Address) {
	q.release(q.getOrCreateLane(sender))
}

func (q *SubmissionQueue) release(lane chan struct{}) {
	select {
	case <-lane:
	default:
		logrus.Warnf("⚠️ [Queue] Release called on a lane that is not held")
	}
}

// Held reports whether the sender lane is currently taken.
func (q *SubmissionQueue) Held(sender common.Address) bool {
	return len(q.getOrCreateLane(sender)) == 1
}

// Stop rejects new submissions and waits for running ones.
func (q *SubmissionQueue) Stop() {
	q.stopOnce.Do(func() {
		close(q.stopChan)
	})
	q.wg.Wait()
	logrus.Infof("🛑 [Queue] Submission queue stopped")
}
