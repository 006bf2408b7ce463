package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	senderA = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	senderB = common.HexToAddress("0x00000000000000000000000000000000000000b2")
)

func TestSubmissionQueue_SerializesPerSender(t *testing.T) {
	q := NewSubmissionQueue(31337)
	defer q.Stop()

	var inFlight, maxInFlight int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := q.Submit(context.Background(), senderA, func(ctx context.Context) (common.Hash, error) {
				n := atomic.AddInt32(&inFlight, 1)
				for {
					m := atomic.LoadInt32(&maxInFlight)
					if n <= m || atomic.CompareAndSwapInt32(&maxInFlight, m, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&inFlight, -1)
				return common.BigToHash(common.Big1), nil
			})
			if err == nil {
				q.Release(senderA)
			}
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt32(&maxInFlight))
	assert.False(t, q.Held(senderA))
}

func TestSubmissionQueue_LaneHeldUntilRelease(t *testing.T) {
	q := NewSubmissionQueue(31337)
	defer q.Stop()

	hash, err := q.Submit(context.Background(), senderA, func(ctx context.Context) (common.Hash, error) {
		return common.HexToHash("0x01"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, common.HexToHash("0x01"), hash)
	assert.True(t, q.Held(senderA))

	// a second sender is independent
	_, err = q.Submit(context.Background(), senderB, func(ctx context.Context) (common.Hash, error) {
		return common.HexToHash("0x02"), nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = q.Submit(ctx, senderA, func(ctx context.Context) (common.Hash, error) {
		t.Fatal("must not run while the lane is held")
		return common.Hash{}, nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	q.Release(senderA)
	assert.False(t, q.Held(senderA))
	q.Release(senderB)
}

func TestSubmissionQueue_ErrorReleasesLane(t *testing.T) {
	q := NewSubmissionQueue(31337)
	defer q.Stop()

	boom := errors.New("nonce too low")
	_, err := q.Submit(context.Background(), senderA, func(ctx context.Context) (common.Hash, error) {
		return common.Hash{}, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.False(t, q.Held(senderA))
}

func TestSubmissionQueue_StopRejectsNewWork(t *testing.T) {
	q := NewSubmissionQueue(31337)
	q.Stop()

	_, err := q.Submit(context.Background(), senderA, func(ctx context.Context) (common.Hash, error) {
		return common.Hash{}, nil
	})
	assert.ErrorIs(t, err, ErrQueueStopped)
}
