package sequence

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/turnlog/internal/types"
)

type fakeStore struct {
	mu  sync.Mutex
	max map[types.ConversationID]int64
	err error
}

func (f *fakeStore) MaxSequence(_ context.Context, id types.ConversationID) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	return f.max[id], nil
}

type brokenCounter struct{}

func (brokenCounter) Exists(context.Context, string) (bool, error) {
	return false, errors.New("dial tcp: connection refused")
}
func (brokenCounter) Seed(context.Context, string, int64, time.Duration) error {
	return errors.New("dial tcp: connection refused")
}
func (brokenCounter) IncrBy(context.Context, string, int64, time.Duration) (int64, error) {
	return 0, errors.New("dial tcp: connection refused")
}

// flakyCounter wraps a MemoryCounter that can be switched off.
type flakyCounter struct {
	*MemoryCounter
	down bool
}

func (f *flakyCounter) Exists(ctx context.Context, key string) (bool, error) {
	if f.down {
		return false, errors.New("i/o timeout")
	}
	return f.MemoryCounter.Exists(ctx, key)
}

func (f *flakyCounter) IncrBy(ctx context.Context, key string, n int64, ttl time.Duration) (int64, error) {
	if f.down {
		return 0, errors.New("i/o timeout")
	}
	return f.MemoryCounter.IncrBy(ctx, key, n, ttl)
}

func TestReserveBatchConcurrentDistinct(t *testing.T) {
	alloc := NewAllocator(NewMemoryCounter(), &fakeStore{})
	ctx := context.Background()
	conv := types.NewConversationID()

	var mu sync.Mutex
	var all []int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := alloc.ReserveBatch(ctx, conv, 3)
			if err != nil {
				t.Error(err)
				return
			}
			for j := 1; j < len(r.Sequences); j++ {
				if r.Sequences[j] <= r.Sequences[j-1] {
					t.Errorf("batch not ascending: %v", r.Sequences)
				}
			}
			mu.Lock()
			all = append(all, r.Sequences...)
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, all, 60)
	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })
	for i := 1; i < len(all); i++ {
		assert.NotEqual(t, all[i-1], all[i], "duplicate sequence %d", all[i])
	}
	assert.Equal(t, int64(0), alloc.Fallbacks())
}

func TestReserveSeedsFromStore(t *testing.T) {
	conv := types.NewConversationID()
	store := &fakeStore{max: map[types.ConversationID]int64{conv: 41}}
	alloc := NewAllocator(NewMemoryCounter(), store)

	seq, err := alloc.ReserveOne(context.Background(), conv)
	require.NoError(t, err)
	assert.Equal(t, int64(42), seq)
}

func TestReserveFallbackWhenCounterDown(t *testing.T) {
	conv := types.NewConversationID()
	store := &fakeStore{max: map[types.ConversationID]int64{conv: 7}}
	alloc := NewAllocator(brokenCounter{}, store)

	r, err := alloc.ReserveBatch(context.Background(), conv, 3)
	require.NoError(t, err)
	assert.Equal(t, []int64{8, 9, 10}, r.Sequences)
	assert.Equal(t, int64(1), alloc.Fallbacks())
}

func TestReserveFallbackIsNotAtomic(t *testing.T) {
	conv := types.NewConversationID()
	store := &fakeStore{max: map[types.ConversationID]int64{conv: 3}}
	alloc := NewAllocator(nil, store)

	// Nothing is written between the two calls, so both observe the same MAX.
	a, err := alloc.ReserveOne(context.Background(), conv)
	require.NoError(t, err)
	b, err := alloc.ReserveOne(context.Background(), conv)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestReserveBothPathsFail(t *testing.T) {
	store := &fakeStore{err: errors.New("database is closed")}
	alloc := NewAllocator(brokenCounter{}, store)

	_, err := alloc.ReserveOne(context.Background(), types.NewConversationID())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Contains(t, err.Error(), "database is closed")
}

func TestReserveBatchRejectsNonPositive(t *testing.T) {
	alloc := NewAllocator(NewMemoryCounter(), &fakeStore{})
	_, err := alloc.ReserveBatch(context.Background(), types.NewConversationID(), 0)
	assert.Error(t, err)
}

func TestRedisCounter(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	conv := types.NewConversationID()
	store := &fakeStore{max: map[types.ConversationID]int64{conv: 10}}
	alloc := NewAllocator(NewRedisCounter(client), store, WithTTL(time.Hour), WithKeyPrefix("test:"))
	ctx := context.Background()

	r, err := alloc.ReserveBatch(ctx, conv, 2)
	require.NoError(t, err)
	assert.Equal(t, []int64{11, 12}, r.Sequences)

	seq, err := alloc.ReserveOne(ctx, conv)
	require.NoError(t, err)
	assert.Equal(t, int64(13), seq)

	assert.True(t, mr.TTL("test:"+string(conv)) > 0, "expected sliding ttl on counter key")

	// After the key expires the counter reseeds from the store.
	mr.FastForward(2 * time.Hour)
	store.mu.Lock()
	store.max[conv] = 13
	store.mu.Unlock()
	seq, err = alloc.ReserveOne(ctx, conv)
	require.NoError(t, err)
	assert.Equal(t, int64(14), seq)
}

func TestRedisCounterOutageFallsBack(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { client.Close() })

	conv := types.NewConversationID()
	store := &fakeStore{max: map[types.ConversationID]int64{conv: 5}}
	alloc := NewAllocator(NewRedisCounter(client), store)

	mr.Close()
	seq, err := alloc.ReserveOne(context.Background(), conv)
	require.NoError(t, err)
	assert.Equal(t, int64(6), seq)
	assert.Equal(t, int64(1), alloc.Fallbacks())
}

func TestMemoryCounterSlidingExpiry(t *testing.T) {
	c := NewMemoryCounter()
	now := time.Now()
	c.now = func() time.Time { return now }
	ctx := context.Background()

	v, _ := c.IncrBy(ctx, "k", 1, time.Minute)
	assert.Equal(t, int64(1), v)

	now = now.Add(50 * time.Second)
	v, _ = c.IncrBy(ctx, "k", 1, time.Minute)
	assert.Equal(t, int64(2), v, "touch within ttl keeps the value")

	now = now.Add(50 * time.Second)
	ok, _ := c.Exists(ctx, "k")
	assert.True(t, ok, "expiry slides with each increment")

	now = now.Add(time.Minute)
	assert.Equal(t, 1, c.Prune())
	ok, _ = c.Exists(ctx, "k")
	assert.False(t, ok)
}

func TestCounterRecoveryDoesNotReissueFallbackNumbers(t *testing.T) {
	conv := types.NewConversationID()
	counter := &flakyCounter{MemoryCounter: NewMemoryCounter()}
	store := &fakeStore{max: map[types.ConversationID]int64{}}
	alloc := NewAllocator(counter, store)
	ctx := context.Background()

	var got []int64
	reserve := func(n int) {
		t.Helper()
		r, err := alloc.ReserveBatch(ctx, conv, n)
		require.NoError(t, err)
		got = append(got, r.Sequences...)
	}

	reserve(1)
	reserve(1)
	store.mu.Lock()
	store.max[conv] = 2
	store.mu.Unlock()

	// The store never sees 3 and 4, as when their appends are still in
	// flight when the counter comes back.
	counter.down = true
	reserve(2)
	counter.down = false
	reserve(1)
	reserve(1)

	assert.Equal(t, []int64{1, 2, 3, 4, 5, 6}, got)
	assert.Equal(t, int64(1), alloc.Fallbacks())
}

func TestCounterRecoveryCatchesUpToStore(t *testing.T) {
	conv := types.NewConversationID()
	store := &fakeStore{max: map[types.ConversationID]int64{}}
	counter := &flakyCounter{MemoryCounter: NewMemoryCounter()}
	alloc := NewAllocator(counter, store)
	ctx := context.Background()

	seq, err := alloc.ReserveOne(ctx, conv)
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)

	// Another process appended up to 9 while this counter was unreachable.
	counter.down = true
	store.mu.Lock()
	store.max[conv] = 9
	store.mu.Unlock()
	seq, err = alloc.ReserveOne(ctx, conv)
	require.NoError(t, err)
	assert.Equal(t, int64(10), seq)

	counter.down = false
	seq, err = alloc.ReserveOne(ctx, conv)
	require.NoError(t, err)
	assert.Equal(t, int64(11), seq)

	// Once caught up the counter is used directly again.
	seq, err = alloc.ReserveOne(ctx, conv)
	require.NoError(t, err)
	assert.Equal(t, int64(12), seq)
}
