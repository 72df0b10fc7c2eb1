package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/ingest-orchestrator/internal/ingest"
)

type fakeSession struct {
	id       int
	resetErr error
	resets   atomic.Int32
	closed   atomic.Bool
}

func (s *fakeSession) Reset(context.Context) error {
	s.resets.Add(1)
	return s.resetErr
}

func (s *fakeSession) Close() error {
	s.closed.Store(true)
	return nil
}

type fakeFactory struct {
	mu      sync.Mutex
	created []*fakeSession
	err     error
}

func (f *fakeFactory) build(context.Context) (*fakeSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	s := &fakeSession{id: len(f.created) + 1}
	f.created = append(f.created, s)
	return s, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func newTestPool(t *testing.T, cfg Config, factory *fakeFactory) *Pool[*fakeSession] {
	t.Helper()
	pool, err := New[*fakeSession](cfg, factory.build, zap.NewNop())
	require.NoError(t, err)
	return pool
}

func TestAcquireBlocksAtMaxInstances(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{}
	pool := newTestPool(t, Config{MaxInstances: 3}, factory)

	acquired := make(chan *fakeSession, 5)
	for i := 0; i < 5; i++ {
		go func() {
			s, err := pool.Acquire(context.Background())
			if err == nil {
				acquired <- s
			}
		}()
	}

	var held []*fakeSession
	for i := 0; i < 3; i++ {
		select {
		case s := <-acquired:
			held = append(held, s)
		case <-time.After(2 * time.Second):
			t.Fatalf("expected 3 immediate acquisitions, got %d", i)
		}
	}
	select {
	case <-acquired:
		t.Fatal("fourth acquire should block until a release")
	case <-time.After(50 * time.Millisecond):
	}
	require.Equal(t, Stats{Live: 3, Idle: 0, InUse: 3}, pool.Stats())

	pool.Release(context.Background(), held[0])
	select {
	case s := <-acquired:
		require.Same(t, held[0], s, "released session should be reused")
		held[0] = s
	case <-time.After(2 * time.Second):
		t.Fatal("blocked acquire did not proceed after release")
	}
	select {
	case <-acquired:
		t.Fatal("fifth acquire should still be blocked")
	case <-time.After(50 * time.Millisecond):
	}
	require.Equal(t, 3, factory.count())

	pool.Release(context.Background(), held[1])
	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("fifth acquire did not proceed after second release")
	}
}

func TestConcurrentHoldersNeverExceedCap(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{}
	pool := newTestPool(t, Config{MaxInstances: 4, IdleCapacity: 2}, factory)

	var (
		current atomic.Int32
		peak    atomic.Int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := pool.Acquire(context.Background())
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			n := current.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			if live := pool.Stats().Live; live > 4 {
				t.Errorf("live sessions %d exceed cap", live)
			}
			time.Sleep(time.Millisecond)
			current.Add(-1)
			pool.Release(context.Background(), s)
		}()
	}
	wg.Wait()

	require.LessOrEqual(t, peak.Load(), int32(4))
	stats := pool.Stats()
	require.Zero(t, stats.InUse)
	require.LessOrEqual(t, stats.Idle, 2)
	require.Equal(t, stats.Idle, stats.Live)
}

func TestFactoryErrorReturnsPermit(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{err: errors.New("chrome failed to start")}
	pool := newTestPool(t, Config{MaxInstances: 1}, factory)

	_, err := pool.Acquire(context.Background())
	require.ErrorIs(t, err, ingest.ErrSessionCreation)
	require.ErrorContains(t, err, "chrome failed to start")
	require.Equal(t, Stats{}, pool.Stats())

	factory.mu.Lock()
	factory.err = nil
	factory.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s, err := pool.Acquire(ctx)
	require.NoError(t, err, "failed factory call must not leak its permit")
	pool.Release(context.Background(), s)
}

func TestAcquireHonoursContext(t *testing.T) {
	t.Parallel()

	pool := newTestPool(t, Config{MaxInstances: 1}, &fakeFactory{})
	s, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = pool.Acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	pool.Release(context.Background(), s)
}

func TestReleaseResetsAndRespectsIdleCapacity(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{}
	pool := newTestPool(t, Config{MaxInstances: 3, IdleCapacity: 1}, factory)

	a, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	b, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	pool.Release(context.Background(), a)
	pool.Release(context.Background(), b)

	require.EqualValues(t, 1, a.resets.Load())
	require.EqualValues(t, 1, b.resets.Load())
	require.False(t, a.closed.Load())
	require.True(t, b.closed.Load(), "idle queue over soft capacity should close the session")
	require.Equal(t, Stats{Live: 1, Idle: 1}, pool.Stats())
}

func TestReleaseClosesSessionWhenResetFails(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{}
	pool := newTestPool(t, Config{MaxInstances: 2}, factory)

	s, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	s.resetErr = errors.New("target crashed")
	pool.Release(context.Background(), s)

	require.True(t, s.closed.Load())
	require.Equal(t, Stats{}, pool.Stats())
}

func TestDiscardFreesSlot(t *testing.T) {
	t.Parallel()

	pool := newTestPool(t, Config{MaxInstances: 1}, &fakeFactory{})
	s, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	pool.Discard(s)
	require.True(t, s.closed.Load())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	next, err := pool.Acquire(ctx)
	require.NoError(t, err)
	require.NotSame(t, s, next)
	pool.Release(context.Background(), next)
}

func TestCloseAllClosesIdleAndInFlight(t *testing.T) {
	t.Parallel()

	pool := newTestPool(t, Config{MaxInstances: 2}, &fakeFactory{})
	idle, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	held, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	pool.Release(context.Background(), idle)

	pool.CloseAll()
	require.True(t, idle.closed.Load())
	require.False(t, held.closed.Load())

	pool.Release(context.Background(), held)
	require.True(t, held.closed.Load())
	require.Equal(t, Stats{}, pool.Stats())

	_, err = pool.Acquire(context.Background())
	require.ErrorIs(t, err, ErrPoolClosed)
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New[*fakeSession](Config{}, nil, nil)
	require.Error(t, err)
	_, err = New[*fakeSession](Config{MaxInstances: -1}, (&fakeFactory{}).build, nil)
	require.Error(t, err)

	pool, err := New[*fakeSession](Config{IdleCapacity: 100}, (&fakeFactory{}).build, nil)
	require.NoError(t, err)
	require.Equal(t, defaultMaxInstances, pool.MaxInstances())
	require.Equal(t, defaultMaxInstances, pool.cfg.IdleCapacity)
}
