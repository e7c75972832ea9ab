package renderer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubRenderer struct {
	mu      sync.Mutex
	calls   int
	block   chan struct{}
	fail    error
	result  *Result
}

func (s *stubRenderer) Tiers() []Tier { return []Tier{TierIntelligence} }

func (s *stubRenderer) Render(ctx context.Context, req Request) (*Result, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.fail != nil {
		return nil, s.fail
	}
	if s.result != nil {
		return s.result, nil
	}
	return &Result{FinalURL: req.URL, Title: "ok", Text: "content"}, nil
}

func TestPoolRender(t *testing.T) {
	stub := &stubRenderer{}
	pool := NewPool(stub, PoolConfig{})

	res, err := pool.Render(context.Background(), Request{URL: "https://example.com", Tier: TierIntelligence})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Title)
}

func TestPoolUnknownTier(t *testing.T) {
	pool := NewPool(&stubRenderer{}, PoolConfig{})
	_, err := pool.Render(context.Background(), Request{URL: "https://example.com", Tier: TierPlaywright})
	require.Error(t, err)
}

func TestPoolQueueFull(t *testing.T) {
	stub := &stubRenderer{block: make(chan struct{})}
	pool := NewPool(stub, PoolConfig{SlotsPerTier: map[Tier]int{TierIntelligence: 1}})

	done := make(chan struct{})
	go func() {
		defer close(done)
		pool.Render(context.Background(), Request{URL: "https://example.com/a", Tier: TierIntelligence})
	}()

	// Wait until the first render occupies the only slot.
	require.Eventually(t, func() bool {
		stub.mu.Lock()
		defer stub.mu.Unlock()
		return stub.calls == 1
	}, time.Second, 5*time.Millisecond)

	_, err := pool.Render(context.Background(), Request{URL: "https://example.com/b", Tier: TierIntelligence})
	assert.ErrorIs(t, err, ErrQueueFull)

	close(stub.block)
	<-done
}

func TestPoolBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	stub := &stubRenderer{fail: errors.New("crash")}
	pool := NewPool(stub, PoolConfig{BreakerCooldown: time.Minute})

	for i := 0; i < 5; i++ {
		_, err := pool.Render(context.Background(), Request{URL: "https://example.com", Tier: TierIntelligence})
		require.Error(t, err)
	}
	before := stub.calls
	_, err := pool.Render(context.Background(), Request{URL: "https://example.com", Tier: TierIntelligence})
	assert.ErrorIs(t, err, ErrQueueFull, "open breaker reports as skippable")
	assert.Equal(t, before, stub.calls, "open breaker does not reach the renderer")
}
