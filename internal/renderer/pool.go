package renderer

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/skimmerhq/skimmer/internal/fetcherr"
)

// ErrQueueFull is returned when a tier's slot queue is saturated. The planner
// treats it as "skip to the next tier", never as a terminal failure.
var ErrQueueFull = fmt.Errorf("renderer queue full")

// Pool fronts a Renderer with per-tier bounded slot queues and a circuit
// breaker per tier. A saturated queue fails fast instead of blocking the
// fetch worker.
type Pool struct {
	inner    Renderer
	slots    map[Tier]chan struct{}
	breakers map[Tier]*gobreaker.CircuitBreaker
}

// PoolConfig sizes the per-tier queues.
type PoolConfig struct {
	// SlotsPerTier bounds concurrent renders per tier. Zero means 4.
	SlotsPerTier map[Tier]int
	// BreakerCooldown is how long a tripped tier stays open. Zero means 30s.
	BreakerCooldown time.Duration
}

// NewPool wraps a renderer with queueing and breakers.
func NewPool(inner Renderer, cfg PoolConfig) *Pool {
	cooldown := cfg.BreakerCooldown
	if cooldown == 0 {
		cooldown = 30 * time.Second
	}
	p := &Pool{
		inner:    inner,
		slots:    make(map[Tier]chan struct{}),
		breakers: make(map[Tier]*gobreaker.CircuitBreaker),
	}
	for _, tier := range inner.Tiers() {
		n := cfg.SlotsPerTier[tier]
		if n <= 0 {
			n = 4
		}
		p.slots[tier] = make(chan struct{}, n)
		tier := tier
		p.breakers[tier] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "renderer-" + string(tier),
			Timeout: cooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.Requests >= 5 && counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn().Str("component", "renderer").Str("breaker", name).
					Str("from", from.String()).Str("to", to.String()).
					Msg("renderer breaker state change")
			},
		})
	}
	return p
}

// Tiers lists the wrapped renderer's tiers.
func (p *Pool) Tiers() []Tier { return p.inner.Tiers() }

// Render acquires a tier slot without blocking, applies the tier timeout, and
// routes through the tier's breaker. Returns ErrQueueFull when saturated.
func (p *Pool) Render(ctx context.Context, req Request) (*Result, error) {
	slot, ok := p.slots[req.Tier]
	if !ok {
		return nil, fetcherr.New(fetcherr.CodeRenderFailed, "no renderer for tier %s", req.Tier)
	}
	select {
	case slot <- struct{}{}:
		defer func() { <-slot }()
	default:
		return nil, ErrQueueFull
	}

	tctx, cancel := context.WithTimeout(ctx, req.Tier.Timeout())
	defer cancel()

	out, err := p.breakers[req.Tier].Execute(func() (any, error) {
		return p.inner.Render(tctx, req)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, ErrQueueFull
		}
		return nil, err
	}
	return out.(*Result), nil
}
