package discovery

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/skimmerhq/skimmer/internal/pattern"
)

// Orchestrator fans a domain out to every discovery source, merges the
// results by source priority, caches the outcome, and persists generated
// patterns. Concurrent discoveries for the same (tenant, domain) coalesce
// onto one in-flight probe.
type Orchestrator struct {
	sources []Source
	cache   *Cache
	store   *pattern.Store
	client  *http.Client
	group   singleflight.Group
	instr   Instrumentation

	probeInterval time.Duration
	probeBurst    int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// Instrumentation receives per-source run telemetry. Result is one of
// "found", "empty", or "error".
type Instrumentation interface {
	ObserveDiscovery(source, result string, d time.Duration)
}

// Config tunes orchestration.
type Config struct {
	// ProbeInterval is the per-domain minimum spacing between probe
	// requests. Zero means 3s.
	ProbeInterval time.Duration
	// ProbeBurst is the per-domain burst allowance. Zero means 5.
	ProbeBurst int
	// HTTPTimeout bounds individual probe requests. Zero means 10s.
	HTTPTimeout time.Duration
	// Instrumentation may be nil.
	Instrumentation Instrumentation
}

// NewOrchestrator builds an orchestrator over the default source set.
func NewOrchestrator(cache *Cache, store *pattern.Store, cfg Config) *Orchestrator {
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 3 * time.Second
	}
	if cfg.ProbeBurst <= 0 {
		cfg.ProbeBurst = 5
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}
	o := &Orchestrator{
		sources: []Source{
			&OpenAPISource{},
			&GraphQLSource{},
			&LinkSource{},
			&RAMLSource{},
			&BlueprintSource{},
			&WADLSource{},
		},
		cache:    cache,
		store:    store,
		client:   &http.Client{Timeout: cfg.HTTPTimeout},
		instr:    cfg.Instrumentation,
		limiters: make(map[string]*rate.Limiter),
	}
	o.probeInterval = cfg.ProbeInterval
	o.probeBurst = cfg.ProbeBurst
	return o
}

// Discover returns the merged discovery state for a domain, from cache when
// fresh. Sources in cooldown are skipped without any network traffic.
func (o *Orchestrator) Discover(ctx context.Context, tenantID, domain string) (*DomainDiscovery, error) {
	if cached, err := o.cache.Get(ctx, tenantID, domain); err == nil && cached != nil {
		return cached, nil
	} else if err != nil {
		log.Warn().Err(err).Str("component", "discovery").Str("domain", domain).Msg("cache read failed")
	}

	key := tenantID + "|" + domain
	v, err, _ := o.group.Do(key, func() (any, error) {
		// A concurrent caller may have populated the cache while this one
		// waited on the flight group.
		if cached, err := o.cache.Get(ctx, tenantID, domain); err == nil && cached != nil {
			return cached, nil
		}
		return o.discover(ctx, tenantID, domain), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*DomainDiscovery), nil
}

func (o *Orchestrator) discover(ctx context.Context, tenantID, domain string) *DomainDiscovery {
	started := time.Now()
	results := make([]Result, len(o.sources))

	var wg sync.WaitGroup
	for i, src := range o.sources {
		wg.Add(1)
		go func(i int, src Source) {
			defer wg.Done()
			results[i] = o.runSource(ctx, tenantID, domain, src)
		}(i, src)
	}
	wg.Wait()

	merged := Merge(domain, results)
	merged.DiscoveredAt = started

	if err := o.cache.Put(ctx, tenantID, merged); err != nil {
		log.Warn().Err(err).Str("component", "discovery").Str("domain", domain).Msg("cache write failed")
	}
	if o.store != nil {
		for _, p := range merged.Patterns {
			if err := o.store.Upsert(ctx, p); err != nil {
				log.Warn().Err(err).Str("component", "discovery").Str("pattern", p.ID).Msg("pattern persist failed")
			}
		}
	}
	log.Info().Str("component", "discovery").Str("domain", domain).
		Bool("found", merged.Found).Int("patterns", len(merged.Patterns)).
		Dur("took", time.Since(started)).Msg("discovery completed")
	return merged
}

func (o *Orchestrator) runSource(ctx context.Context, tenantID, domain string, src Source) Result {
	if o.cache.InCooldown(ctx, tenantID, src.Name(), domain) {
		return Result{Source: src.Name(), Confidence: src.Prior(), Found: false, Error: "in cooldown"}
	}
	if err := o.limiter(domain).Wait(ctx); err != nil {
		return Result{Source: src.Name(), Confidence: src.Prior(), Found: false, Error: err.Error()}
	}

	started := time.Now()
	res := src.Discover(ctx, o.client, domain)
	res.DiscoveryTime = time.Since(started)
	res.Source = src.Name()
	if o.instr != nil {
		result := "empty"
		switch {
		case res.Found:
			result = "found"
		case res.Error != "":
			result = "error"
		}
		o.instr.ObserveDiscovery(src.Name(), result, res.DiscoveryTime)
	}
	if res.Confidence == 0 {
		res.Confidence = src.Prior()
	}
	for _, p := range res.Patterns {
		p.TenantID = tenantID
	}

	if res.Found {
		o.cache.ClearFailures(ctx, tenantID, src.Name(), domain)
	} else if res.Error != "" {
		// Only transport-level failures arm the cooldown; a clean "no spec
		// here" answer is cached via the merged result instead.
		if cooldown, err := o.cache.RecordFailure(ctx, tenantID, src.Name(), domain); err == nil {
			log.Debug().Str("component", "discovery").Str("source", src.Name()).
				Str("domain", domain).Dur("cooldown", cooldown).Msg("probe failed, cooling down")
		}
	}
	return res
}

func (o *Orchestrator) limiter(domain string) *rate.Limiter {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.limiters[domain]
	if !ok {
		l = rate.NewLimiter(rate.Every(o.probeInterval), o.probeBurst)
		o.limiters[domain] = l
	}
	return l
}

// Merge combines per-source results: patterns dedupe by id, metadata comes
// from the highest-priority found source, probed locations union.
func Merge(domain string, results []Result) *DomainDiscovery {
	merged := &DomainDiscovery{Domain: domain, Sources: results}

	seen := make(map[string]bool)
	bestPriority := int(^uint(0) >> 1)
	for _, res := range results {
		merged.ProbedLocations = append(merged.ProbedLocations, res.ProbedLocations...)
		if !res.Found {
			continue
		}
		merged.Found = true
		for _, p := range res.Patterns {
			if p.ID != "" && seen[p.ID] {
				continue
			}
			seen[p.ID] = true
			merged.Patterns = append(merged.Patterns, p)
		}
		if pr := sourcePriority(res.Source); pr < bestPriority && len(res.Metadata) > 0 {
			bestPriority = pr
			merged.Metadata = res.Metadata
		}
	}
	return merged
}
