package proxy

import (
	"context"
	"sync"
	"time"

	"github.com/aigateway/ai-gateway/internal/metrics"
	"github.com/aigateway/ai-gateway/internal/providers"
)

const healthProbeInterval = 30 * time.Second
const healthProbeTimeout = 5 * time.Second

// ProviderHealth is the per-provider block in the detailed health snapshot.
type ProviderHealth struct {
	Configured bool `json:"configured"`
	Healthy    bool `json:"healthy"`
	Priority   int  `json:"priority"`
}

// providerStatus holds the last known probe result for one provider.
type providerStatus struct {
	mu      sync.RWMutex
	healthy bool
}

func (s *providerStatus) set(v bool) {
	s.mu.Lock()
	s.healthy = v
	s.mu.Unlock()
}

func (s *providerStatus) get() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.healthy
}

// HealthChecker runs background provider probes and exposes the latest
// results.
type HealthChecker struct {
	providers  []providers.Provider
	cacheReady func() bool
	baseCtx    context.Context
	metrics    *metrics.Registry

	statuses map[string]*providerStatus

	startTime time.Time
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewHealthChecker creates a HealthChecker and immediately starts background
// probes. The first probe runs synchronously so the snapshot is populated
// before the first request arrives.
func NewHealthChecker(
	ctx context.Context,
	provs []providers.Provider,
	cacheReady func() bool,
	met *metrics.Registry,
) *HealthChecker {
	if ctx == nil {
		panic("healthchecker: context must not be nil")
	}
	hc := &HealthChecker{
		providers:  provs,
		cacheReady: cacheReady,
		statuses:   make(map[string]*providerStatus),
		startTime:  time.Now(),
		done:       make(chan struct{}),
		baseCtx:    ctx,
		metrics:    met,
	}

	for _, p := range provs {
		hc.statuses[p.Name()] = &providerStatus{}
	}

	hc.probe()

	hc.wg.Add(1)
	go hc.run()

	return hc
}

// HealthSnapshot is the detailed health state across all components.
type HealthSnapshot struct {
	Status        string                    `json:"status"`
	UptimeSeconds int64                     `json:"uptime_seconds"`
	Providers     map[string]ProviderHealth `json:"providers"`
	Cache         string                    `json:"cache"`
}

// Snapshot builds a snapshot from the latest probe results. Overall status
// degrades when any configured provider is unhealthy.
func (hc *HealthChecker) Snapshot() HealthSnapshot {
	overall := "healthy"

	provs := make(map[string]ProviderHealth, len(hc.providers))
	for _, p := range hc.providers {
		configured := p.Available()
		healthy := false
		if s, ok := hc.statuses[p.Name()]; ok {
			healthy = s.get()
		}
		provs[p.Name()] = ProviderHealth{
			Configured: configured,
			Healthy:    healthy,
			Priority:   p.Priority(),
		}
		if configured && !healthy {
			overall = "degraded"
		}
	}

	cacheState := "ok"
	if hc.cacheReady != nil && !hc.cacheReady() {
		cacheState = "degraded"
	}

	return HealthSnapshot{
		Status:        overall,
		UptimeSeconds: int64(time.Since(hc.startTime).Seconds()),
		Providers:     provs,
		Cache:         cacheState,
	}
}

// Close stops the background probe goroutine.
func (hc *HealthChecker) Close() {
	close(hc.done)
	hc.wg.Wait()
}

func (hc *HealthChecker) run() {
	defer hc.wg.Done()
	ticker := time.NewTicker(healthProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			hc.probe()
		case <-hc.done:
			return
		}
	}
}

// probe checks every configured provider in parallel. Unconfigured providers
// are reported unhealthy without being called.
func (hc *HealthChecker) probe() {
	ctx, cancel := context.WithTimeout(hc.baseCtx, healthProbeTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, prov := range hc.providers {
		s := hc.statuses[prov.Name()]
		if !prov.Available() {
			s.set(false)
			continue
		}

		wg.Add(1)
		go func(name string, p providers.Provider) {
			defer wg.Done()
			ok := p.HealthCheck(ctx) == nil
			s.set(ok)
			if hc.metrics != nil {
				hc.metrics.SetProviderHealth(name, ok)
			}
		}(prov.Name(), prov)
	}
	wg.Wait()
}
