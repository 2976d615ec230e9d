package proxy

import (
	"sort"
	"strings"

	"github.com/aigateway/ai-gateway/internal/providers"
)

// routeQuery describes one routing decision.
type routeQuery struct {
	// model is the client's model hint; empty means "any".
	model string

	// preference names a provider to hoist to the front of the candidate
	// list. The request-level provider field wins over the configured
	// default provider.
	preference string

	// embeddings restricts candidates to embedding-capable providers.
	embeddings bool
}

// selectCandidates builds the ordered provider candidate list:
//
//  1. keep only available providers
//  2. sort by priority ascending, name ascending as tiebreak
//  3. hoist the preferred provider to the front when present
//  4. filter by model support — but never down to an empty list: when no
//     candidate matches the hint, the unfiltered order is kept so the
//     request still gets served
//  5. filter by embedding capability when requested (this one may empty
//     the list)
//  6. truncate to the head when fallback is disabled
func (g *Gateway) selectCandidates(q routeQuery) []providers.Provider {
	candidates := make([]providers.Provider, 0, len(g.providers))
	for _, p := range g.providers {
		if p.Available() {
			candidates = append(candidates, p)
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority() != candidates[j].Priority() {
			return candidates[i].Priority() < candidates[j].Priority()
		}
		return candidates[i].Name() < candidates[j].Name()
	})

	if q.preference != "" {
		for i, p := range candidates {
			if strings.EqualFold(p.Name(), q.preference) {
				hoisted := append([]providers.Provider{p}, candidates[:i]...)
				candidates = append(hoisted, candidates[i+1:]...)
				break
			}
		}
	}

	if q.model != "" {
		matching := make([]providers.Provider, 0, len(candidates))
		for _, p := range candidates {
			if p.SupportsModel(q.model) {
				matching = append(matching, p)
			}
		}
		if len(matching) > 0 {
			candidates = matching
		}
	}

	if q.embeddings {
		capable := candidates[:0:0]
		for _, p := range candidates {
			if p.SupportsEmbeddings() {
				capable = append(capable, p)
			}
		}
		candidates = capable
	}

	if !g.fallbackEnabled && len(candidates) > 1 {
		candidates = candidates[:1]
	}

	return candidates
}

// preferenceFor resolves the provider preference for a request: the explicit
// request field wins, then the configured default provider.
func (g *Gateway) preferenceFor(requested string) string {
	if requested != "" {
		return requested
	}
	return g.defaultProvider
}
