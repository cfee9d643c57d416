// Package consensus reduces a set of expert responses to one decision.
package consensus

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/Strob0t/Conclave/internal/domain"
	"github.com/Strob0t/Conclave/internal/domain/decision"
)

// DefaultThreshold is the minimum weighted confidence a group needs to win.
const DefaultThreshold = 0.5

// unknownTier ranks providers missing from the tier table last.
const unknownTier = math.MaxInt32

const epsilon = 1e-9

// Aggregator groups responses by normalized payload and picks the group with
// the highest total confidence. It is a pure function of its input multiset.
type Aggregator struct {
	threshold float64
	tiers     map[string]int
}

// NewAggregator creates an aggregator. tiers maps provider IDs to priority
// tiers (lower is preferred). threshold <= 0 selects DefaultThreshold.
func NewAggregator(threshold float64, tiers map[string]int) *Aggregator {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	t := make(map[string]int, len(tiers))
	for k, v := range tiers {
		t[k] = v
	}
	return &Aggregator{threshold: threshold, tiers: t}
}

type group struct {
	key        string
	payload    string
	weight     float64
	bestTier   int
	minLatency time.Duration
	members    []string
}

// Aggregate reduces responses to a decision.
//
// Returns ErrNoResponses (and a zero decision) when no response is well formed.
// Returns ErrNoConsensus together with a usable fallback decision (the single
// highest-confidence response) when no group clears the threshold.
func (a *Aggregator) Aggregate(responses []decision.Response) (decision.Consensus, error) {
	valid := make([]decision.Response, 0, len(responses))
	for i := range responses {
		if responses[i].OK() {
			r := responses[i]
			r.Confidence = clamp(r.Confidence)
			valid = append(valid, r)
		}
	}
	if len(valid) == 0 {
		return decision.Consensus{}, domain.ErrNoResponses
	}

	// Fixed input order keeps member lists and float sums deterministic.
	sort.Slice(valid, func(i, j int) bool {
		if valid[i].ProviderID != valid[j].ProviderID {
			return valid[i].ProviderID < valid[j].ProviderID
		}
		return decision.Normalize(valid[i].Payload) < decision.Normalize(valid[j].Payload)
	})

	groups := make(map[string]*group)
	for i := range valid {
		r := &valid[i]
		key := decision.Normalize(r.Payload)
		g, ok := groups[key]
		if !ok {
			g = &group{key: key, payload: r.Payload, bestTier: unknownTier, minLatency: r.Latency}
			groups[key] = g
		}
		g.weight += r.Confidence
		g.members = append(g.members, r.ProviderID)
		if tier := a.tier(r.ProviderID); tier < g.bestTier {
			g.bestTier = tier
		}
		if r.Latency < g.minLatency {
			g.minLatency = r.Latency
		}
	}

	ranked := make([]*group, 0, len(groups))
	for _, g := range groups {
		ranked = append(ranked, g)
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].less(ranked[j]) })

	best := ranked[0]
	if best.weight+epsilon >= a.threshold {
		return decision.Consensus{
			Payload:      best.payload,
			Confidence:   clamp(best.weight / float64(len(valid))),
			Contributors: best.members,
		}, nil
	}

	single := a.bestSingle(valid)
	return decision.Consensus{
		Payload:      single.Payload,
		Confidence:   single.Confidence,
		Contributors: []string{single.ProviderID},
		IsFallback:   true,
	}, fmt.Errorf("%w: best group %q weighted %.3f below %.3f", domain.ErrNoConsensus, best.key, best.weight, a.threshold)
}

// less orders groups: higher weight, then better tier, then lower latency,
// then lexicographic payload.
func (g *group) less(o *group) bool {
	if math.Abs(g.weight-o.weight) > epsilon {
		return g.weight > o.weight
	}
	if g.bestTier != o.bestTier {
		return g.bestTier < o.bestTier
	}
	if g.minLatency != o.minLatency {
		return g.minLatency < o.minLatency
	}
	return g.key < o.key
}

func (a *Aggregator) bestSingle(valid []decision.Response) decision.Response {
	best := valid[0]
	for _, r := range valid[1:] {
		switch {
		case math.Abs(r.Confidence-best.Confidence) > epsilon:
			if r.Confidence > best.Confidence {
				best = r
			}
		case a.tier(r.ProviderID) != a.tier(best.ProviderID):
			if a.tier(r.ProviderID) < a.tier(best.ProviderID) {
				best = r
			}
		case r.Latency != best.Latency:
			if r.Latency < best.Latency {
				best = r
			}
		case decision.Normalize(r.Payload) < decision.Normalize(best.Payload):
			best = r
		}
	}
	return best
}

func (a *Aggregator) tier(id string) int {
	if t, ok := a.tiers[id]; ok {
		return t
	}
	return unknownTier
}

func clamp(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
