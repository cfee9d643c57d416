package provider

import (
	"fmt"
	"sort"

	"github.com/Strob0t/Conclave/internal/domain/decision"
)

// Chain is an ordered list of provider IDs defining the degradation order for
// one context class. Terminal names the local backend used when nothing else answered.
type Chain struct {
	Providers []string `yaml:"providers" json:"providers"`
	Terminal  string   `yaml:"terminal" json:"terminal,omitempty"`
}

// ChainSet resolves the chain for a context class.
type ChainSet struct {
	chains map[decision.ContextClass]Chain
}

// NewChainSet builds chains from explicit configuration, deriving any class
// that is not configured from the provider list:
//   - urgent: low-latency providers (all providers if none is flagged)
//   - normal, deliberative: all providers
//
// Derived chains are ordered by priority tier, then ID. terminal applies to
// every chain that does not name its own.
func NewChainSet(cfgs []Config, explicit map[decision.ContextClass]Chain, terminal string) (*ChainSet, error) {
	known := make(map[string]bool, len(cfgs))
	for i := range cfgs {
		known[cfgs[i].ID] = true
	}
	if terminal != "" && !known[terminal] {
		return nil, fmt.Errorf("terminal provider %q is not configured", terminal)
	}

	ordered := make([]Config, len(cfgs))
	copy(ordered, cfgs)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].PriorityTier != ordered[j].PriorityTier {
			return ordered[i].PriorityTier < ordered[j].PriorityTier
		}
		return ordered[i].ID < ordered[j].ID
	})

	var all, fast []string
	for i := range ordered {
		if ordered[i].ID == terminal {
			continue
		}
		all = append(all, ordered[i].ID)
		if ordered[i].LowLatency {
			fast = append(fast, ordered[i].ID)
		}
	}
	if len(fast) == 0 {
		fast = all
	}

	set := &ChainSet{chains: make(map[decision.ContextClass]Chain, len(decision.Classes))}
	for _, class := range decision.Classes {
		ch, ok := explicit[class]
		if !ok || len(ch.Providers) == 0 {
			ids := all
			if class == decision.ClassUrgent {
				ids = fast
			}
			ch = Chain{Providers: append([]string(nil), ids...), Terminal: ch.Terminal}
		}
		for _, id := range ch.Providers {
			if !known[id] {
				return nil, fmt.Errorf("chain %s references unknown provider %q", class, id)
			}
		}
		if ch.Terminal == "" {
			ch.Terminal = terminal
		}
		if ch.Terminal != "" && !known[ch.Terminal] {
			return nil, fmt.Errorf("chain %s terminal %q is not configured", class, ch.Terminal)
		}
		set.chains[class] = ch
	}
	return set, nil
}

// For returns the chain for class; unknown classes use the normal chain.
func (s *ChainSet) For(class decision.ContextClass) Chain {
	if ch, ok := s.chains[class]; ok {
		return ch
	}
	return s.chains[decision.ClassNormal]
}
