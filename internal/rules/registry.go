package rules

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/felipepmaragno/omnikit/internal/domain"
	"github.com/felipepmaragno/omnikit/internal/metrics"
)

// RuleSource lists persisted rules. The repository implements it.
type RuleSource interface {
	ListRules(ctx context.Context) ([]domain.ConversionRule, error)
}

type snapshot struct {
	byPair map[domain.Pair]*Compiled
}

// Registry holds the authoritative compiled rule per (source, target) pair.
// Lookups read an immutable snapshot and never block; Load and Refresh build
// a new snapshot under a writer lock and swap it in.
type Registry struct {
	src    RuleSource
	logger *slog.Logger

	mu   sync.Mutex
	snap atomic.Pointer[snapshot]
}

func NewRegistry(src RuleSource, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{src: src, logger: logger}
	r.snap.Store(&snapshot{byPair: map[domain.Pair]*Compiled{}})
	return r
}

// Load rebuilds every pair from the source.
func (r *Registry) Load(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	all, err := r.src.ListRules(ctx)
	if err != nil {
		return err
	}
	next := &snapshot{byPair: map[domain.Pair]*Compiled{}}
	for pair, candidates := range groupByPair(all) {
		if c := r.pick(pair, candidates); c != nil {
			next.byPair[pair] = c
		}
	}
	r.swap(next)
	return nil
}

// Refresh recompiles only the given pairs. Pairs that no longer have an
// enabled compilable rule are removed.
func (r *Registry) Refresh(ctx context.Context, pairs ...domain.Pair) error {
	if len(pairs) == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	all, err := r.src.ListRules(ctx)
	if err != nil {
		return err
	}
	grouped := groupByPair(all)
	cur := r.snap.Load()
	next := &snapshot{byPair: make(map[domain.Pair]*Compiled, len(cur.byPair)+len(pairs))}
	for k, v := range cur.byPair {
		next.byPair[k] = v
	}
	for _, pair := range pairs {
		delete(next.byPair, pair)
		if c := r.pick(pair, grouped[pair]); c != nil {
			next.byPair[pair] = c
		}
	}
	r.swap(next)
	return nil
}

func (r *Registry) Lookup(pair domain.Pair) (*Compiled, bool) {
	c, ok := r.snap.Load().byPair[pair]
	return c, ok
}

// Len returns the number of pairs with an authoritative rule.
func (r *Registry) Len() int {
	return len(r.snap.Load().byPair)
}

func (r *Registry) swap(next *snapshot) {
	r.snap.Store(next)
	metrics.SetRegistryRules(len(next.byPair))
}

// pick returns the newest enabled rule that compiles. Ties on updated_at go
// to the greater id.
func (r *Registry) pick(pair domain.Pair, candidates []domain.ConversionRule) *Compiled {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		return a.ID > b.ID
	})
	for i := range candidates {
		c, err := Compile(&candidates[i])
		if err != nil {
			r.logger.Error("skipping rule that does not compile",
				"rule_id", candidates[i].ID,
				"pair", pair.String(),
				"error", err,
			)
			continue
		}
		return c
	}
	return nil
}

func groupByPair(all []domain.ConversionRule) map[domain.Pair][]domain.ConversionRule {
	out := make(map[domain.Pair][]domain.ConversionRule)
	for _, rule := range all {
		if !rule.Enabled {
			continue
		}
		out[rule.Pair()] = append(out[rule.Pair()], rule)
	}
	return out
}
