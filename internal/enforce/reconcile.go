package enforce

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/ppiankov/trackwatch/internal/filter"
	"github.com/ppiankov/trackwatch/internal/store"
)

const mappingKey = "rules"

// Init rebuilds the bookkeeping from the installed rules and must finish
// before the engine is used. When the filter cannot list its rules, the
// last persisted mapping is used instead.
func (e *Engine) Init(ctx context.Context) error {
	err := e.reconcile(ctx)
	if err == nil {
		return nil
	}
	e.log.Warn("listing installed rules failed, falling back to persisted mapping", zap.Error(err))

	if e.st == nil {
		return nil
	}
	m, gerr := store.GetJSON[Mapping](ctx, e.st, store.NSEnforce, mappingKey)
	if gerr != nil {
		if errors.Is(gerr, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("load rule mapping: %w", gerr)
	}
	e.mu.Lock()
	e.block = copyMap(m.Block)
	e.cookie = copyMap(m.Cookie)
	e.nextID = max(m.NextID, maxID(e.block, e.cookie)+1, 1)
	e.mu.Unlock()
	return nil
}

// reconcile re-derives the mapping from ListActiveRules. Duplicate rules for
// a domain are removed, keeping the lowest id. Rules whose pattern cannot be
// parsed are left alone but still advance the id counter.
func (e *Engine) reconcile(ctx context.Context) error {
	rules, err := e.filter.ListActiveRules(ctx)
	if err != nil {
		return err
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })

	block := make(map[string]int)
	cookie := make(map[string]int)
	highest := 0
	var dups []filter.Rule
	for _, r := range rules {
		highest = max(highest, r.ID)
		domain, ok := r.Domain()
		if !ok {
			e.log.Warn("unrecognised rule pattern", zap.Int("rule_id", r.ID), zap.String("url_filter", r.URLFilter))
			continue
		}
		target := block
		if r.Kind == filter.KindStripCookie {
			target = cookie
		}
		if _, seen := target[domain]; seen {
			dups = append(dups, r)
			continue
		}
		target[domain] = r.ID
	}

	for _, r := range dups {
		if err := e.filter.RemoveRule(ctx, r.ID); err != nil && !errors.Is(err, filter.ErrNoSuchRule) {
			e.log.Warn("removing duplicate rule failed", zap.Int("rule_id", r.ID), zap.Error(err))
			continue
		}
		e.log.Warn("removed duplicate rule", zap.Int("rule_id", r.ID), zap.String("url_filter", r.URLFilter))
	}

	e.mu.Lock()
	e.block = block
	e.cookie = cookie
	e.nextID = max(e.nextID, highest+1)
	e.mu.Unlock()
	e.persist(ctx)
	return nil
}

func (e *Engine) persist(ctx context.Context) {
	if e.st == nil {
		return
	}
	e.mu.Lock()
	m := Mapping{NextID: e.nextID, Block: copyMap(e.block), Cookie: copyMap(e.cookie)}
	e.mu.Unlock()
	if err := store.SetJSON(ctx, e.st, store.NSEnforce, mappingKey, m); err != nil {
		e.log.Warn("persisting rule mapping failed", zap.Error(err))
	}
}

func copyMap(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func maxID(maps ...map[string]int) int {
	highest := 0
	for _, m := range maps {
		for _, id := range m {
			highest = max(highest, id)
		}
	}
	return highest
}
