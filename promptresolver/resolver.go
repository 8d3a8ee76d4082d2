// Package promptresolver implements the Prompt Resolver (SPEC_FULL.md §4.D):
// a two-level rule_id -> tenant_id -> PromptEntry cache with TTL expiry and
// a negative-sentinel value that remembers "no custom prompt for this
// tenant" so a tenant with no override never triggers a registry call per
// request.
//
// The naming convention and the custom-then-default load algorithm are
// grounded in original_source/app/core/prompt_cache.py's PromptManager;
// the TTL and negative-sentinel layer that file explicitly lacks (it is the
// no-cache variant) is added here per SPEC_FULL.md §9's resolved open
// question.
package promptresolver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mlscompliance/complyengine/logger"
	"github.com/mlscompliance/complyengine/model"
	"github.com/mlscompliance/complyengine/promptregistry"
)

const defaultTenantKey = "default"

type entryKind int

const (
	kindNegative entryKind = iota // NEGATIVE_SENTINEL: confirmed absent, fall back to default
	kindPresent
)

type cacheEntry struct {
	kind       entryKind
	prompt     *model.PromptEntry
	insertedAt time.Time
}

// Registry is the subset of promptregistry.Client the resolver depends on,
// so tests can substitute a stub without standing up HTTP.
type Registry interface {
	Get(ctx context.Context, name string, version int) (*promptregistry.Prompt, error)
}

// Resolver is process-wide state: one instance is constructed at startup
// and shared (by reference) across every job's tasks, per SPEC_FULL.md §9's
// "explicit construction + dependency injection" design note.
type Resolver struct {
	registry Registry
	ttl      time.Duration

	mu    sync.Mutex
	cache map[string]map[string]*cacheEntry // ruleID (upper) -> tenantID (verbatim) -> entry
}

func New(registry Registry, ttl time.Duration) *Resolver {
	return &Resolver{
		registry: registry,
		ttl:      ttl,
		cache:    make(map[string]map[string]*cacheEntry),
	}
}

func customPromptName(ruleID, tenantID string) string {
	return fmt.Sprintf("%s_%s_violation", ruleID, tenantID)
}

func defaultPromptName(ruleID string) string {
	return fmt.Sprintf("%s_violation", ruleID)
}

func toPromptEntry(p *promptregistry.Prompt, ruleID, tenantID string) *model.PromptEntry {
	cfg := model.DefaultPromptConfig()
	if p.Config != nil {
		if v, ok := p.Config["model"].(string); ok && v != "" {
			cfg.Model = v
		}
		if v, ok := p.Config["temperature"].(float64); ok {
			cfg.Temperature = v
		}
		if v, ok := p.Config["max_output_tokens"].(float64); ok {
			cfg.MaxOutputTokens = int(v)
		}
		if v, ok := p.Config["top_p"].(float64); ok {
			cfg.TopP = v
		}
	}
	return &model.PromptEntry{
		RuleID:       ruleID,
		TenantID:     tenantID,
		Name:         p.Name,
		TemplateText: p.Prompt,
		Config:       cfg,
		Version:      p.Version,
	}
}

// lookup returns the cached entry for (ruleID, tenantID), evicting it first
// if TTL has expired. Caller must hold r.mu.
func (r *Resolver) lookup(ruleID, tenantID string) *cacheEntry {
	tenants := r.cache[ruleID]
	if tenants == nil {
		return nil
	}
	e := tenants[tenantID]
	if e == nil {
		return nil
	}
	if r.ttl > 0 && time.Since(e.insertedAt) > r.ttl {
		delete(tenants, tenantID)
		return nil
	}
	return e
}

// store writes an entry, logging a version-change event (SPEC_FULL.md §4.D
// "Version-change reporting") if it overwrites a differing real version.
func (r *Resolver) store(ruleID, tenantID string, e *cacheEntry) {
	tenants := r.cache[ruleID]
	if tenants == nil {
		tenants = make(map[string]*cacheEntry)
		r.cache[ruleID] = tenants
	}
	if prev := tenants[tenantID]; prev != nil && prev.kind == kindPresent && e.kind == kindPresent &&
		prev.prompt.Version != e.prompt.Version {
		event := VersionChangeEvent{
			RuleID:     ruleID,
			TenantID:   tenantID,
			OldVersion: prev.prompt.Version,
			NewVersion: e.prompt.Version,
		}
		logger.Logger.Info("prompt version changed",
			"rule_id", event.RuleID, "tenant_id", event.TenantID,
			"old_version", event.OldVersion, "new_version", event.NewVersion)
	}
	tenants[tenantID] = e
}

// Get resolves one (rule_id, tenant_id) pair: custom prompt first, default
// fallback second, per SPEC_FULL.md §4.D. Returns (nil, nil) if neither name
// exists in the registry.
func (r *Resolver) Get(ctx context.Context, ruleID, tenantID string) (*model.PromptEntry, error) {
	ruleID = strings.ToUpper(ruleID)

	r.mu.Lock()
	e := r.lookup(ruleID, tenantID)
	r.mu.Unlock()

	if e != nil {
		if e.kind == kindNegative {
			return r.Get(ctx, ruleID, defaultTenantKey)
		}
		return e.prompt, nil
	}

	return r.load(ctx, ruleID, tenantID)
}

func (r *Resolver) load(ctx context.Context, ruleID, tenantID string) (*model.PromptEntry, error) {
	if tenantID != defaultTenantKey {
		name := customPromptName(ruleID, tenantID)
		p, err := r.registry.Get(ctx, name, 0)
		switch {
		case err == nil:
			entry := toPromptEntry(p, ruleID, tenantID)
			r.mu.Lock()
			r.store(ruleID, tenantID, &cacheEntry{kind: kindPresent, prompt: entry, insertedAt: time.Now()})
			r.mu.Unlock()
			return entry, nil
		case errors.Is(err, promptregistry.ErrPromptNotFound):
			r.mu.Lock()
			r.store(ruleID, tenantID, &cacheEntry{kind: kindNegative, insertedAt: time.Now()})
			r.mu.Unlock()
		default:
			return nil, fmt.Errorf("promptresolver: loading custom prompt %q: %w", name, err)
		}
	}

	r.mu.Lock()
	if fresh := r.lookup(ruleID, defaultTenantKey); fresh != nil && fresh.kind == kindPresent {
		r.mu.Unlock()
		return fresh.prompt, nil
	}
	r.mu.Unlock()

	name := defaultPromptName(ruleID)
	p, err := r.registry.Get(ctx, name, 0)
	if errors.Is(err, promptregistry.ErrPromptNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("promptresolver: loading default prompt %q: %w", name, err)
	}

	entry := toPromptEntry(p, ruleID, defaultTenantKey)
	r.mu.Lock()
	r.store(ruleID, defaultTenantKey, &cacheEntry{kind: kindPresent, prompt: entry, insertedAt: time.Now()})
	r.mu.Unlock()
	return entry, nil
}

// GetVersion fetches a specific historical prompt version, bypassing the
// latest-version cache entirely (used by /validate_prompt_response). For a
// non-default tenant the custom name is tried first, falling back to the
// default name when the registry has no custom prompt at that version.
func (r *Resolver) GetVersion(ctx context.Context, ruleID, tenantID string, version int) (*model.PromptEntry, error) {
	ruleID = strings.ToUpper(ruleID)
	if tenantID != defaultTenantKey {
		name := customPromptName(ruleID, tenantID)
		p, err := r.registry.Get(ctx, name, version)
		if err == nil {
			return toPromptEntry(p, ruleID, tenantID), nil
		}
		if !errors.Is(err, promptregistry.ErrPromptNotFound) {
			return nil, fmt.Errorf("promptresolver: loading %q version %d: %w", name, version, err)
		}
	}
	name := defaultPromptName(ruleID)
	p, err := r.registry.Get(ctx, name, version)
	if errors.Is(err, promptregistry.ErrPromptNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("promptresolver: loading %q version %d: %w", name, version, err)
	}
	return toPromptEntry(p, ruleID, defaultTenantKey), nil
}

// BatchLoad resolves every pair concurrently and returns a snapshot of the
// values observed during the batch -- not a re-read afterwards, which would
// risk a TTL expiry between load and return turning a hit into a null
// (SPEC_FULL.md §4.D "Batch load").
func (r *Resolver) BatchLoad(ctx context.Context, pairs []model.RuleTenantKey) map[model.RuleTenantKey]*model.PromptEntry {
	type result struct {
		key   model.RuleTenantKey
		entry *model.PromptEntry
		err   error
	}

	results := make(chan result, len(pairs))
	var wg sync.WaitGroup
	for _, pair := range pairs {
		wg.Add(1)
		go func(pair model.RuleTenantKey) {
			defer wg.Done()
			entry, err := r.Get(ctx, pair.RuleID, pair.Tenant)
			results <- result{key: pair, entry: entry, err: err}
		}(pair)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	snapshot := make(map[model.RuleTenantKey]*model.PromptEntry, len(pairs))
	for res := range results {
		if res.err != nil {
			logger.Logger.Error("prompt batch load failed", "rule_id", res.key.RuleID, "tenant_id", res.key.Tenant, "error", res.err)
			snapshot[res.key] = nil
			continue
		}
		snapshot[res.key] = res.entry
	}
	return snapshot
}

// RefreshPair evicts and reloads one (rule, tenant) pair.
func (r *Resolver) RefreshPair(ctx context.Context, ruleID, tenantID string) (*model.PromptEntry, error) {
	ruleID = strings.ToUpper(ruleID)
	r.mu.Lock()
	if tenants := r.cache[ruleID]; tenants != nil {
		delete(tenants, tenantID)
	}
	r.mu.Unlock()
	return r.load(ctx, ruleID, tenantID)
}

// RefreshRule evicts every tenant cached under ruleID and reloads each
// concurrently.
func (r *Resolver) RefreshRule(ctx context.Context, ruleID string) {
	ruleID = strings.ToUpper(ruleID)
	r.mu.Lock()
	tenants := r.cache[ruleID]
	keys := make([]string, 0, len(tenants))
	for t := range tenants {
		keys = append(keys, t)
	}
	delete(r.cache, ruleID)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, t := range keys {
		wg.Add(1)
		go func(tenant string) {
			defer wg.Done()
			if _, err := r.load(ctx, ruleID, tenant); err != nil {
				logger.Logger.Error("rule refresh failed", "rule_id", ruleID, "tenant_id", tenant, "error", err)
			}
		}(t)
	}
	wg.Wait()
}

// RefreshAll clears the entire cache and reloads every pair that was
// cached beforehand.
func (r *Resolver) RefreshAll(ctx context.Context) {
	r.mu.Lock()
	var pairs []model.RuleTenantKey
	for ruleID, tenants := range r.cache {
		for tenant := range tenants {
			pairs = append(pairs, model.RuleTenantKey{RuleID: ruleID, Tenant: tenant})
		}
	}
	r.cache = make(map[string]map[string]*cacheEntry)
	r.mu.Unlock()

	r.BatchLoad(ctx, pairs)
}

// Clear evicts everything without reloading (POST /cache/clear).
func (r *Resolver) Clear() {
	r.mu.Lock()
	r.cache = make(map[string]map[string]*cacheEntry)
	r.mu.Unlock()
}

// RuleStats is the per-rule breakdown returned by GET /cache/stats.
type RuleStats struct {
	Loaded     []string `json:"loaded"`      // tenants resolved to a real entry under this exact rule+tenant
	UsesDefault []string `json:"uses_default"` // tenants resolved via the sentinel fallback
}

// Stats is the GET /cache/stats response body shape.
type Stats struct {
	TotalPromptsCached  int                   `json:"total_prompts_cached"`
	TotalSentinelEntries int                  `json:"total_sentinel_entries"`
	TTLSeconds          float64               `json:"ttl_seconds"`
	Cache               map[string]RuleStats `json:"cache"`
}

func (r *Resolver) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := Stats{
		TTLSeconds: r.ttl.Seconds(),
		Cache:      make(map[string]RuleStats, len(r.cache)),
	}
	for ruleID, tenants := range r.cache {
		rs := RuleStats{}
		for tenant, e := range tenants {
			switch e.kind {
			case kindPresent:
				out.TotalPromptsCached++
				rs.Loaded = append(rs.Loaded, tenant)
			case kindNegative:
				out.TotalSentinelEntries++
				rs.UsesDefault = append(rs.UsesDefault, tenant)
			}
		}
		out.Cache[ruleID] = rs
	}
	return out
}
