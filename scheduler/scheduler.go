// Package scheduler implements the Dispatch Scheduler (SPEC_FULL.md §4.F):
// it validates a compliance request, prefetches every prompt the request
// will need, and runs one task per record -- each task running all of that
// record's applicable rules concurrently -- under a semaphore whose size is
// re-evaluated at chunk boundaries from the Rate Limiter's current safe
// concurrency.
//
// Grounded in original_source/app/api/routes.py: check_compliance's
// validation block (mlsId required, CheckColumns against the known-column
// set, per-record required-column presence check), process_all_records'
// chunked (100-record) concurrency re-evaluation loop, process_record's
// per-rule fan-out and null-collapse, and process_single_rule's
// catch-to-error-finding conversion (now folded into executor.Execute).
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/life4/genesis/slices"

	"github.com/mlscompliance/complyengine/executor"
	"github.com/mlscompliance/complyengine/logger"
	"github.com/mlscompliance/complyengine/model"
	"github.com/mlscompliance/complyengine/promptresolver"
	"github.com/mlscompliance/complyengine/ratelimiter"
)

const chunkSize = 100

// ValidationError is returned by Validate for a malformed request; the
// HTTP layer maps it to a 400 response.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// ruleColumns maps one (rule_id, mls_id) pair to the union of columns any
// selector asked to check for it -- a deduplicated slice rather than a map,
// built with genesis/slices the way the teacher's agent package composes
// its tool lists, in place of Python's set union over mls_rules_map.
type ruleColumns map[model.RuleTenantKey][]string

func unionColumn(cols []string, col string) []string {
	if slices.Contains(cols, col) {
		return cols
	}
	return append(cols, col)
}

// Validate checks a ComplianceRequest against the rules SPEC_FULL.md §4.F
// requires, returning the merged (rule, mls) -> columns map used by Run.
func Validate(req *model.ComplianceRequest) (ruleColumns, error) {
	if len(req.Data) == 0 {
		return nil, &ValidationError{Message: "empty data list"}
	}

	for _, rule := range req.AIViolationID {
		if rule.MlsID == "" {
			return nil, &ValidationError{Message: fmt.Sprintf("rule %s is missing required mlsId field", rule.ID)}
		}
		invalid := slices.Filter(rule.ColumnsList(), func(col string) bool { return !model.IsKnownColumn(col) })
		if len(invalid) > 0 {
			return nil, &ValidationError{Message: fmt.Sprintf("invalid CheckColumns for rule %q: %v", rule.ID, invalid)}
		}
	}

	rc := make(ruleColumns)
	for _, rule := range req.AIViolationID {
		key := model.RuleTenantKey{RuleID: strings.ToUpper(rule.ID), Tenant: rule.MlsID}
		cols := rc[key]
		for _, col := range rule.ColumnsList() {
			cols = unionColumn(cols, col)
		}
		rc[key] = cols
	}

	for idx, record := range req.Data {
		var applicable []model.RuleTenantKey
		var required []string
		for key, cols := range rc {
			if key.Tenant != record.MlsID {
				continue
			}
			applicable = append(applicable, key)
			for _, col := range cols {
				required = unionColumn(required, col)
			}
		}
		if len(applicable) == 0 {
			return nil, &ValidationError{Message: fmt.Sprintf("record %d (mlsnum=%s, mlsId=%s) has no matching rules", idx, record.MlsNum, record.MlsID)}
		}
		missing := slices.Filter(required, func(col string) bool { return !record.HasColumn(col) })
		if len(missing) > 0 {
			return nil, &ValidationError{Message: fmt.Sprintf("record %d (mlsnum=%s, mlsId=%s) missing required column %v", idx, record.MlsNum, record.MlsID, missing)}
		}
	}

	return rc, nil
}

// resizableSemaphore is a counting semaphore whose capacity can be changed
// mid-run. Resizing swaps in a fresh channel; permits already acquired
// against the old channel are released against that same channel, so the
// old one simply drains as in-flight work finishes rather than being
// revoked outright -- the scheduler's concurrency change takes effect for
// the next task to acquire, not for tasks already running.
type resizableSemaphore struct {
	mu sync.Mutex
	ch chan struct{}
}

func newResizableSemaphore(n int) *resizableSemaphore {
	return &resizableSemaphore{ch: make(chan struct{}, n)}
}

func (s *resizableSemaphore) resize(n int) {
	s.mu.Lock()
	s.ch = make(chan struct{}, n)
	s.mu.Unlock()
}

func (s *resizableSemaphore) acquire(ctx context.Context) (chan struct{}, error) {
	s.mu.Lock()
	ch := s.ch
	s.mu.Unlock()

	select {
	case ch <- struct{}{}:
		return ch, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func release(ch chan struct{}) {
	<-ch
}

// Scheduler runs compliance checks across records and rules.
type Scheduler struct {
	resolver *promptresolver.Resolver
	executor *executor.Executor
	limiter  *ratelimiter.Limiter
	timeout  time.Duration
}

func New(resolver *promptresolver.Resolver, exec *executor.Executor, limiter *ratelimiter.Limiter, jobTimeout time.Duration) *Scheduler {
	return &Scheduler{resolver: resolver, executor: exec, limiter: limiter, timeout: jobTimeout}
}

// Run validates, prefetches the latest cached prompts, and evaluates every
// record against its applicable rules, returning the aggregated JobResult.
func (s *Scheduler) Run(ctx context.Context, req *model.ComplianceRequest, requestID string) (*model.JobResult, error) {
	rc, err := Validate(req)
	if err != nil {
		return nil, err
	}

	pairs := rulePairs(rc)
	prompts := s.resolver.BatchLoad(ctx, pairs)
	return s.runWithPrompts(ctx, req, requestID, rc, pairs, prompts)
}

// RunWithVersion behaves like Run, but resolves every rule/tenant pair
// against one fixed prompt version instead of whatever the cache currently
// holds -- the §4.D "pin a version for validation" path POST
// /validate_prompt_response exposes.
func (s *Scheduler) RunWithVersion(ctx context.Context, req *model.ComplianceRequest, requestID string, version int) (*model.JobResult, error) {
	rc, err := Validate(req)
	if err != nil {
		return nil, err
	}

	pairs := rulePairs(rc)
	prompts := make(map[model.RuleTenantKey]*model.PromptEntry, len(pairs))
	for _, pair := range pairs {
		entry, err := s.resolver.GetVersion(ctx, pair.RuleID, pair.Tenant, version)
		if err != nil {
			logger.Logger.Error("prompt version load failed", "rule_id", pair.RuleID, "tenant_id", pair.Tenant, "version", version, "error", err)
			continue
		}
		prompts[pair] = entry
	}
	return s.runWithPrompts(ctx, req, requestID, rc, pairs, prompts)
}

func rulePairs(rc ruleColumns) []model.RuleTenantKey {
	pairs := make([]model.RuleTenantKey, 0, len(rc))
	for key := range rc {
		pairs = append(pairs, key)
	}
	return pairs
}

func (s *Scheduler) runWithPrompts(ctx context.Context, req *model.ComplianceRequest, requestID string, rc ruleColumns, pairs []model.RuleTenantKey, prompts map[model.RuleTenantKey]*model.PromptEntry) (*model.JobResult, error) {
	start := time.Now()

	var missing []string
	for _, pair := range pairs {
		if prompts[pair] == nil {
			missing = append(missing, pair.String())
		}
	}
	if len(missing) > 0 {
		return nil, &ValidationError{Message: fmt.Sprintf("no prompts found for: %v", missing)}
	}

	logger.Logger.Info("dispatch starting", "request_id", requestID, "records", len(req.Data), "rule_pairs", len(pairs))

	jobCtx := ctx
	var cancel context.CancelFunc
	if s.timeout > 0 {
		jobCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	initialConcurrency := s.limiter.SafeConcurrency()
	sem := newResizableSemaphore(initialConcurrency)

	results := make([]*model.RecordResult, len(req.Data))

	for i := 0; i < len(req.Data); i += chunkSize {
		end := i + chunkSize
		if end > len(req.Data) {
			end = len(req.Data)
		}

		newConcurrency := s.limiter.SafeConcurrency()
		sem.resize(newConcurrency)

		var wg sync.WaitGroup
		for idx := i; idx < end; idx++ {
			wg.Add(1)
			go func(idx int) {
				defer wg.Done()
				results[idx] = s.processRecord(jobCtx, &req.Data[idx], rc, prompts, sem)
			}(idx)
		}
		wg.Wait()
		logger.Logger.Info("chunk complete", "request_id", requestID, "processed", end, "total", len(req.Data))
	}

	if err := jobCtx.Err(); err != nil {
		return nil, fmt.Errorf("job %s did not complete: %w", requestID, err)
	}

	totalTokens := 0
	for _, r := range results {
		if r != nil {
			totalTokens += r.TokensUsed
		}
	}

	return &model.JobResult{
		OK:          200,
		Results:     results,
		RequestID:   requestID,
		TotalTokens: totalTokens,
		ElapsedTime: time.Since(start).Seconds(),
	}, nil
}

func (s *Scheduler) processRecord(ctx context.Context, record *model.Record, rc ruleColumns, prompts map[model.RuleTenantKey]*model.PromptEntry, sem *resizableSemaphore) *model.RecordResult {
	ch, err := sem.acquire(ctx)
	if err != nil {
		return &model.RecordResult{MlsNum: record.MlsNum, MlsID: record.MlsID, Rules: map[string]*model.RuleFinding{}}
	}
	defer release(ch)

	start := time.Now()

	var applicable []model.RuleTenantKey
	for key := range rc {
		if key.Tenant == record.MlsID {
			applicable = append(applicable, key)
		}
	}

	type ruleResult struct {
		ruleID  string
		finding *model.RuleFinding
	}
	out := make(chan ruleResult, len(applicable))

	var wg sync.WaitGroup
	for _, key := range applicable {
		wg.Add(1)
		go func(key model.RuleTenantKey) {
			defer wg.Done()
			columnValues := make(map[string]string)
			for _, col := range rc[key] {
				columnValues[col] = record.Field(col)
			}
			finding, err := s.executor.Execute(ctx, key.RuleID, columnValues, prompts[key])
			if err != nil {
				logger.Logger.Error("rule task cancelled", "rule_id", key.RuleID, "mlsnum", record.MlsNum, "error", err)
				finding = &model.RuleFinding{Columns: map[string][]string{}, Error: err.Error()}
			}
			out <- ruleResult{ruleID: key.RuleID, finding: finding}
		}(key)
	}
	wg.Wait()
	close(out)

	result := &model.RecordResult{
		MlsNum: record.MlsNum,
		MlsID:  record.MlsID,
		Rules:  make(map[string]*model.RuleFinding, len(applicable)),
	}
	totalTokens := 0
	for rr := range out {
		totalTokens += rr.finding.TotalTokens
		if rr.finding.AllColumnsEmpty() && rr.finding.Error == "" {
			result.Rules[rr.ruleID] = nil
		} else {
			result.Rules[rr.ruleID] = rr.finding
		}
	}

	result.TokensUsed = totalTokens
	result.LatencySeconds = time.Since(start).Seconds()
	return result
}
