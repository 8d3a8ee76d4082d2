// Package executor implements the Rule Executor (SPEC_FULL.md §4.E): given
// one rule's resolved prompt and one record's field values, it renders the
// template, calls the LLM, and maps the parsed result back onto the API's
// column names.
//
// Grounded in original_source/app/rules/base.py's execute_rule_with_prompt,
// _build_input_fields and _map_result_fields -- reproducing the same
// normalize -> rate-limit gate -> render -> call -> parse -> map pipeline.
// Unlike the original, the catch-all exception handling that routes.py's
// process_single_rule performs at the call site is folded into Execute
// itself: a Go caller expects a typed result, not an exception to catch,
// so converting a failure into an error-shaped RuleFinding happens here.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"

	"github.com/mlscompliance/complyengine/httpclient"
	"github.com/mlscompliance/complyengine/logger"
	"github.com/mlscompliance/complyengine/model"
	"github.com/mlscompliance/complyengine/parser"
	"github.com/mlscompliance/complyengine/ratelimiter"
	"github.com/mlscompliance/complyengine/retrygovernor"
	"github.com/mlscompliance/complyengine/templates"
)

// columnToVar and varToColumn mirror _build_input_fields/_map_result_fields:
// the eight API column names normalized to the template variable names
// every prompt is written against.
var columnToVar = map[string]string{
	"Remarks":             "public_remarks",
	"PrivateRemarks":      "private_agent_remarks",
	"Directions":          "directions",
	"ShowingInstructions": "showing_instructions",
	"ConfidentialRemarks": "confidential_remarks",
	"SupplementRemarks":   "supplement_remarks",
	"Concessions":         "concessions",
	"SaleFactors":         "sale_factors",
}

var varToColumn = func() map[string]string {
	m := make(map[string]string, len(columnToVar))
	for col, v := range columnToVar {
		m[v] = col
	}
	return m
}()

// Executor runs one (record, rule) evaluation against the shared LLM
// backend, rate limiter and retry governor. transport is the same
// Retry-After-capturing client the LLM backend was constructed with; the
// Executor reads its captured x-ratelimit-* headers after every call and
// folds them into limiter, per SPEC_FULL.md §4.E step 5.
type Executor struct {
	llm       llms.Model
	limiter   *ratelimiter.Limiter
	retry     *retrygovernor.Governor
	tmpl      *templates.TemplateEngine
	transport *httpclient.RetryAfterHTTPClient
}

func New(llm llms.Model, limiter *ratelimiter.Limiter, retry *retrygovernor.Governor, transport *httpclient.RetryAfterHTTPClient) *Executor {
	return &Executor{llm: llm, limiter: limiter, retry: retry, tmpl: templates.NewTemplateEngine(), transport: transport}
}

// Execute evaluates one rule against the given column values, restricted to
// the columns the caller asked to check. It never returns an error for an
// LLM/parse failure -- those become a RuleFinding with Error set, per
// SPEC_FULL.md §4.E's "failure handling is local" rule. A non-nil error
// return indicates context cancellation only.
func (e *Executor) Execute(ctx context.Context, ruleID string, columnValues map[string]string, prompt *model.PromptEntry) (*model.RuleFinding, error) {
	inputVars := buildInputVars(columnValues)

	combinedText := strings.Join(mapValues(inputVars), " ")
	estimated := e.limiter.EstimateTokens(combinedText)
	if err := e.limiter.WaitIfNeeded(ctx, estimated); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	message := e.tmpl.Render(prompt.TemplateText, inputVars)

	var response *llms.ContentResponse
	callErr := e.retry.Do(ctx, fmt.Sprintf("rule %s", ruleID), func() error {
		var err error
		response, err = e.llm.GenerateContent(ctx, []llms.MessageContent{
			llms.TextParts(llms.ChatMessageTypeSystem, message),
		},
			llms.WithModel(prompt.Config.Model),
			llms.WithTemperature(prompt.Config.Temperature),
			llms.WithMaxTokens(prompt.Config.MaxOutputTokens),
			llms.WithTopP(prompt.Config.TopP),
		)
		if err != nil && e.transport != nil {
			e.limiter.UpdateFromHeaders(ratelimiter.Headers(e.transport.LastRateLimitHeaders()), 0)
		}
		return err
	})

	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(callErr, ctxErr) {
		return nil, ctxErr
	}
	if callErr != nil {
		logger.Logger.Error("rule execution failed", "rule_id", ruleID, "error", callErr)
		return errorFinding(columnValues, callErr), nil
	}

	totalTokens := extractTotalTokens(response)
	if e.transport != nil {
		e.limiter.UpdateFromHeaders(ratelimiter.Headers(e.transport.LastRateLimitHeaders()), totalTokens)
	}

	outputText := ""
	if len(response.Choices) > 0 {
		outputText = response.Choices[0].Content
	}

	parsed, ok := parser.Parse(outputText)
	if !ok {
		logger.Logger.Error("rule response unparseable", "rule_id", ruleID, "output", truncate(outputText, 500))
		return errorFinding(columnValues, fmt.Errorf("unable to parse model output")), nil
	}

	resultMap, ok := extractResultObject(parsed)
	if !ok {
		logger.Logger.Error("rule response missing result object", "rule_id", ruleID)
		return errorFinding(columnValues, fmt.Errorf("invalid model output format")), nil
	}

	finding := mapResultFields(resultMap, inputVars, ruleID)
	finding.TotalTokens = totalTokens
	return finding, nil
}

func buildInputVars(columnValues map[string]string) map[string]string {
	out := make(map[string]string, len(columnToVar))
	for col, v := range columnToVar {
		out[v] = columnValues[col]
	}
	return out
}

func mapValues(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}

// mapResultFields maps template-variable-keyed violation lists back to API
// column names, dropping violations reported against a column whose input
// was empty (logging a warning, matching the original's behavior) and
// including an empty list for any column that had input but no violations.
func mapResultFields(resultMap map[string]interface{}, inputVars map[string]string, ruleID string) *model.RuleFinding {
	finding := &model.RuleFinding{Columns: make(map[string][]string)}

	for varName, column := range varToColumn {
		violations := toStringSlice(resultMap[varName])
		inputValue := inputVars[varName]

		if len(violations) > 0 {
			if inputValue == "" {
				logger.Logger.Warn("violations found against empty input column, excluding",
					"rule_id", ruleID, "column", column, "violations", violations)
				continue
			}
			finding.Columns[column] = violations
			continue
		}
		if inputValue != "" {
			finding.Columns[column] = []string{}
		}
	}

	return finding
}

func toStringSlice(v interface{}) []string {
	arr, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, item := range arr {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func extractResultObject(parsed interface{}) (map[string]interface{}, bool) {
	top, ok := parsed.(map[string]interface{})
	if !ok {
		return nil, false
	}
	result, ok := top["result"].(map[string]interface{})
	if !ok {
		return nil, false
	}
	return result, true
}

func extractTotalTokens(response *llms.ContentResponse) int {
	if response == nil || len(response.Choices) == 0 {
		return 0
	}
	info := response.Choices[0].GenerationInfo
	if info == nil {
		return 0
	}
	for _, key := range []string{"TotalTokens", "total_tokens"} {
		if v, ok := info[key]; ok {
			if n := asInt(v); n > 0 {
				return n
			}
		}
	}
	prompt := asInt(info["PromptTokens"])
	completion := asInt(info["CompletionTokens"])
	if prompt > 0 || completion > 0 {
		return prompt + completion
	}
	return 0
}

func asInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

func errorFinding(columnValues map[string]string, err error) *model.RuleFinding {
	return errorFindingWithTokens(columnValues, err, 0)
}

func errorFindingWithTokens(columnValues map[string]string, err error, tokens int) *model.RuleFinding {
	return &model.RuleFinding{
		Columns:     make(map[string][]string),
		TotalTokens: tokens,
		Error:       err.Error(),
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
