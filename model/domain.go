// Package model defines the data shapes that flow through the compliance
// engine: the inbound request model (RuleSelector, Record), the resolver's
// PromptEntry, and the outbound result model (RuleFinding, RecordResult,
// JobResult).
package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// KnownColumns is the closed set of free-text fields a Record may carry and
// a RuleSelector may reference. Any other column name fails validation.
var KnownColumns = []string{
	"Remarks",
	"PrivateRemarks",
	"Directions",
	"ShowingInstructions",
	"ConfidentialRemarks",
	"SupplementRemarks",
	"Concessions",
	"SaleFactors",
}

func IsKnownColumn(name string) bool {
	for _, c := range KnownColumns {
		if c == name {
			return true
		}
	}
	return false
}

// RuleSelector is one (rule_id, tenant_id, columns) triple from the request.
// It accepts the common `mlsIds` (plural) typo as a synonym for `mlsId`,
// normalizing it on decode.
type RuleSelector struct {
	ID           string `json:"ID"`
	MlsID        string `json:"mlsId"`
	CheckColumns string `json:"CheckColumns"`
}

func (r *RuleSelector) UnmarshalJSON(data []byte) error {
	type alias struct {
		ID           string `json:"ID"`
		MlsID        string `json:"mlsId"`
		MlsIDs       string `json:"mlsIds"`
		CheckColumns string `json:"CheckColumns"`
	}
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	r.ID = a.ID
	r.CheckColumns = a.CheckColumns
	r.MlsID = a.MlsID
	if r.MlsID == "" && a.MlsIDs != "" {
		r.MlsID = a.MlsIDs
	}
	return nil
}

// ColumnsList returns CheckColumns split and trimmed into individual column
// names, dropping empty entries.
func (r *RuleSelector) ColumnsList() []string {
	if r.CheckColumns == "" {
		return nil
	}
	parts := strings.Split(r.CheckColumns, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// RuleTenantKey identifies one (rule_id, tenant_id) pair, rule_id always
// uppercased, tenant_id kept verbatim (case-sensitive).
type RuleTenantKey struct {
	RuleID string
	Tenant string
}

func (k RuleTenantKey) String() string {
	return fmt.Sprintf("%s/%s", k.RuleID, k.Tenant)
}

// Record is one listing to evaluate. The eight optional text fields default
// to empty when absent from the payload; presentSet records which of them
// were actually present as a JSON key (even if set to ""), which is what
// the Scheduler's "required column present on the record" validation checks
// against, distinguishing an omitted field from an explicitly empty one.
type Record struct {
	MlsNum              string
	MlsID               string
	Remarks             string
	PrivateRemarks      string
	Directions          string
	ShowingInstructions string
	ConfidentialRemarks string
	SupplementRemarks   string
	Concessions         string
	SaleFactors         string

	presentSet map[string]bool
}

func (r *Record) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	type alias struct {
		MlsNum              string `json:"mlsnum"`
		MlsID               string `json:"mlsId"`
		Remarks             string `json:"Remarks"`
		PrivateRemarks      string `json:"PrivateRemarks"`
		Directions          string `json:"Directions"`
		ShowingInstructions string `json:"ShowingInstructions"`
		ConfidentialRemarks string `json:"ConfidentialRemarks"`
		SupplementRemarks   string `json:"SupplementRemarks"`
		Concessions         string `json:"Concessions"`
		SaleFactors         string `json:"SaleFactors"`
	}
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	r.MlsNum = a.MlsNum
	r.MlsID = a.MlsID
	r.Remarks = a.Remarks
	r.PrivateRemarks = a.PrivateRemarks
	r.Directions = a.Directions
	r.ShowingInstructions = a.ShowingInstructions
	r.ConfidentialRemarks = a.ConfidentialRemarks
	r.SupplementRemarks = a.SupplementRemarks
	r.Concessions = a.Concessions
	r.SaleFactors = a.SaleFactors

	r.presentSet = make(map[string]bool, len(raw))
	for _, c := range KnownColumns {
		if _, ok := raw[c]; ok {
			r.presentSet[c] = true
		}
	}
	return nil
}

// HasColumn reports whether column was present as a JSON key on this record
// (an explicitly empty string counts as present; an omitted key does not).
func (r *Record) HasColumn(column string) bool {
	return r.presentSet[column]
}

// Field returns the text for a known column name.
func (r *Record) Field(column string) string {
	switch column {
	case "Remarks":
		return r.Remarks
	case "PrivateRemarks":
		return r.PrivateRemarks
	case "Directions":
		return r.Directions
	case "ShowingInstructions":
		return r.ShowingInstructions
	case "ConfidentialRemarks":
		return r.ConfidentialRemarks
	case "SupplementRemarks":
		return r.SupplementRemarks
	case "Concessions":
		return r.Concessions
	case "SaleFactors":
		return r.SaleFactors
	default:
		return ""
	}
}

// ComplianceRequest is the body of POST /check_compliance.
type ComplianceRequest struct {
	AIViolationID []RuleSelector `json:"AIViolationID"`
	Data          []Record       `json:"Data"`
}

// PromptValidationRequest is the body of POST /validate_prompt_response: a
// ComplianceRequest plus an optional specific prompt version to validate
// against, rather than the latest cached one.
type PromptValidationRequest struct {
	ComplianceRequest
	PromptVersion *int `json:"prompt_version,omitempty"`
}

// PromptConfig carries per-prompt LLM sampling parameters, with defaults
// applied when the registry entry omits them.
type PromptConfig struct {
	Model          string  `json:"model"`
	Temperature    float64 `json:"temperature"`
	MaxOutputTokens int    `json:"max_output_tokens"`
	TopP           float64 `json:"top_p"`
}

const (
	ExecutorDefaultModel           = "gpt-4o"
	ExecutorDefaultTemperature     = 0.0
	ExecutorDefaultTopP            = 1.0
	ExecutorDefaultMaxOutputTokens = 6095 // independent of the rate limiter's estimator constant, see SPEC_FULL.md §9
)

func DefaultPromptConfig() PromptConfig {
	return PromptConfig{
		Model:           ExecutorDefaultModel,
		Temperature:     ExecutorDefaultTemperature,
		MaxOutputTokens: ExecutorDefaultMaxOutputTokens,
		TopP:            ExecutorDefaultTopP,
	}
}

// PromptEntry is one resolved prompt: a rendered-later template plus config,
// identified by (RuleID upper, TenantID verbatim).
type PromptEntry struct {
	RuleID       string
	TenantID     string
	Name         string
	TemplateText string
	Config       PromptConfig
	Version      int
}

// RuleFinding is the per-(record,rule) result: violation strings per column
// that had non-empty input, a token count, and an optional fatal error.
type RuleFinding struct {
	Columns     map[string][]string
	TotalTokens int
	Error       string
}

// AllColumnsEmpty reports whether every column list in this finding is
// empty, which is the §4.F null-collapse condition.
func (f *RuleFinding) AllColumnsEmpty() bool {
	if f == nil {
		return true
	}
	for _, v := range f.Columns {
		if len(v) > 0 {
			return false
		}
	}
	return true
}

func (f *RuleFinding) MarshalJSON() ([]byte, error) {
	m := make(map[string]interface{}, len(f.Columns)+2)
	for k, v := range f.Columns {
		if v == nil {
			v = []string{}
		}
		m[k] = v
	}
	m["Total_tokens"] = f.TotalTokens
	if f.Error != "" {
		m["error"] = f.Error
	}
	return json.Marshal(m)
}

// RecordResult is the aggregated outcome for one record: its rule findings
// (nil meaning "no violations", per the null-collapse rule) flattened
// alongside bookkeeping fields, matching the original dict-shaped response.
type RecordResult struct {
	MlsNum         string
	MlsID          string
	LatencySeconds float64
	TokensUsed     int
	Rules          map[string]*RuleFinding // RULE_ID -> finding, or nil entry for "no violations"
}

func (r *RecordResult) MarshalJSON() ([]byte, error) {
	m := make(map[string]interface{}, len(r.Rules)+4)
	m["mlsnum"] = r.MlsNum
	m["mlsId"] = r.MlsID
	m["latency"] = r.LatencySeconds
	m["tokens_used"] = r.TokensUsed
	for ruleID, finding := range r.Rules {
		if finding == nil {
			m[ruleID] = nil
		} else {
			m[ruleID] = finding
		}
	}
	return json.Marshal(m)
}

// JobResult is the top-level response for both /check_compliance and
// /validate_prompt_response.
type JobResult struct {
	OK           int             `json:"ok"`
	Results      []*RecordResult `json:"results"`
	RequestID    string          `json:"request_id,omitempty"`
	ErrorMessage string          `json:"error_message"`
	TotalTokens  int             `json:"total_tokens"`
	ElapsedTime  float64         `json:"elapsed_time"`
}
