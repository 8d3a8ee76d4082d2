package promptresolver

import (
	"encoding/json"

	"github.com/yalp/jsonpath"
)

// VersionChangeEvent is the observability event SPEC_FULL.md §4.D's
// "Version-change reporting" step emits whenever a store overwrites an
// existing real cache entry with one carrying a different prompt version.
type VersionChangeEvent struct {
	RuleID     string `json:"rule_id"`
	TenantID   string `json:"tenant_id"`
	OldVersion int    `json:"old_version"`
	NewVersion int    `json:"new_version"`
}

// toJSON renders the event as the generic JSON payload the event log
// carries, so it can be inspected with a jsonpath expression rather than a
// hand-rolled struct walk -- the teacher's model.AssertionEvaluator reads
// arbitrary tool-call JSON this same way via yalp/jsonpath, repurposed here
// for reading structured log events in tests.
func (e VersionChangeEvent) toJSON() (interface{}, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	var generic interface{}
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, err
	}
	return generic, nil
}

// QueryEvent extracts the value at a jsonpath expression (e.g.
// "$.old_version") from a VersionChangeEvent, for tests asserting on one
// field of the emitted event without hand-rolling a JSON walker.
func QueryEvent(e VersionChangeEvent, path string) (interface{}, error) {
	generic, err := e.toJSON()
	if err != nil {
		return nil, err
	}
	return jsonpath.Read(generic, path)
}
