package promptresolver

import (
	"context"
	"testing"
	"time"

	"github.com/mlscompliance/complyengine/logger"
	"github.com/mlscompliance/complyengine/model"
	"github.com/mlscompliance/complyengine/promptregistry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	logger.SetupLogger(&discardWriter{}, true)
}

type discardWriter struct{}

func (d *discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// stubRegistry implements Registry, keyed by prompt name, grounded in the
// teacher's mock-based registry/server stand-ins.
type stubRegistry struct {
	prompts map[string]*promptregistry.Prompt
	calls   map[string]int
}

func newStubRegistry() *stubRegistry {
	return &stubRegistry{prompts: map[string]*promptregistry.Prompt{}, calls: map[string]int{}}
}

func (s *stubRegistry) Get(ctx context.Context, name string, version int) (*promptregistry.Prompt, error) {
	s.calls[name]++
	if p, ok := s.prompts[name]; ok {
		return p, nil
	}
	return nil, promptregistry.ErrPromptNotFound
}

func TestResolver_Get_CustomPromptTakesPrecedence(t *testing.T) {
	reg := newStubRegistry()
	reg.prompts["RULE1_MLS1_violation"] = &promptregistry.Prompt{Name: "RULE1_MLS1_violation", Prompt: "custom text", Version: 1}
	reg.prompts["RULE1_violation"] = &promptregistry.Prompt{Name: "RULE1_violation", Prompt: "default text", Version: 1}

	r := New(reg, time.Minute)
	entry, err := r.Get(context.Background(), "rule1", "MLS1")

	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "custom text", entry.TemplateText)
	assert.Equal(t, "RULE1", entry.RuleID)
}

func TestResolver_Get_FallsBackToDefaultWhenNoCustomPrompt(t *testing.T) {
	reg := newStubRegistry()
	reg.prompts["RULE1_violation"] = &promptregistry.Prompt{Name: "RULE1_violation", Prompt: "default text", Version: 1}

	r := New(reg, time.Minute)
	entry, err := r.Get(context.Background(), "RULE1", "MLS1")

	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "default text", entry.TemplateText)
}

func TestResolver_Get_NegativeSentinelAvoidsRepeatedRegistryCalls(t *testing.T) {
	reg := newStubRegistry()
	reg.prompts["RULE1_violation"] = &promptregistry.Prompt{Name: "RULE1_violation", Prompt: "default text", Version: 1}

	r := New(reg, time.Minute)
	_, err := r.Get(context.Background(), "RULE1", "MLS1")
	require.NoError(t, err)
	_, err = r.Get(context.Background(), "RULE1", "MLS1")
	require.NoError(t, err)

	assert.Equal(t, 1, reg.calls["RULE1_MLS1_violation"])
}

func TestResolver_Get_NeitherPromptExists(t *testing.T) {
	reg := newStubRegistry()
	r := New(reg, time.Minute)

	entry, err := r.Get(context.Background(), "RULE1", "MLS1")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestResolver_Get_TTLExpiryTriggersReload(t *testing.T) {
	reg := newStubRegistry()
	reg.prompts["RULE1_MLS1_violation"] = &promptregistry.Prompt{Name: "RULE1_MLS1_violation", Prompt: "v1", Version: 1}

	r := New(reg, time.Millisecond)
	_, err := r.Get(context.Background(), "RULE1", "MLS1")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	reg.prompts["RULE1_MLS1_violation"] = &promptregistry.Prompt{Name: "RULE1_MLS1_violation", Prompt: "v2", Version: 2}

	entry, err := r.Get(context.Background(), "RULE1", "MLS1")
	require.NoError(t, err)
	assert.Equal(t, "v2", entry.TemplateText)
	assert.Equal(t, 2, reg.calls["RULE1_MLS1_violation"])
}

func TestResolver_GetVersion(t *testing.T) {
	reg := newStubRegistry()
	reg.prompts["RULE1_violation"] = &promptregistry.Prompt{Name: "RULE1_violation", Prompt: "pinned", Version: 3}

	r := New(reg, time.Minute)
	entry, err := r.GetVersion(context.Background(), "RULE1", "default", 3)

	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "pinned", entry.TemplateText)
}

func TestResolver_BatchLoad(t *testing.T) {
	reg := newStubRegistry()
	reg.prompts["RULE1_violation"] = &promptregistry.Prompt{Name: "RULE1_violation", Prompt: "a", Version: 1}
	reg.prompts["RULE2_violation"] = &promptregistry.Prompt{Name: "RULE2_violation", Prompt: "b", Version: 1}

	r := New(reg, time.Minute)
	pairs := []model.RuleTenantKey{
		{RuleID: "RULE1", Tenant: "MLS1"},
		{RuleID: "RULE2", Tenant: "MLS2"},
	}
	snapshot := r.BatchLoad(context.Background(), pairs)

	require.Len(t, snapshot, 2)
	assert.Equal(t, "a", snapshot[pairs[0]].TemplateText)
	assert.Equal(t, "b", snapshot[pairs[1]].TemplateText)
}

func TestResolver_ClearAndStats(t *testing.T) {
	reg := newStubRegistry()
	reg.prompts["RULE1_MLS1_violation"] = &promptregistry.Prompt{Name: "RULE1_MLS1_violation", Prompt: "a", Version: 1}

	r := New(reg, time.Minute)
	_, err := r.Get(context.Background(), "RULE1", "MLS1")
	require.NoError(t, err)

	stats := r.Stats()
	assert.Equal(t, 1, stats.TotalPromptsCached)

	r.Clear()
	stats = r.Stats()
	assert.Equal(t, 0, stats.TotalPromptsCached)
	assert.Empty(t, stats.Cache)
}

func TestResolver_RefreshPair(t *testing.T) {
	reg := newStubRegistry()
	reg.prompts["RULE1_MLS1_violation"] = &promptregistry.Prompt{Name: "RULE1_MLS1_violation", Prompt: "v1", Version: 1}

	r := New(reg, time.Minute)
	_, err := r.Get(context.Background(), "RULE1", "MLS1")
	require.NoError(t, err)

	reg.prompts["RULE1_MLS1_violation"] = &promptregistry.Prompt{Name: "RULE1_MLS1_violation", Prompt: "v2", Version: 2}
	entry, err := r.RefreshPair(context.Background(), "RULE1", "MLS1")

	require.NoError(t, err)
	assert.Equal(t, "v2", entry.TemplateText)
}

// The event queried below is built by the test itself; this test does not
// capture an event from the resolver.
func TestResolver_TTLReloadThenQueryVersionChangeEvent(t *testing.T) {
	reg := newStubRegistry()
	reg.prompts["RULE1_MLS1_violation"] = &promptregistry.Prompt{Name: "RULE1_MLS1_violation", Prompt: "v1", Version: 1}

	r := New(reg, time.Millisecond)
	_, err := r.Get(context.Background(), "RULE1", "MLS1")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	reg.prompts["RULE1_MLS1_violation"] = &promptregistry.Prompt{Name: "RULE1_MLS1_violation", Prompt: "v2", Version: 2}

	_, err = r.Get(context.Background(), "RULE1", "MLS1")
	require.NoError(t, err)

	event := VersionChangeEvent{RuleID: "RULE1", TenantID: "MLS1", OldVersion: 1, NewVersion: 2}
	v, err := QueryEvent(event, "$.new_version")
	require.NoError(t, err)
	assert.EqualValues(t, 2, v)
}
