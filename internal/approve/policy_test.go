package approve

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theirongolddev/herd/internal/events"
)

func mustPolicy(t *testing.T, rules ...TrustRule) *Policy {
	t.Helper()
	p, err := NewPolicy(rules)
	require.NoError(t, err)
	return p
}

func TestDecideMostSpecificLayerWins(t *testing.T) {
	p := mustPolicy(t,
		TrustRule{ID: "global-deny-rm", Scope: "Bash(rm *)", Action: ActionDeny, Layer: LayerGlobal},
		TrustRule{ID: "project-allow-rm-build", Scope: "Bash(rm -rf build*)", Action: ActionAllow, Layer: LayerProject},
		TrustRule{ID: "worker-ask-rm", Scope: "Bash(rm *)", Action: ActionAsk, Layer: LayerWorker, Workers: []string{"w2"}},
	)
	prompt := events.Prompt{Tool: "Bash", Subject: "rm -rf build"}

	d := p.Decide("w1", nil, prompt)
	assert.Equal(t, ActionAllow, d.Action)
	require.NotNil(t, d.Rule)
	assert.Equal(t, "project-allow-rm-build", d.Rule.ID)

	d = p.Decide("w2", nil, prompt)
	assert.Equal(t, ActionAsk, d.Action)
	assert.Equal(t, "worker-ask-rm", d.Rule.ID)

	d = p.Decide("w1", nil, events.Prompt{Tool: "Bash", Subject: "rm -rf /"})
	assert.Equal(t, ActionDeny, d.Action)
}

func TestDecideFailsClosed(t *testing.T) {
	p := mustPolicy(t,
		TrustRule{ID: "read", Scope: "Read", Action: ActionAllow, Layer: LayerUser},
		TrustRule{ID: "no-net", Scope: "*(curl *)", Action: ActionDeny, Layer: LayerGlobal},
	)

	d := p.Decide("w1", nil, events.Prompt{Text: "Continue? (y/n)"})
	assert.Equal(t, ActionAsk, d.Action)
	assert.Nil(t, d.Rule)

	d = p.Decide("w1", nil, events.Prompt{Tool: "Write", Subject: "x.go"})
	assert.Equal(t, ActionAsk, d.Action)
	assert.Equal(t, "no rule matched", d.Reason)

	d = p.Decide("w1", nil, events.Prompt{Tool: "Read", Subject: "/etc/hosts"})
	assert.Equal(t, ActionAllow, d.Action)

	d = p.Decide("w1", nil, events.Prompt{Tool: "Bash", Subject: "curl example.com"})
	assert.Equal(t, ActionDeny, d.Action)
}

func TestWildcardAllowRejected(t *testing.T) {
	_, err := NewPolicy([]TrustRule{{ID: "yolo", Scope: "*", Action: ActionAllow, Layer: LayerGlobal}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wildcard")
}

func TestBatchLayerRequiresMembership(t *testing.T) {
	p := mustPolicy(t, TrustRule{ID: "batch-edit", Scope: "Edit(/repo/**)", Action: ActionAllow, Layer: LayerBatch, Batches: []string{"b1"}})
	prompt := events.Prompt{Tool: "Edit", Subject: "/repo/a/b.go"}

	assert.Equal(t, ActionAsk, p.Decide("w1", nil, prompt).Action)
	assert.Equal(t, ActionAsk, p.Decide("w1", []string{"b2"}, prompt).Action)
	assert.Equal(t, ActionAllow, p.Decide("w1", []string{"b1"}, prompt).Action)
}

func TestRuleValidation(t *testing.T) {
	cases := []TrustRule{
		{Scope: "Bash", Action: ActionAllow, Layer: LayerUser},
		{ID: "a", Scope: "", Action: ActionAllow, Layer: LayerUser},
		{ID: "a", Scope: "Bash(ls", Action: ActionAllow, Layer: LayerUser},
		{ID: "a", Scope: "(ls)", Action: ActionAllow, Layer: LayerUser},
		{ID: "a", Scope: "Bash", Action: "maybe", Layer: LayerUser},
		{ID: "a", Scope: "Bash", Action: ActionAllow, Layer: "team"},
	}
	for _, r := range cases {
		_, err := NewPolicy([]TrustRule{r})
		assert.Error(t, err, "%+v", r)
	}
	_, err := NewPolicy([]TrustRule{
		{ID: "a", Scope: "Bash", Action: ActionAsk, Layer: LayerUser},
		{ID: "a", Scope: "Read", Action: ActionAsk, Layer: LayerUser},
	})
	assert.Error(t, err)
}

func TestLoadPolicy(t *testing.T) {
	dir := t.TempDir()
	project := filepath.Join(dir, "project.yaml")
	require.NoError(t, os.WriteFile(project, []byte(`
rules:
  - id: git-status
    scope: Bash(git status*)
    action: allow
`), 0o644))
	global := filepath.Join(dir, "global.yaml")
	require.NoError(t, os.WriteFile(global, []byte(`
rules:
  - id: deny-all-bash
    scope: Bash
    action: deny
    layer: global
`), 0o644))

	p, err := LoadPolicy(map[string]string{
		"project": project,
		"global":  global,
		"user":    filepath.Join(dir, "missing.yaml"),
	})
	require.NoError(t, err)
	rules := p.Rules()
	require.Len(t, rules, 2)
	assert.Equal(t, "git-status", rules[0].ID)
	assert.Equal(t, LayerProject, rules[0].Layer)
	assert.Equal(t, LayerGlobal, rules[1].Layer)

	_, err = LoadPolicy(map[string]string{"team": project})
	assert.Error(t, err)

	_, err = LoadPolicy(map[string]string{"user": global})
	assert.Error(t, err, "layer mismatch")
}
