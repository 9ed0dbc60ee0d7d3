// Package approve decides how to answer a worker's pending approval prompt
// from layered trust rules, and sends the answer to the worker's pane.
//
// Rules are checked most specific layer first and the first match wins.
// Anything not explicitly allowed is left for a human.
package approve

import (
	"fmt"
	"slices"
	"strings"
)

// Action is what to do with a pending prompt.
type Action string

const (
	ActionAllow Action = "allow"
	ActionDeny  Action = "deny"
	ActionAsk   Action = "ask"
)

// Layer is the origin of a rule.
type Layer string

const (
	LayerWorker  Layer = "worker"
	LayerBatch   Layer = "batch"
	LayerProject Layer = "project"
	LayerUser    Layer = "user"
	LayerGlobal  Layer = "global"
)

// Layers lists layers from most to least specific.
var Layers = []Layer{LayerWorker, LayerBatch, LayerProject, LayerUser, LayerGlobal}

// Rank returns the precedence of a layer (lower wins), or -1 if unknown.
func (l Layer) Rank() int {
	return slices.Index(Layers, l)
}

// WildcardTool matches every tool. A wildcard rule may only deny or ask.
const WildcardTool = "*"

// TrustRule maps a prompt class to an action.
type TrustRule struct {
	ID     string `yaml:"id" json:"id"`
	Scope  string `yaml:"scope" json:"scope"`
	Action Action `yaml:"action" json:"action"`
	Layer  Layer  `yaml:"layer,omitempty" json:"layer"`
	// Workers restricts a worker-layer rule to these worker ids.
	Workers []string `yaml:"workers,omitempty" json:"workers,omitempty"`
	// Batches restricts a batch-layer rule to these batch ids.
	Batches []string `yaml:"batches,omitempty" json:"batches,omitempty"`

	scope scope
}

// scope is a parsed "Tool" or "Tool(pattern)".
type scope struct {
	tool       string
	pattern    string
	hasPattern bool
}

func parseScope(s string) (scope, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return scope{}, fmt.Errorf("empty scope")
	}
	open := strings.IndexByte(s, '(')
	if open < 0 {
		if strings.ContainsAny(s, ")") {
			return scope{}, fmt.Errorf("scope %q: unbalanced parenthesis", s)
		}
		return scope{tool: s}, nil
	}
	if !strings.HasSuffix(s, ")") {
		return scope{}, fmt.Errorf("scope %q: missing closing parenthesis", s)
	}
	tool := strings.TrimSpace(s[:open])
	if tool == "" {
		return scope{}, fmt.Errorf("scope %q: missing tool name", s)
	}
	return scope{tool: tool, pattern: s[open+1 : len(s)-1], hasPattern: true}, nil
}

func (s scope) wildcard() bool { return s.tool == WildcardTool }

func (s scope) matches(tool, subject string) bool {
	if !s.wildcard() && !strings.EqualFold(s.tool, tool) {
		return false
	}
	if !s.hasPattern {
		return true
	}
	return Match(s.pattern, subject, pathTool(tool))
}

// pathTool reports whether a tool's subject is a file path, in which case
// "*" does not cross directory separators.
func pathTool(tool string) bool {
	switch strings.ToLower(tool) {
	case "edit", "multiedit", "write", "read", "notebookedit", "glob", "ls":
		return true
	}
	return false
}

// compile validates the rule and caches its parsed scope.
func (r *TrustRule) compile() error {
	if r.ID == "" {
		return fmt.Errorf("rule with scope %q has no id", r.Scope)
	}
	sc, err := parseScope(r.Scope)
	if err != nil {
		return fmt.Errorf("rule %s: %w", r.ID, err)
	}
	switch r.Action {
	case ActionAllow, ActionDeny, ActionAsk:
	default:
		return fmt.Errorf("rule %s: invalid action %q (want allow, deny or ask)", r.ID, r.Action)
	}
	if r.Layer.Rank() < 0 {
		return fmt.Errorf("rule %s: invalid layer %q", r.ID, r.Layer)
	}
	if sc.wildcard() && r.Action == ActionAllow {
		return fmt.Errorf("rule %s: a wildcard tool scope may only deny or ask", r.ID)
	}
	r.scope = sc
	return nil
}

// applies reports whether the rule is in force for the worker.
func (r *TrustRule) applies(workerID string, batchIDs []string) bool {
	switch r.Layer {
	case LayerWorker:
		return len(r.Workers) == 0 || slices.Contains(r.Workers, workerID)
	case LayerBatch:
		if len(batchIDs) == 0 {
			return false
		}
		if len(r.Batches) == 0 {
			return true
		}
		for _, id := range batchIDs {
			if slices.Contains(r.Batches, id) {
				return true
			}
		}
		return false
	}
	return true
}
