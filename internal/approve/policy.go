package approve

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/theirongolddev/herd/internal/events"
)

// policyFile is the on-disk shape of one layer's rules.
type policyFile struct {
	Rules []TrustRule `yaml:"rules"`
}

// Policy is an ordered rule set.
type Policy struct {
	rules []TrustRule
}

// NewPolicy validates rules and orders them most specific layer first,
// keeping file order within a layer.
func NewPolicy(rules []TrustRule) (*Policy, error) {
	out := make([]TrustRule, len(rules))
	copy(out, rules)
	seen := make(map[string]bool)
	for i := range out {
		if err := out[i].compile(); err != nil {
			return nil, err
		}
		if seen[out[i].ID] {
			return nil, fmt.Errorf("duplicate rule id %q", out[i].ID)
		}
		seen[out[i].ID] = true
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Layer.Rank() < out[j].Layer.Rank() })
	return &Policy{rules: out}, nil
}

// ParsePolicy decodes one layer's YAML. Rules that omit a layer inherit it;
// rules naming a different layer are rejected.
func ParsePolicy(data []byte, layer Layer) ([]TrustRule, error) {
	var pf policyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("YAML parse error: %w", err)
	}
	for i := range pf.Rules {
		switch pf.Rules[i].Layer {
		case "":
			pf.Rules[i].Layer = layer
		case layer:
		default:
			return nil, fmt.Errorf("rule %s declares layer %q in the %s policy", pf.Rules[i].ID, pf.Rules[i].Layer, layer)
		}
	}
	return pf.Rules, nil
}

// LoadPolicy reads the policy file of each layer. Layers whose file does
// not exist contribute no rules.
func LoadPolicy(files map[string]string) (*Policy, error) {
	var all []TrustRule
	for _, layer := range Layers {
		path, ok := files[string(layer)]
		if !ok || path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading %s policy: %w", layer, err)
		}
		rules, err := ParsePolicy(data, layer)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		all = append(all, rules...)
	}
	for name := range files {
		if Layer(name).Rank() < 0 {
			return nil, fmt.Errorf("unknown policy layer %q", name)
		}
	}
	return NewPolicy(all)
}

// Rules returns the rules in evaluation order.
func (p *Policy) Rules() []TrustRule {
	out := make([]TrustRule, len(p.rules))
	copy(out, p.rules)
	return out
}

// Decision is the outcome of matching a prompt against the policy.
type Decision struct {
	Action Action     `json:"action"`
	Rule   *TrustRule `json:"rule,omitempty"`
	Class  string     `json:"class"`
	Reason string     `json:"reason"`
}

// Decide matches a prompt. batchIDs are the batches the worker belongs to.
func (p *Policy) Decide(workerID string, batchIDs []string, prompt events.Prompt) Decision {
	d := Decision{Action: ActionAsk, Class: prompt.Class()}
	if prompt.Tool == "" {
		d.Reason = "prompt is not attributed to a tool"
		return d
	}
	for i := range p.rules {
		r := &p.rules[i]
		if !r.applies(workerID, batchIDs) || !r.scope.matches(prompt.Tool, prompt.Subject) {
			continue
		}
		rule := *r
		d.Rule = &rule
		d.Action = r.Action
		d.Reason = fmt.Sprintf("matched %s rule %s", r.Layer, r.ID)
		if r.scope.wildcard() && d.Action == ActionAllow {
			d.Action = ActionAsk
			d.Reason = "wildcard scope cannot allow"
		}
		return d
	}
	d.Reason = "no rule matched"
	return d
}
