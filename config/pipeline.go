package config

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Stage names with built-in semantics.
const (
	StageEnd           = "end"
	StageClarification = "clarification"
	StageConfirmation  = "confirmation"
)

// SpecialStages are routing targets that are always valid without an agent.
var SpecialStages = map[string]bool{
	StageEnd:           true,
	StageClarification: true,
	StageConfirmation:  true,
}

// DefaultEdgeLimit bounds how often any single routing edge may be traversed
// before the cycle guard terminates the session.
const DefaultEdgeLimit = 5

// RoutingRule binds a routing expression to a target stage. Rules are
// evaluated in order; the first match wins.
type RoutingRule struct {
	When   *Expr  `json:"when" yaml:"when" msgpack:"when"`
	Target string `json:"target" yaml:"target" msgpack:"target"`
}

// AgentConfig is the declarative configuration for one pipeline agent.
type AgentConfig struct {
	// Identity
	Name       string `json:"name" yaml:"name" msgpack:"name"`
	StageOrder int    `json:"stage_order" yaml:"stage_order" msgpack:"stage_order"`

	// LLM configuration, passed through to the worker untouched.
	ModelRole string `json:"model_role,omitempty" yaml:"model_role,omitempty" msgpack:"model_role,omitempty"`
	PromptKey string `json:"prompt_key,omitempty" yaml:"prompt_key,omitempty" msgpack:"prompt_key,omitempty"`

	// Output configuration
	OutputKey string `json:"output_key,omitempty" yaml:"output_key,omitempty" msgpack:"output_key,omitempty"`

	// Routing
	RoutingRules []RoutingRule `json:"routing_rules,omitempty" yaml:"routing_rules,omitempty" msgpack:"routing_rules,omitempty"`
	DefaultNext  string        `json:"default_next,omitempty" yaml:"default_next,omitempty" msgpack:"default_next,omitempty"`
	ErrorNext    string        `json:"error_next,omitempty" yaml:"error_next,omitempty" msgpack:"error_next,omitempty"`

	// Bounds
	TimeoutSeconds int `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty" msgpack:"timeout_seconds,omitempty"`
	MaxRetries     int `json:"max_retries,omitempty" yaml:"max_retries,omitempty" msgpack:"max_retries,omitempty"`

	// Free-form settings forwarded inside RUN_AGENT instructions.
	Settings map[string]any `json:"settings,omitempty" yaml:"settings,omitempty" msgpack:"settings,omitempty"`
}

// Validate validates the agent configuration and fills defaults.
func (c *AgentConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("AgentConfig.Name is required")
	}
	if c.OutputKey == "" {
		c.OutputKey = c.Name
	}
	return nil
}

// PipelineConfig defines an ordered sequence of agents and their routing.
type PipelineConfig struct {
	Name   string         `json:"name" yaml:"name" msgpack:"name"`
	Agents []*AgentConfig `json:"agents" yaml:"agents" msgpack:"agents"`

	// Bounds
	MaxIterations         int `json:"max_iterations" yaml:"max_iterations" msgpack:"max_iterations"`
	DefaultTimeoutSeconds int `json:"default_timeout_seconds" yaml:"default_timeout_seconds" msgpack:"default_timeout_seconds"`

	// Cycle guard: per-edge traversal caps, "from->to" keys. Unlisted edges
	// use DefaultEdgeLimit; a zero or negative DefaultEdgeLimit disables the
	// guard entirely.
	EdgeLimits       map[string]int `json:"edge_limits,omitempty" yaml:"edge_limits,omitempty" msgpack:"edge_limits,omitempty"`
	DefaultEdgeLimit int            `json:"default_edge_limit" yaml:"default_edge_limit" msgpack:"default_edge_limit"`
}

// NewPipelineConfig creates a pipeline config with defaults.
func NewPipelineConfig(name string) *PipelineConfig {
	return &PipelineConfig{
		Name:                  name,
		Agents:                make([]*AgentConfig, 0),
		MaxIterations:         3,
		DefaultTimeoutSeconds: 300,
		DefaultEdgeLimit:      DefaultEdgeLimit,
	}
}

// AddAgent adds an agent to the pipeline.
func (p *PipelineConfig) AddAgent(agent *AgentConfig) error {
	if err := agent.Validate(); err != nil {
		return err
	}
	p.Agents = append(p.Agents, agent)
	return nil
}

// Validate validates the pipeline configuration eagerly: duplicate agent
// names, unknown routing targets, and unresolvable field references all fail
// here rather than at evaluation time.
func (p *PipelineConfig) Validate(knownField func(string) bool) error {
	if p.Name == "" {
		return fmt.Errorf("PipelineConfig.Name is required")
	}
	if len(p.Agents) == 0 {
		return fmt.Errorf("pipeline '%s' has no agents", p.Name)
	}
	if p.DefaultEdgeLimit == 0 {
		p.DefaultEdgeLimit = DefaultEdgeLimit
	}

	sort.SliceStable(p.Agents, func(i, j int) bool {
		return p.Agents[i].StageOrder < p.Agents[j].StageOrder
	})

	names := make(map[string]bool)
	for _, agent := range p.Agents {
		if err := agent.Validate(); err != nil {
			return err
		}
		if names[agent.Name] {
			return fmt.Errorf("duplicate agent name: %s", agent.Name)
		}
		names[agent.Name] = true
	}

	validTargets := make(map[string]bool, len(names)+len(SpecialStages))
	for name := range names {
		validTargets[name] = true
	}
	for name := range SpecialStages {
		validTargets[name] = true
	}

	for _, agent := range p.Agents {
		for i, rule := range agent.RoutingRules {
			if !validTargets[rule.Target] {
				return fmt.Errorf("agent '%s' routes to unknown target '%s'", agent.Name, rule.Target)
			}
			if err := rule.When.Validate(names, knownField); err != nil {
				return fmt.Errorf("agent '%s' routing rule %d: %w", agent.Name, i, err)
			}
		}
		if agent.DefaultNext != "" && !validTargets[agent.DefaultNext] {
			return fmt.Errorf("agent '%s' default_next '%s' not found", agent.Name, agent.DefaultNext)
		}
		if agent.ErrorNext != "" && !validTargets[agent.ErrorNext] {
			return fmt.Errorf("agent '%s' error_next '%s' not found", agent.Name, agent.ErrorNext)
		}
	}

	return nil
}

// GetAgent gets an agent config by name.
func (p *PipelineConfig) GetAgent(name string) *AgentConfig {
	for _, agent := range p.Agents {
		if agent.Name == name {
			return agent
		}
	}
	return nil
}

// GetStageOrder returns the ordered list of agent names.
func (p *PipelineConfig) GetStageOrder() []string {
	order := make([]string, len(p.Agents))
	for i, agent := range p.Agents {
		order[i] = agent.Name
	}
	return order
}

// GetEdgeLimit returns the traversal cap for an edge. Zero or negative means
// no limit.
func (p *PipelineConfig) GetEdgeLimit(from, to string) int {
	if limit, ok := p.EdgeLimits[from+"->"+to]; ok {
		return limit
	}
	return p.DefaultEdgeLimit
}

// AgentTimeout returns the effective timeout for an agent in seconds.
func (p *PipelineConfig) AgentTimeout(agent *AgentConfig) int {
	if agent.TimeoutSeconds > 0 {
		return agent.TimeoutSeconds
	}
	return p.DefaultTimeoutSeconds
}

// LoadPipeline reads a pipeline definition from a YAML file. The caller still
// runs Validate with the envelope field checker before use.
func LoadPipeline(path string) (*PipelineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline config: %w", err)
	}
	cfg := NewPipelineConfig("")
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse pipeline config %s: %w", path, err)
	}
	return cfg, nil
}
