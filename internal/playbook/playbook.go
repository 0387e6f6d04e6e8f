package playbook

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"aegis/internal/alert"
)

// RiskLevel classifies how dangerous an action is to run unattended.
type RiskLevel int

const (
	RiskLow RiskLevel = iota
	RiskMedium
	RiskHigh
)

func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	default:
		return "unknown"
	}
}

// ParseRisk maps a configuration string to a RiskLevel.
func ParseRisk(value string) (RiskLevel, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "low":
		return RiskLow, nil
	case "medium", "med":
		return RiskMedium, nil
	case "high":
		return RiskHigh, nil
	default:
		return RiskLow, fmt.Errorf("unknown risk level %q", value)
	}
}

// MarshalYAML renders the risk as its lowercase name.
func (r RiskLevel) MarshalYAML() (any, error) {
	return r.String(), nil
}

// UnmarshalYAML parses a risk name from playbook configuration.
func (r *RiskLevel) UnmarshalYAML(unmarshal func(any) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	parsed, err := ParseRisk(raw)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// MarshalJSON renders the risk as its lowercase name.
func (r RiskLevel) MarshalJSON() ([]byte, error) {
	return []byte(`"` + r.String() + `"`), nil
}

// UnmarshalJSON parses a risk name from persisted records.
func (r *RiskLevel) UnmarshalJSON(data []byte) error {
	parsed, err := ParseRisk(strings.Trim(string(data), `"`))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Executor kinds. The executor registry dispatches on these.
const (
	KindCommand = "command"
	KindHTTP    = "http"
	KindTool    = "tool"
)

var validKinds = map[string]bool{
	KindCommand: true,
	KindHTTP:    true,
	KindTool:    true,
}

// Action is a declarative step inside a playbook: a stateless template that
// can be executed many times.
type Action struct {
	Kind    string            `json:"kind"`
	Target  string            `json:"target"`
	Params  map[string]string `json:"params,omitempty"`
	Risk    RiskLevel         `json:"risk"`
	Timeout time.Duration     `json:"timeout,omitempty"`
}

// Validate checks the action template.
func (a *Action) Validate() error {
	if !validKinds[a.Kind] {
		return fmt.Errorf("action: unknown kind %q", a.Kind)
	}
	if a.Target == "" {
		return fmt.Errorf("action: target is required")
	}
	if a.Timeout < 0 {
		return fmt.Errorf("action: negative timeout")
	}
	return nil
}

// Match is the predicate that decides whether a playbook applies to an alert:
// a severity floor plus an optional message regexp.
type Match struct {
	MinSeverity alert.Severity `yaml:"min_severity" json:"min_severity"`
	Pattern     string         `yaml:"pattern,omitempty" json:"pattern,omitempty"`

	compiled *regexp.Regexp
}

// Compile validates and caches the message pattern. An empty pattern matches
// every message.
func (m *Match) Compile() error {
	if m.Pattern == "" {
		m.compiled = nil
		return nil
	}
	compiled, err := regexp.Compile(m.Pattern)
	if err != nil {
		return fmt.Errorf("match: invalid pattern %q: %w", m.Pattern, err)
	}
	m.compiled = compiled
	return nil
}

// Accepts reports whether the alert satisfies this predicate.
func (m *Match) Accepts(a alert.Alert) bool {
	if a.Severity < m.MinSeverity {
		return false
	}
	if m.compiled == nil {
		return m.Pattern == ""
	}
	return m.compiled.MatchString(a.Message)
}

// Playbook is a declarative rule mapping an alert pattern to an ordered list
// of remediation actions. Playbooks are configuration: loaded read-only at
// reactor start and never mutated by the reactor.
type Playbook struct {
	ID             string        `json:"id"`
	Name           string        `json:"name"`
	Match          Match         `json:"match"`
	Actions        []Action      `json:"actions"`
	Cooldown       time.Duration `json:"cooldown"`
	Risk           RiskLevel     `json:"risk"`
	RequireConfirm bool          `json:"require_confirm"`
}

// Validate checks the playbook definition and compiles its match pattern.
// A malformed playbook is a configuration error: fatal at load time, never
// silently dropped.
func (p *Playbook) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("playbook: id is required")
	}
	if p.Name == "" {
		p.Name = p.ID
	}
	if len(p.Actions) == 0 {
		return fmt.Errorf("playbook %q: at least one action is required", p.ID)
	}
	if err := p.Match.Compile(); err != nil {
		return fmt.Errorf("playbook %q: %w", p.ID, err)
	}
	for i := range p.Actions {
		if err := p.Actions[i].Validate(); err != nil {
			return fmt.Errorf("playbook %q action %d: %w", p.ID, i, err)
		}
	}
	return nil
}

// MaxActionRisk returns the highest risk tier among the playbook's actions.
func (p *Playbook) MaxActionRisk() RiskLevel {
	max := RiskLow
	for _, action := range p.Actions {
		if action.Risk > max {
			max = action.Risk
		}
	}
	return max
}

// Matches reports whether the playbook's predicate accepts the alert.
func (p *Playbook) Matches(a alert.Alert) bool {
	return p.Match.Accepts(a)
}
