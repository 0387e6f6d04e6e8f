package alert

import (
	"fmt"
	"strings"
	"time"
)

// Severity is the ordered alert severity enumeration: INFO < WARN < CRIT.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarn
	SeverityCrit
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarn:
		return "warn"
	case SeverityCrit:
		return "crit"
	default:
		return "unknown"
	}
}

// ParseSeverity maps a string to a Severity. It accepts the common aliases
// seen in upstream alert sources.
func ParseSeverity(value string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "info", "informational", "low":
		return SeverityInfo, nil
	case "warn", "warning", "medium":
		return SeverityWarn, nil
	case "crit", "critical", "high":
		return SeverityCrit, nil
	default:
		return SeverityInfo, fmt.Errorf("unknown severity %q", value)
	}
}

// MarshalYAML renders the severity as its lowercase name.
func (s Severity) MarshalYAML() (any, error) {
	return s.String(), nil
}

// UnmarshalYAML parses a severity name from playbook configuration.
func (s *Severity) UnmarshalYAML(unmarshal func(any) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	parsed, err := ParseSeverity(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// MarshalJSON renders the severity as its lowercase name.
func (s Severity) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// UnmarshalJSON parses a severity name from persisted or submitted alerts.
func (s *Severity) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(string(data), `"`)
	parsed, err := ParseSeverity(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Alert is the structured signal the reactor consumes: a monitoring alert, a
// resource event, or a task failure surfaced by a collaborator.
type Alert struct {
	ID        string    `json:"id"`
	Severity  Severity  `json:"severity"`
	Message   string    `json:"message"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

// Validate checks the minimum required fields.
func (a *Alert) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("alert: id is required")
	}
	if a.Message == "" {
		return fmt.Errorf("alert: message is required")
	}
	return nil
}
