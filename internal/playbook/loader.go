package playbook

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"aegis/internal/errors"
)

// The wire structs mirror the on-disk YAML shape. Durations are strings
// ("5m", "30s") because yaml.v3 has no native time.Duration decoding.
type libraryFile struct {
	Playbooks []playbookSpec `yaml:"playbooks"`
}

type playbookSpec struct {
	ID             string       `yaml:"id"`
	Name           string       `yaml:"name"`
	Match          Match        `yaml:"match"`
	Actions        []actionSpec `yaml:"actions"`
	Cooldown       string       `yaml:"cooldown"`
	Risk           RiskLevel    `yaml:"risk"`
	RequireConfirm bool         `yaml:"require_confirm"`
}

type actionSpec struct {
	Kind    string            `yaml:"kind"`
	Target  string            `yaml:"target"`
	Params  map[string]string `yaml:"params"`
	Risk    RiskLevel         `yaml:"risk"`
	Timeout string            `yaml:"timeout"`
}

func (s playbookSpec) toPlaybook() (Playbook, error) {
	cooldown, err := parseDuration(s.Cooldown)
	if err != nil {
		return Playbook{}, fmt.Errorf("playbook %q: cooldown: %w", s.ID, err)
	}
	pb := Playbook{
		ID:             s.ID,
		Name:           s.Name,
		Match:          s.Match,
		Cooldown:       cooldown,
		Risk:           s.Risk,
		RequireConfirm: s.RequireConfirm,
	}
	for i, spec := range s.Actions {
		timeout, err := parseDuration(spec.Timeout)
		if err != nil {
			return Playbook{}, fmt.Errorf("playbook %q action %d: timeout: %w", s.ID, i, err)
		}
		pb.Actions = append(pb.Actions, Action{
			Kind:    spec.Kind,
			Target:  spec.Target,
			Params:  spec.Params,
			Risk:    spec.Risk,
			Timeout: timeout,
		})
	}
	return pb, nil
}

func parseDuration(value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	return time.ParseDuration(value)
}

// LoadFile parses and validates a playbook library from a YAML file. Any
// malformed entry fails the whole load: dropping playbooks silently would
// mean an alert that should have been remediated just is not.
func LoadFile(path string) ([]Playbook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.NewConfigError(path, err)
	}
	return Parse(data, path)
}

// Parse validates a YAML playbook library. The source string is only used in
// error messages.
func Parse(data []byte, source string) ([]Playbook, error) {
	var file libraryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, errors.NewConfigError(source, err)
	}
	if len(file.Playbooks) == 0 {
		return nil, errors.NewConfigError(source, fmt.Errorf("no playbooks defined"))
	}

	playbooks := make([]Playbook, 0, len(file.Playbooks))
	seen := make(map[string]bool, len(file.Playbooks))
	for _, spec := range file.Playbooks {
		pb, err := spec.toPlaybook()
		if err != nil {
			return nil, errors.NewConfigError(source, err)
		}
		if err := pb.Validate(); err != nil {
			return nil, errors.NewConfigError(source, err)
		}
		if seen[pb.ID] {
			return nil, errors.NewConfigError(source, fmt.Errorf("duplicate playbook id %q", pb.ID))
		}
		seen[pb.ID] = true
		playbooks = append(playbooks, pb)
	}
	return playbooks, nil
}

// Library holds the active playbook set. The reactor reads a consistent
// snapshot per reaction; Reload swaps the whole set so hot reload never shows
// a half-updated library.
type Library struct {
	mu        sync.RWMutex
	path      string
	playbooks []Playbook
}

// NewLibrary loads the initial playbook set from path.
func NewLibrary(path string) (*Library, error) {
	playbooks, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	return &Library{path: path, playbooks: playbooks}, nil
}

// NewStaticLibrary wraps an already validated playbook slice (used by tests
// and dry runs).
func NewStaticLibrary(playbooks []Playbook) *Library {
	return &Library{playbooks: playbooks}
}

// Snapshot returns the current playbook set. The returned slice must be
// treated as read-only.
func (l *Library) Snapshot() []Playbook {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.playbooks
}

// Len returns the number of loaded playbooks.
func (l *Library) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.playbooks)
}

// Path returns the file the library was loaded from, if any.
func (l *Library) Path() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.path
}

// Reload re-reads the library file. On error the previous set stays active;
// config strictness is fatal only at startup, a broken edit at runtime must
// not take the reactor down.
func (l *Library) Reload() error {
	l.mu.RLock()
	path := l.path
	l.mu.RUnlock()
	if path == "" {
		return fmt.Errorf("playbook: library has no backing file")
	}

	playbooks, err := LoadFile(path)
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.playbooks = playbooks
	l.mu.Unlock()
	return nil
}
