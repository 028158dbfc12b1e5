package playbook

import (
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/watchtower-ops/watchtower/internal/monitoring/model"
)

// Registry holds the ordered trigger rules. Loads are all-or-nothing: a
// schema violation anywhere in the file leaves the previous rule set in
// place and returns ErrRegistryInvalid.
type Registry struct {
	path string

	mu    sync.RWMutex
	rules []TriggerRule
}

type registryFile struct {
	Rules []TriggerRule `yaml:"rules"`
}

// LoadRegistry reads and validates the rule file. The engine refuses to
// start on a load error.
func LoadRegistry(path string) (*Registry, error) {
	r := &Registry{path: path}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the rule file. Called between cycles, never mid-run.
func (r *Registry) Reload() error {
	raw, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("%w: read %s: %v", model.ErrRegistryInvalid, r.path, err)
	}
	var file registryFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("%w: parse %s: %v", model.ErrRegistryInvalid, r.path, err)
	}
	if len(file.Rules) == 0 {
		return fmt.Errorf("%w: %s declares no rules", model.ErrRegistryInvalid, r.path)
	}
	seen := map[string]bool{}
	for i := range file.Rules {
		rule := &file.Rules[i]
		if err := rule.validate(); err != nil {
			return fmt.Errorf("%w: %v", model.ErrRegistryInvalid, err)
		}
		if seen[rule.ID] {
			return fmt.Errorf("%w: duplicate rule id %q", model.ErrRegistryInvalid, rule.ID)
		}
		seen[rule.ID] = true
	}

	r.mu.Lock()
	r.rules = file.Rules
	r.mu.Unlock()
	log.Info().Str("path", r.path).Int("rules", len(file.Rules)).Msg("playbook registry loaded")
	return nil
}

// FirstMatch returns the first rule in registry order whose predicate covers
// the alert.
func (r *Registry) FirstMatch(a *model.Alert) (*TriggerRule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := range r.rules {
		if r.rules[i].Matches(a) {
			rule := r.rules[i]
			return &rule, true
		}
	}
	return nil, false
}

// Rule returns a rule by id.
func (r *Registry) Rule(id string) (*TriggerRule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := range r.rules {
		if r.rules[i].ID == id {
			rule := r.rules[i]
			return &rule, true
		}
	}
	return nil, false
}

// Len returns the number of loaded rules.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rules)
}
