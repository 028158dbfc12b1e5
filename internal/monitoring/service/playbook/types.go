// Package playbook matches alerts against a declarative rule registry and
// drives remediation runs through their state machine.
package playbook

import (
	"fmt"
	"strings"

	"github.com/prometheus/common/model"

	wmodel "github.com/watchtower-ops/watchtower/internal/monitoring/model"
)

// ActionKind is the closed set of remediation action types. Anything else in
// a registry file fails the whole load.
type ActionKind string

const (
	ActionNotify          ActionKind = "notify"
	ActionRetrain         ActionKind = "retrain"
	ActionThresholdAdjust ActionKind = "threshold_adjust"
)

func (k ActionKind) Valid() bool {
	switch k {
	case ActionNotify, ActionRetrain, ActionThresholdAdjust:
		return true
	}
	return false
}

// Match is a rule's predicate over alerts. Empty fields match everything;
// Categories matches the alert's risk category, Sources its origin,
// MinSeverity the lowest severity the rule fires on.
type Match struct {
	Sources     []string `yaml:"sources"`
	MinSeverity string   `yaml:"min_severity"`
	Categories  []string `yaml:"categories"`
}

// Action is one step of a rule's ordered action sequence.
type Action struct {
	ID     string         `yaml:"id"`
	Kind   ActionKind     `yaml:"kind"`
	Params map[string]any `yaml:"params"`
}

// StringParam fetches a string parameter, empty when absent or mistyped.
func (a Action) StringParam(key string) string {
	v, _ := a.Params[key].(string)
	return v
}

// FloatParam fetches a numeric parameter. YAML decodes untyped numbers as
// int or float64 depending on the literal.
func (a Action) FloatParam(key string) (float64, bool) {
	switch v := a.Params[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

// TriggerRule is one registry entry. Rules are evaluated in file order and
// the first match wins.
type TriggerRule struct {
	ID          string         `yaml:"id"`
	Description string         `yaml:"description"`
	Match       Match          `yaml:"match"`
	Cooldown    model.Duration `yaml:"cooldown"`
	Actions     []Action       `yaml:"actions"`
}

// Matches reports whether the rule's predicate covers the alert.
func (r *TriggerRule) Matches(a *wmodel.Alert) bool {
	if len(r.Match.Sources) > 0 && !containsFold(r.Match.Sources, string(a.Source)) {
		return false
	}
	if r.Match.MinSeverity != "" {
		floor := wmodel.Severity(r.Match.MinSeverity)
		if !a.Severity.AtLeast(floor) {
			return false
		}
	}
	if len(r.Match.Categories) > 0 && !containsFold(r.Match.Categories, a.RiskCategory) {
		return false
	}
	return true
}

func (r *TriggerRule) validate() error {
	if r.ID == "" {
		return fmt.Errorf("rule missing id")
	}
	if len(r.Actions) == 0 {
		return fmt.Errorf("rule %s: empty action sequence", r.ID)
	}
	if r.Match.MinSeverity != "" && !wmodel.Severity(r.Match.MinSeverity).Valid() {
		return fmt.Errorf("rule %s: unknown severity %q", r.ID, r.Match.MinSeverity)
	}
	seen := map[string]bool{}
	for i, act := range r.Actions {
		if act.ID == "" {
			return fmt.Errorf("rule %s: action %d missing id", r.ID, i)
		}
		if seen[act.ID] {
			return fmt.Errorf("rule %s: duplicate action id %q", r.ID, act.ID)
		}
		seen[act.ID] = true
		if !act.Kind.Valid() {
			return fmt.Errorf("rule %s: action %s: unknown kind %q", r.ID, act.ID, act.Kind)
		}
	}
	return nil
}

func containsFold(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}
