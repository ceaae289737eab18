// Package automation implements the rule engine: rule storage with a
// device-indexed evaluation shortcut, cooldown discipline, and a pure
// evaluation function over a registry snapshot.
package automation

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ocx/meshhub/internal/command"
	"github.com/ocx/meshhub/internal/registry"
)

// Operator enumerates condition comparisons.
type Operator string

const (
	OpEq Operator = "eq"
	OpNe Operator = "ne"
	OpGt Operator = "gt"
	OpGe Operator = "ge"
	OpLt Operator = "lt"
	OpLe Operator = "le"
)

// Condition is one trigger clause: read (device_id, capability)'s current
// state and compare against threshold using operator.
type Condition struct {
	DeviceID   string      `json:"device_id"`
	Capability string      `json:"capability"`
	Operator   Operator    `json:"operator"`
	Threshold  interface{} `json:"threshold"`
}

// Action is one command template fired when a rule's conditions all hold.
type Action struct {
	DeviceID   string                 `json:"device_id"`
	Capability string                 `json:"capability"`
	ActionKind command.ActionKind     `json:"action_kind"`
	Params     map[string]interface{} `json:"params,omitempty"`
}

// Rule is one automation rule.
type Rule struct {
	RuleID          string      `json:"rule_id"`
	Name            string      `json:"name"`
	Enabled         bool        `json:"enabled"`
	Conditions      []Condition `json:"conditions"`
	Actions         []Action    `json:"actions"`
	CooldownSeconds float64     `json:"cooldown_seconds"`
	LastTriggered   *time.Time  `json:"last_triggered,omitempty"`
}

// Engine owns the rule set, its device index, and persistence.
type Engine struct {
	path string
	reg  *registry.Registry

	mu    sync.Mutex
	rules map[string]*Rule
	index map[string]map[string]bool // device_id -> set<rule_id>
}

// New constructs an Engine backed by path, evaluating against reg.
func New(path string, reg *registry.Registry) *Engine {
	return &Engine{
		path:  path,
		reg:   reg,
		rules: make(map[string]*Rule),
		index: make(map[string]map[string]bool),
	}
}

// Validate checks that every device/capability a rule references exists in
// the registry. Returns a list of error strings (empty ⇒ valid).
func Validate(r Rule, reg *registry.Registry) []string {
	var errs []string
	if len(r.Conditions) == 0 {
		errs = append(errs, "rule must have at least one condition")
	}
	if len(r.Actions) == 0 {
		errs = append(errs, "rule must have at least one action")
	}
	for _, c := range r.Conditions {
		if _, ok := reg.Get(c.DeviceID); !ok {
			errs = append(errs, fmt.Sprintf("condition references unknown device: %s", c.DeviceID))
			continue
		}
		if !hasCapability(reg, c.DeviceID, c.Capability) {
			errs = append(errs, fmt.Sprintf("condition references unknown capability %s on %s", c.Capability, c.DeviceID))
		}
	}
	for _, a := range r.Actions {
		if _, ok := reg.Get(a.DeviceID); !ok {
			errs = append(errs, fmt.Sprintf("action references unknown device: %s", a.DeviceID))
			continue
		}
		if a.Capability != "" && !hasCapability(reg, a.DeviceID, a.Capability) {
			errs = append(errs, fmt.Sprintf("action references unknown capability %s on %s", a.Capability, a.DeviceID))
		}
	}
	return errs
}

func hasCapability(reg *registry.Registry, deviceID, capability string) bool {
	d, ok := reg.Get(deviceID)
	if !ok {
		return false
	}
	for _, c := range d.Capabilities {
		if c.Name == capability {
			return true
		}
	}
	return false
}

// AddRule validates r against the registry; on success it is inserted,
// indexed, and persisted. On failure, returns the validation errors and does
// not add the rule.
func (e *Engine) AddRule(r Rule) []string {
	if errs := Validate(r, e.reg); len(errs) > 0 {
		return errs
	}

	e.mu.Lock()
	e.rules[r.RuleID] = &r
	e.indexRuleLocked(&r)
	e.mu.Unlock()

	e.persist()
	return nil
}

func (e *Engine) indexRuleLocked(r *Rule) {
	for _, c := range r.Conditions {
		if e.index[c.DeviceID] == nil {
			e.index[c.DeviceID] = make(map[string]bool)
		}
		e.index[c.DeviceID][r.RuleID] = true
	}
}

func (e *Engine) deindexRuleLocked(ruleID string) {
	for deviceID, ruleSet := range e.index {
		delete(ruleSet, ruleID)
		if len(ruleSet) == 0 {
			delete(e.index, deviceID)
		}
	}
}

// RemoveRule deletes ruleID, updates the index, and persists.
func (e *Engine) RemoveRule(ruleID string) {
	e.mu.Lock()
	delete(e.rules, ruleID)
	e.deindexRuleLocked(ruleID)
	e.mu.Unlock()
	e.persist()
}

// Enable toggles ruleID's enabled flag and persists.
func (e *Engine) Enable(ruleID string, enabled bool) {
	e.mu.Lock()
	if r, ok := e.rules[ruleID]; ok {
		r.Enabled = enabled
	}
	e.mu.Unlock()
	e.persist()
}

// UpdateRule replaces ruleID's definition (re-validating and re-indexing) if
// it passes Validate; otherwise returns the validation errors unchanged.
func (e *Engine) UpdateRule(r Rule) []string {
	if errs := Validate(r, e.reg); len(errs) > 0 {
		return errs
	}

	e.mu.Lock()
	e.deindexRuleLocked(r.RuleID)
	e.rules[r.RuleID] = &r
	e.indexRuleLocked(&r)
	e.mu.Unlock()

	e.persist()
	return nil
}

// Evaluate runs every rule indexed against triggerDeviceID, returning the
// commands fired by rules whose conditions all hold. Pure given
// (rules, registry snapshot, now): no hidden external state.
func (e *Engine) Evaluate(triggerDeviceID string, now time.Time) []command.Command {
	e.mu.Lock()
	ruleIDs := make([]string, 0, len(e.index[triggerDeviceID]))
	for id := range e.index[triggerDeviceID] {
		ruleIDs = append(ruleIDs, id)
	}
	e.mu.Unlock()

	var commands []command.Command
	for _, ruleID := range ruleIDs {
		e.mu.Lock()
		r, ok := e.rules[ruleID]
		e.mu.Unlock()
		if !ok {
			continue
		}

		if fired, cmds := e.tryFire(r, now); fired {
			commands = append(commands, cmds...)
		}
	}
	return commands
}

func (e *Engine) tryFire(r *Rule, now time.Time) (bool, []command.Command) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !r.Enabled {
		return false, nil
	}
	if r.LastTriggered != nil && now.Sub(*r.LastTriggered).Seconds() < r.CooldownSeconds {
		return false, nil
	}

	for _, c := range r.Conditions {
		if !conditionHolds(c, e.reg) {
			return false, nil
		}
	}

	r.LastTriggered = &now

	cmds := make([]command.Command, 0, len(r.Actions))
	for _, a := range r.Actions {
		cmds = append(cmds, command.Command{
			Device:     a.DeviceID,
			ActionKind: a.ActionKind,
			Capability: a.Capability,
			Params:     a.Params,
		})
	}
	return true, cmds
}

func conditionHolds(c Condition, reg *registry.Registry) bool {
	d, ok := reg.Get(c.DeviceID)
	if !ok {
		return false
	}
	current, ok := d.State[c.Capability]
	if !ok {
		return false
	}
	return compare(current, c.Operator, c.Threshold)
}

func compare(current interface{}, op Operator, threshold interface{}) bool {
	if op == OpEq || op == OpNe {
		eq := valuesEqual(current, threshold)
		if op == OpEq {
			return eq
		}
		return !eq
	}

	cf, ok1 := asFloat(current)
	tf, ok2 := asFloat(threshold)
	if !ok1 || !ok2 {
		return false
	}
	switch op {
	case OpGt:
		return cf > tf
	case OpGe:
		return cf >= tf
	case OpLt:
		return cf < tf
	case OpLe:
		return cf <= tf
	}
	return false
}

func valuesEqual(a, b interface{}) bool {
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	if aok && bok {
		return af == bf
	}
	return a == b
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case bool:
		return 0, false
	}
	return 0, false
}

func (e *Engine) persist() error {
	e.mu.Lock()
	snapshot := make([]Rule, 0, len(e.rules))
	for _, r := range e.rules {
		snapshot = append(snapshot, *r)
	}
	e.mu.Unlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("automation: marshal: %w", err)
	}

	dir := filepath.Dir(e.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("automation: mkdir: %w", err)
	}
	tmp := e.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("automation: write: %w", err)
	}
	return os.Rename(tmp, e.path)
}

// Load reads the rule set from disk, rebuilding the device index. A missing
// file starts empty.
func (e *Engine) Load() error {
	data, err := os.ReadFile(e.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("automation: read: %w", err)
	}

	var rules []Rule
	if err := json.Unmarshal(data, &rules); err != nil {
		return fmt.Errorf("automation: unmarshal: %w", err)
	}

	e.mu.Lock()
	e.rules = make(map[string]*Rule, len(rules))
	e.index = make(map[string]map[string]bool)
	for i := range rules {
		r := rules[i]
		e.rules[r.RuleID] = &r
		e.indexRuleLocked(&r)
	}
	e.mu.Unlock()
	return nil
}
