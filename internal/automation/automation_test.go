package automation

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/meshhub/internal/command"
	"github.com/ocx/meshhub/internal/registry"
)

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New(filepath.Join(t.TempDir(), "registry.json"))
	require.NoError(t, reg.Register(registry.DeviceInfo{
		NodeID:     "sensor-1",
		DeviceType: "sensor",
		Capabilities: []registry.DeviceCapability{
			{Name: "temperature", Kind: registry.KindSensor, DataType: registry.DataTypeFloat, ValueRange: &registry.ValueRange{Min: -40, Max: 125}},
		},
		State: map[string]interface{}{"temperature": 20.0},
	}))
	require.NoError(t, reg.Register(registry.DeviceInfo{
		NodeID:     "fan-1",
		DeviceType: "actuator",
		Capabilities: []registry.DeviceCapability{
			{Name: "power", Kind: registry.KindActuator, DataType: registry.DataTypeBool},
		},
		State: map[string]interface{}{},
	}))
	return reg
}

func hotFanRule() Rule {
	return Rule{
		RuleID:  "rule-hot-fan",
		Name:    "turn on fan when hot",
		Enabled: true,
		Conditions: []Condition{
			{DeviceID: "sensor-1", Capability: "temperature", Operator: OpGt, Threshold: 25.0},
		},
		Actions: []Action{
			{DeviceID: "fan-1", Capability: "power", ActionKind: command.ActionSet, Params: map[string]interface{}{"value": true}},
		},
		CooldownSeconds: 60,
	}
}

func TestAddRule_RejectsUnknownDevice(t *testing.T) {
	reg := newTestRegistry(t)
	eng := New(filepath.Join(t.TempDir(), "rules.json"), reg)

	r := hotFanRule()
	r.Conditions[0].DeviceID = "nonexistent"
	errs := eng.AddRule(r)
	require.NotEmpty(t, errs)
}

func TestAddRule_RejectsUnknownCapability(t *testing.T) {
	reg := newTestRegistry(t)
	eng := New(filepath.Join(t.TempDir(), "rules.json"), reg)

	r := hotFanRule()
	r.Conditions[0].Capability = "humidity"
	errs := eng.AddRule(r)
	require.NotEmpty(t, errs)
}

func TestEvaluate_FiresWhenConditionHolds(t *testing.T) {
	reg := newTestRegistry(t)
	eng := New(filepath.Join(t.TempDir(), "rules.json"), reg)
	require.Empty(t, eng.AddRule(hotFanRule()))

	require.NoError(t, reg.UpdateState("sensor-1", map[string]interface{}{"temperature": 30.0}))

	cmds := eng.Evaluate("sensor-1", time.Now())
	require.Len(t, cmds, 1)
	assert.Equal(t, "fan-1", cmds[0].Device)
	assert.Equal(t, command.ActionSet, cmds[0].ActionKind)
	assert.Equal(t, true, cmds[0].Params["value"])
}

func TestEvaluate_DoesNotFireWhenConditionFails(t *testing.T) {
	reg := newTestRegistry(t)
	eng := New(filepath.Join(t.TempDir(), "rules.json"), reg)
	require.Empty(t, eng.AddRule(hotFanRule()))

	cmds := eng.Evaluate("sensor-1", time.Now())
	assert.Empty(t, cmds)
}

func TestEvaluate_DisabledRuleNeverFires(t *testing.T) {
	reg := newTestRegistry(t)
	eng := New(filepath.Join(t.TempDir(), "rules.json"), reg)
	r := hotFanRule()
	r.Enabled = false
	require.Empty(t, eng.AddRule(r))

	require.NoError(t, reg.UpdateState("sensor-1", map[string]interface{}{"temperature": 30.0}))
	assert.Empty(t, eng.Evaluate("sensor-1", time.Now()))
}

func TestEvaluate_CooldownBlocksRefire(t *testing.T) {
	reg := newTestRegistry(t)
	eng := New(filepath.Join(t.TempDir(), "rules.json"), reg)
	require.Empty(t, eng.AddRule(hotFanRule()))

	require.NoError(t, reg.UpdateState("sensor-1", map[string]interface{}{"temperature": 30.0}))

	now := time.Now()
	first := eng.Evaluate("sensor-1", now)
	require.Len(t, first, 1)

	second := eng.Evaluate("sensor-1", now.Add(5*time.Second))
	assert.Empty(t, second)

	third := eng.Evaluate("sensor-1", now.Add(61*time.Second))
	assert.Len(t, third, 1)
}

func TestEnable_TogglesFiring(t *testing.T) {
	reg := newTestRegistry(t)
	eng := New(filepath.Join(t.TempDir(), "rules.json"), reg)
	require.Empty(t, eng.AddRule(hotFanRule()))
	eng.Enable("rule-hot-fan", false)

	require.NoError(t, reg.UpdateState("sensor-1", map[string]interface{}{"temperature": 30.0}))
	assert.Empty(t, eng.Evaluate("sensor-1", time.Now()))
}

func TestRemoveRule_StopsEvaluation(t *testing.T) {
	reg := newTestRegistry(t)
	eng := New(filepath.Join(t.TempDir(), "rules.json"), reg)
	require.Empty(t, eng.AddRule(hotFanRule()))
	eng.RemoveRule("rule-hot-fan")

	require.NoError(t, reg.UpdateState("sensor-1", map[string]interface{}{"temperature": 30.0}))
	assert.Empty(t, eng.Evaluate("sensor-1", time.Now()))
}

func TestUpdateRule_RevalidatesAndReindexes(t *testing.T) {
	reg := newTestRegistry(t)
	eng := New(filepath.Join(t.TempDir(), "rules.json"), reg)
	require.Empty(t, eng.AddRule(hotFanRule()))

	updated := hotFanRule()
	updated.Conditions[0].DeviceID = "nonexistent"
	errs := eng.UpdateRule(updated)
	require.NotEmpty(t, errs)

	// original rule must remain intact since the update was rejected
	require.NoError(t, reg.UpdateState("sensor-1", map[string]interface{}{"temperature": 30.0}))
	assert.Len(t, eng.Evaluate("sensor-1", time.Now()), 1)
}

func TestLoad_RebuildsIndexFromPersistedRules(t *testing.T) {
	reg := newTestRegistry(t)
	path := filepath.Join(t.TempDir(), "rules.json")
	eng := New(path, reg)
	require.Empty(t, eng.AddRule(hotFanRule()))

	reloaded := New(path, reg)
	require.NoError(t, reloaded.Load())

	require.NoError(t, reg.UpdateState("sensor-1", map[string]interface{}{"temperature": 30.0}))
	cmds := reloaded.Evaluate("sensor-1", time.Now())
	require.Len(t, cmds, 1)
}

func TestEvaluate_UnrelatedDeviceTriggersNothing(t *testing.T) {
	reg := newTestRegistry(t)
	eng := New(filepath.Join(t.TempDir(), "rules.json"), reg)
	require.Empty(t, eng.AddRule(hotFanRule()))

	assert.Empty(t, eng.Evaluate("fan-1", time.Now()))
}
