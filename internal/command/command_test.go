package command

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/meshhub/internal/meshwire"
	"github.com/ocx/meshhub/internal/registry"
)

func newRegistryWithDevice(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New(filepath.Join(t.TempDir(), "registry.json"))
	require.NoError(t, reg.Register(registry.DeviceInfo{
		NodeID:     "esp32-kitchen",
		DeviceType: "sensor",
		Capabilities: []registry.DeviceCapability{
			{Name: "temperature", Kind: registry.KindSensor, DataType: registry.DataTypeFloat, ValueRange: &registry.ValueRange{Min: -40, Max: 125}},
			{Name: "power", Kind: registry.KindActuator, DataType: registry.DataTypeBool},
			{Name: "mode", Kind: registry.KindProperty, DataType: registry.DataTypeEnum, EnumValues: []string{"auto", "manual"}},
		},
		State: map[string]interface{}{},
	}))
	reg.MarkOnline("esp32-kitchen", true)
	return reg
}

func TestValidate_UnknownActionKind(t *testing.T) {
	reg := newRegistryWithDevice(t)
	errs := Validate(Command{Device: "esp32-kitchen", ActionKind: "explode"}, reg)
	require.Len(t, errs, 1)
	assert.Equal(t, "error", errs[0].Severity)
}

func TestValidate_UnknownDevice(t *testing.T) {
	reg := newRegistryWithDevice(t)
	errs := Validate(Command{Device: "nonexistent", ActionKind: ActionGet, Capability: "power"}, reg)
	require.Len(t, errs, 1)
}

func TestValidate_OfflineDeviceIsWarningNotError(t *testing.T) {
	reg := newRegistryWithDevice(t)
	reg.MarkOnline("esp32-kitchen", false)

	errs := Validate(Command{Device: "esp32-kitchen", ActionKind: ActionToggle, Capability: "power", Params: map[string]interface{}{"value": true}}, reg)
	var sawWarning bool
	for _, e := range errs {
		if e.Severity == "warning" {
			sawWarning = true
		}
		assert.NotEqual(t, "error", e.Severity, "toggle on bool should not itself be an error: %s", e.Message)
	}
	assert.True(t, sawWarning)
}

func TestValidate_SetForbiddenOnSensor(t *testing.T) {
	reg := newRegistryWithDevice(t)
	errs := Validate(Command{Device: "esp32-kitchen", ActionKind: ActionSet, Capability: "temperature", Params: map[string]interface{}{"value": 22.0}}, reg)
	require.NotEmpty(t, errs)
}

func TestValidate_ToggleOnlyOnBool(t *testing.T) {
	reg := newRegistryWithDevice(t)
	errs := Validate(Command{Device: "esp32-kitchen", ActionKind: ActionToggle, Capability: "temperature"}, reg)
	require.NotEmpty(t, errs)
}

func TestValidate_SetWithinEnumIsValid(t *testing.T) {
	reg := newRegistryWithDevice(t)
	errs := Validate(Command{Device: "esp32-kitchen", ActionKind: ActionSet, Capability: "mode", Params: map[string]interface{}{"value": "auto"}}, reg)
	assert.Empty(t, errs)
}

func TestValidate_SetOutOfEnumRejected(t *testing.T) {
	reg := newRegistryWithDevice(t)
	errs := Validate(Command{Device: "esp32-kitchen", ActionKind: ActionSet, Capability: "mode", Params: map[string]interface{}{"value": "turbo"}}, reg)
	require.NotEmpty(t, errs)
}

func TestValidate_BoolCheckedBeforeNumeric(t *testing.T) {
	reg := newRegistryWithDevice(t)
	// power is bool; passing a float must be rejected, not silently coerced.
	errs := Validate(Command{Device: "esp32-kitchen", ActionKind: ActionSet, Capability: "power", Params: map[string]interface{}{"value": 1.0}}, reg)
	require.NotEmpty(t, errs)

	errs = Validate(Command{Device: "esp32-kitchen", ActionKind: ActionSet, Capability: "power", Params: map[string]interface{}{"value": true}}, reg)
	assert.Empty(t, errs)
}

func TestToEnvelopeFromEnvelope_RoundTrip(t *testing.T) {
	cmd := Command{
		Device:     "esp32-kitchen",
		ActionKind: ActionSet,
		Capability: "power",
		Params:     map[string]interface{}{"value": true},
	}
	env := ToEnvelope(cmd, "hub")
	assert.Equal(t, meshwire.TypeCommand, env.Type)
	assert.Equal(t, "esp32-kitchen", env.Target)

	got, ok := FromEnvelope(env)
	require.True(t, ok)
	assert.Equal(t, cmd.Device, got.Device)
	assert.Equal(t, cmd.ActionKind, got.ActionKind)
	assert.Equal(t, cmd.Capability, got.Capability)
	assert.Equal(t, cmd.Params["value"], got.Params["value"])
}

func TestFromEnvelope_NonCommandReturnsFalse(t *testing.T) {
	env := &meshwire.Envelope{Type: meshwire.TypeChat}
	_, ok := FromEnvelope(env)
	assert.False(t, ok)
}
