// Package command implements the command/response schema: envelope
// conversion and capability-aware validation against the device registry.
package command

import (
	"github.com/ocx/meshhub/internal/meshwire"
	"github.com/ocx/meshhub/internal/registry"
)

// ActionKind enumerates the operations a Command may request.
type ActionKind string

const (
	ActionSet     ActionKind = "set"
	ActionGet     ActionKind = "get"
	ActionToggle  ActionKind = "toggle"
	ActionExecute ActionKind = "execute"
)

var validActionKinds = map[ActionKind]bool{
	ActionSet: true, ActionGet: true, ActionToggle: true, ActionExecute: true,
}

// Command targets one device action.
type Command struct {
	Device     string                 `json:"device"`
	ActionKind ActionKind             `json:"action_kind"`
	Capability string                 `json:"capability,omitempty"`
	Params     map[string]interface{} `json:"params,omitempty"`
}

// ResponseStatus enumerates a Response's outcome.
type ResponseStatus string

const (
	StatusOK    ResponseStatus = "ok"
	StatusError ResponseStatus = "error"
)

// Response reports the outcome of executing a Command.
type Response struct {
	Device     string         `json:"device"`
	Status     ResponseStatus `json:"status"`
	Capability string         `json:"capability,omitempty"`
	Value      interface{}    `json:"value,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// ValidationError is one finding from Validate; Severity is "error" or
// "warning" — callers decide whether a warning blocks execution.
type ValidationError struct {
	Message  string
	Severity string
}

func errorFinding(msg string) ValidationError {
	return ValidationError{Message: msg, Severity: "error"}
}

func warningFinding(msg string) ValidationError {
	return ValidationError{Message: msg, Severity: "warning"}
}

// Validate runs the multi-stage validation pipeline against cmd using
// reg as the source of truth. An empty return means valid; a return that
// holds only warning-severity findings leaves callers to decide whether to
// proceed.
func Validate(cmd Command, reg *registry.Registry) []ValidationError {
	var findings []ValidationError

	if !validActionKinds[cmd.ActionKind] {
		findings = append(findings, errorFinding("unknown action_kind: "+string(cmd.ActionKind)))
		return findings
	}

	device, ok := reg.Get(cmd.Device)
	if !ok {
		findings = append(findings, errorFinding("unknown device: "+cmd.Device))
		return findings
	}

	if !device.Online {
		findings = append(findings, warningFinding("device is offline: "+cmd.Device))
	}

	if cmd.ActionKind == ActionSet || cmd.ActionKind == ActionGet || cmd.ActionKind == ActionToggle {
		if cmd.Capability == "" {
			findings = append(findings, errorFinding("capability is required for action_kind "+string(cmd.ActionKind)))
			return findings
		}
		cap, ok := capabilityOf(device, cmd.Capability)
		if !ok {
			findings = append(findings, errorFinding("unknown capability: "+cmd.Capability))
			return findings
		}

		switch cmd.ActionKind {
		case ActionSet:
			if cap.Kind == registry.KindSensor {
				findings = append(findings, errorFinding("set is forbidden on sensor capability: "+cmd.Capability))
			}
		case ActionToggle:
			if cap.DataType != registry.DataTypeBool {
				findings = append(findings, errorFinding("toggle is only valid on bool capabilities: "+cmd.Capability))
			}
		}

		if cmd.ActionKind == ActionSet && len(findings) == 0 {
			value, present := cmd.Params["value"]
			if !present {
				findings = append(findings, errorFinding("set requires params.value"))
			} else if !validateValueType(cap, value) {
				findings = append(findings, errorFinding("value does not match capability constraints: "+cmd.Capability))
			}
		}
	}

	return findings
}

func capabilityOf(d registry.DeviceInfo, name string) (registry.DeviceCapability, bool) {
	for _, c := range d.Capabilities {
		if c.Name == name {
			return c, true
		}
	}
	return registry.DeviceCapability{}, false
}

// validateValueType checks the value's runtime type against cap.DataType
// before delegating range/enum checks to registry.ValidateValue. Bool is
// checked before int/float because a bool value can satisfy a Go
// type-switch's numeric case in some dynamic encodings (e.g. JSON booleans
// decoded into interface{} never equal a float64, but defensively we check
// type identity first rather than relying on that).
func validateValueType(cap registry.DeviceCapability, value interface{}) bool {
	switch cap.DataType {
	case registry.DataTypeBool:
		_, ok := value.(bool)
		return ok
	case registry.DataTypeInt, registry.DataTypeFloat:
		if _, isBool := value.(bool); isBool {
			return false
		}
		return registry.ValidateValue(cap, value)
	case registry.DataTypeString:
		_, ok := value.(string)
		return ok
	case registry.DataTypeEnum:
		return registry.ValidateValue(cap, value)
	}
	return true
}

// ToEnvelope emits a COMMAND envelope whose payload encodes every Command
// field.
func ToEnvelope(cmd Command, sourceID string) *meshwire.Envelope {
	payload := map[string]interface{}{
		"device":      cmd.Device,
		"action_kind": string(cmd.ActionKind),
	}
	if cmd.Capability != "" {
		payload["capability"] = cmd.Capability
	}
	if cmd.Params != nil {
		payload["params"] = cmd.Params
	}
	return &meshwire.Envelope{
		Type:    meshwire.TypeCommand,
		Source:  sourceID,
		Target:  cmd.Device,
		Payload: payload,
	}
}

// FromEnvelope is ToEnvelope's inverse. Returns (zero, false) if env is not a
// COMMAND envelope.
func FromEnvelope(env *meshwire.Envelope) (Command, bool) {
	if env.Type != meshwire.TypeCommand {
		return Command{}, false
	}
	device, _ := env.Payload["device"].(string)
	actionKind, _ := env.Payload["action_kind"].(string)
	capability, _ := env.Payload["capability"].(string)
	params, _ := env.Payload["params"].(map[string]interface{})

	return Command{
		Device:     device,
		ActionKind: ActionKind(actionKind),
		Capability: capability,
		Params:     params,
	}, true
}
