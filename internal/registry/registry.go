// Package registry implements the device registry: an in-memory
// node_id -> DeviceInfo map with JSON persistence, capability-validated
// state updates, and event callbacks.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"log/slog"
)

// CapabilityKind classifies a DeviceCapability's role.
type CapabilityKind string

const (
	KindSensor   CapabilityKind = "sensor"
	KindActuator CapabilityKind = "actuator"
	KindProperty CapabilityKind = "property"
)

// DataType is the value type a capability's state carries.
type DataType string

const (
	DataTypeBool   DataType = "bool"
	DataTypeInt    DataType = "int"
	DataTypeFloat  DataType = "float"
	DataTypeString DataType = "string"
	DataTypeEnum   DataType = "enum"
)

// ValueRange bounds a numeric capability's state.
type ValueRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// DeviceCapability describes one controllable or observable facet of a
// device.
type DeviceCapability struct {
	Name        string      `json:"name"`
	Kind        CapabilityKind `json:"kind"`
	DataType    DataType    `json:"data_type"`
	Unit        string      `json:"unit,omitempty"`
	ValueRange  *ValueRange `json:"value_range,omitempty"`
	EnumValues  []string    `json:"enum_values,omitempty"`
}

// DeviceInfo is the full registry record for one device.
type DeviceInfo struct {
	NodeID       string                 `json:"node_id"`
	DeviceType   string                 `json:"device_type"`
	DisplayName  string                 `json:"display_name"`
	Capabilities []DeviceCapability     `json:"capabilities"`
	State        map[string]interface{} `json:"state"`
	Online       bool                   `json:"online"`
	LastSeen     time.Time              `json:"last_seen"`
	RegisteredAt time.Time              `json:"registered_at"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

func (d *DeviceInfo) capability(name string) (DeviceCapability, bool) {
	for _, c := range d.Capabilities {
		if c.Name == name {
			return c, true
		}
	}
	return DeviceCapability{}, false
}

// EventKind enumerates the callback events a Registry fires.
type EventKind string

const (
	EventRegistered   EventKind = "registered"
	EventUpdated      EventKind = "updated"
	EventRemoved      EventKind = "removed"
	EventStateChanged EventKind = "state_changed"
	EventOnline       EventKind = "online"
	EventOffline      EventKind = "offline"
)

// Event is delivered to every registered OnEvent callback.
type Event struct {
	Kind       EventKind
	NodeID     string
	Capability string
	OldValue   interface{}
	NewValue   interface{}
}

// Registry owns the device map and its on-disk persistence.
type Registry struct {
	path string

	mu      sync.Mutex
	devices map[string]*DeviceInfo

	callbackMu sync.Mutex
	callbacks  []func(Event)
}

// New constructs a Registry backed by path. Call Load to populate it from
// disk.
func New(path string) *Registry {
	return &Registry{path: path, devices: make(map[string]*DeviceInfo)}
}

// OnEvent registers a callback invoked for every registry event. Panics and
// errors inside the callback are recovered and logged; they never affect
// registry integrity.
func (r *Registry) OnEvent(fn func(Event)) {
	r.callbackMu.Lock()
	r.callbacks = append(r.callbacks, fn)
	r.callbackMu.Unlock()
}

func (r *Registry) fire(ev Event) {
	r.callbackMu.Lock()
	cbs := append([]func(Event){}, r.callbacks...)
	r.callbackMu.Unlock()

	for _, cb := range cbs {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					slog.Error("registry: event callback panicked", "kind", ev.Kind, "panic", rec)
				}
			}()
			cb(ev)
		}()
	}
}

// Register inserts or replaces a DeviceInfo, firing "registered" on first
// insert or "updated" on replace, then persists.
func (r *Registry) Register(info DeviceInfo) error {
	r.mu.Lock()
	_, existed := r.devices[info.NodeID]
	if info.RegisteredAt.IsZero() {
		info.RegisteredAt = time.Now()
	}
	copyInfo := info
	r.devices[info.NodeID] = &copyInfo
	r.mu.Unlock()

	if existed {
		r.fire(Event{Kind: EventUpdated, NodeID: info.NodeID})
	} else {
		r.fire(Event{Kind: EventRegistered, NodeID: info.NodeID})
	}
	return r.persist()
}

// Remove erases node_id's record, firing "removed", then persists.
func (r *Registry) Remove(nodeID string) error {
	r.mu.Lock()
	_, existed := r.devices[nodeID]
	delete(r.devices, nodeID)
	r.mu.Unlock()

	if !existed {
		return nil
	}
	r.fire(Event{Kind: EventRemoved, NodeID: nodeID})
	return r.persist()
}

// Get returns a copy of node_id's record, if known.
func (r *Registry) Get(nodeID string) (DeviceInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[nodeID]
	if !ok {
		return DeviceInfo{}, false
	}
	return *d, true
}

// ByType returns every device of the given device_type.
func (r *Registry) ByType(deviceType string) []DeviceInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []DeviceInfo
	for _, d := range r.devices {
		if d.DeviceType == deviceType {
			out = append(out, *d)
		}
	}
	return out
}

// ByCapability returns every device exposing the named capability.
func (r *Registry) ByCapability(name string) []DeviceInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []DeviceInfo
	for _, d := range r.devices {
		if _, ok := d.capability(name); ok {
			out = append(out, *d)
		}
	}
	return out
}

// ListOnline returns every device currently marked online.
func (r *Registry) ListOnline() []DeviceInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []DeviceInfo
	for _, d := range r.devices {
		if d.Online {
			out = append(out, *d)
		}
	}
	return out
}

// MarkOnline updates a device's online flag and last_seen, firing
// "online"/"offline" only on transition.
func (r *Registry) MarkOnline(nodeID string, online bool) {
	r.mu.Lock()
	d, ok := r.devices[nodeID]
	if !ok {
		r.mu.Unlock()
		return
	}
	transitioned := d.Online != online
	d.Online = online
	d.LastSeen = time.Now()
	r.mu.Unlock()

	if transitioned {
		kind := EventOffline
		if online {
			kind = EventOnline
		}
		r.fire(Event{Kind: kind, NodeID: nodeID})
	}
}

// UpdateState validates and applies partial_state against the device's
// capability contract, firing state_changed per changed key and updated if
// anything changed, then persists.
func (r *Registry) UpdateState(nodeID string, partialState map[string]interface{}) error {
	r.mu.Lock()
	d, ok := r.devices[nodeID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("registry: unknown device %q", nodeID)
	}

	type change struct {
		capability string
		old, new_  interface{}
	}
	var changes []change

	for capName, newVal := range partialState {
		cap, ok := d.capability(capName)
		if !ok {
			continue
		}
		if !isScalar(newVal) {
			continue
		}
		if !ValidateValue(cap, newVal) {
			continue
		}
		oldVal := d.State[capName]
		if oldVal == newVal {
			continue
		}
		if d.State == nil {
			d.State = make(map[string]interface{})
		}
		d.State[capName] = newVal
		changes = append(changes, change{capName, oldVal, newVal})
	}
	r.mu.Unlock()

	if len(changes) == 0 {
		return nil
	}
	for _, c := range changes {
		r.fire(Event{Kind: EventStateChanged, NodeID: nodeID, Capability: c.capability, OldValue: c.old, NewValue: c.new_})
	}
	r.fire(Event{Kind: EventUpdated, NodeID: nodeID})
	return r.persist()
}

// ValidateValue reports whether value is legal for capability cap: enum
// membership and numeric value_range bounds, skipping devices/capabilities
// with no stated constraint.
func ValidateValue(cap DeviceCapability, value interface{}) bool {
	if cap.DataType == DataTypeEnum && len(cap.EnumValues) > 0 {
		s, ok := value.(string)
		if !ok {
			return false
		}
		for _, v := range cap.EnumValues {
			if v == s {
				return true
			}
		}
		return false
	}
	if cap.ValueRange != nil {
		f, ok := asFloat(value)
		if !ok {
			return false
		}
		return f >= cap.ValueRange.Min && f <= cap.ValueRange.Max
	}
	return true
}

// isScalar rejects composite JSON values (objects, arrays) a peer might smuggle
// into a state report; capability state is scalar by contract, and composite
// values are not safely comparable.
func isScalar(v interface{}) bool {
	switch v.(type) {
	case bool, float64, float32, int, int64, string:
		return true
	}
	return false
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
	}
	return 0, false
}

// persist writes the full device map to disk atomically (write-to-tmp then
// rename). Callers persist after every mutation; UpdateState's persistence is
// the only one explicitly allowed to be lazy/debounced by the owning
// component — this implementation persists synchronously; conservative, but
// a registry write is rare enough that debouncing buys little.
func (r *Registry) persist() error {
	r.mu.Lock()
	snapshot := make(map[string]DeviceInfo, len(r.devices))
	for id, d := range r.devices {
		snapshot[id] = *d
	}
	r.mu.Unlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("registry: marshal: %w", err)
	}

	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("registry: mkdir: %w", err)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("registry: write: %w", err)
	}
	return os.Rename(tmp, r.path)
}

// Flush forces a synchronous persist; callers invoke this on shutdown to
// guarantee no debounced write is lost.
func (r *Registry) Flush() error {
	return r.persist()
}

// Load reads the registry file from disk. A missing file starts empty. A
// corrupt top-level document logs and starts empty; a per-entry parse error
// (caught via RawMessage) skips that entry and continues.
func (r *Registry) Load() error {
	data, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("registry: read: %w", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		slog.Error("registry: corrupt registry file, starting empty", "error", err)
		return nil
	}

	devices := make(map[string]*DeviceInfo, len(raw))
	for nodeID, msg := range raw {
		var d DeviceInfo
		if err := json.Unmarshal(msg, &d); err != nil {
			slog.Error("registry: skipping corrupt entry", "node_id", nodeID, "error", err)
			continue
		}
		devices[nodeID] = &d
	}

	r.mu.Lock()
	r.devices = devices
	r.mu.Unlock()
	return nil
}
